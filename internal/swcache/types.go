package swcache

import (
	"hash/crc32"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Mode mirrors the fetch request mode the page issued the request with.
type Mode string

const (
	ModeSameOrigin Mode = "same-origin"
	ModeCORS       Mode = "cors"
	ModeNoCORS     Mode = "no-cors"
	ModeNavigate   Mode = "navigate"
)

// ResponseType tells how much of a response the controller may inspect.
type ResponseType string

const (
	ResponseBasic  ResponseType = "basic"
	ResponseCORS   ResponseType = "cors"
	ResponseOpaque ResponseType = "opaque"
)

type Request struct {
	Method string
	URL    string
	Header http.Header
	Mode   Mode
	Body   []byte
}

func NewRequest(method, rawURL string) *Request {
	if method == "" {
		method = http.MethodGet
	}
	return &Request{Method: method, URL: rawURL, Header: http.Header{}, Mode: ModeCORS}
}

func (r *Request) Key() RequestKey { return KeyFor(r.Method, r.URL) }

// Response is a snapshot of a network response. Stores hand out and keep
// copies, so a Response obtained from a Cache may be modified freely.
type Response struct {
	Type ResponseType

	// Status is what the controller is allowed to see: 0 for opaque responses.
	Status int

	// WireStatus is replayed to HTTP clients. It equals Status except for
	// opaque responses, where it carries the status the origin really sent.
	WireStatus int

	Header   http.Header
	Body     []byte
	URL      string
	StoredAt int64 // unix seconds
	Hash32   uint32
}

func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = cloneHeader(r.Header)
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}

// Snapshot is the copy of r that goes into a shared generation. Cookies set
// for one client are never replayed to another.
func (r *Response) Snapshot() *Response {
	out := r.Clone()
	if out != nil && out.Header != nil {
		out.Header.Del("Set-Cookie")
		out.Header.Del("Set-Cookie2")
	}
	return out
}

func (r *Response) stamp() {
	r.StoredAt = time.Now().Unix()
	r.Hash32 = crc32.ChecksumIEEE(r.Body)
}

// RequestKey identifies an entry inside a cache generation.
type RequestKey string

// KeyFor builds the normalized "METHOD URL" key. Scheme and host are
// lower-cased, default ports and fragments are dropped.
func KeyFor(method, rawURL string) RequestKey {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey(method + " " + normalizeURL(rawURL))
}

func (k RequestKey) Method() string {
	m, _, _ := strings.Cut(string(k), " ")
	return m
}

func (k RequestKey) URL() string {
	_, u, _ := strings.Cut(string(k), " ")
	return u
}

func normalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	if u.Host != "" && u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
