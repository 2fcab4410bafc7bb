package swcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher performs network requests. A returned error means the fetch was
// rejected; any HTTP status, including 5xx, is a resolved fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }

type HTTPFetcher struct {
	Client *http.Client

	sameOrigin func(rawURL string) bool
}

func NewHTTPFetcher(cfg Config) *HTTPFetcher {
	return &HTTPFetcher{
		Client:     &http.Client{Timeout: cfg.fetchTimeout},
		sameOrigin: cfg.sameOrigin,
	}
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var reqBody io.Reader
	if len(req.Body) > 0 {
		reqBody = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	copyHeaders(hreq.Header, req.Header)
	hreq.Header.Set("Accept-Encoding", "identity")

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}

	out := &Response{
		Type:       ResponseBasic,
		Status:     resp.StatusCode,
		WireStatus: resp.StatusCode,
		Header:     cloneHeader(resp.Header),
		Body:       body,
		URL:        req.URL,
	}
	out.Header.Del("Content-Length")
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	if f.sameOrigin == nil || !f.sameOrigin(req.URL) {
		switch req.Mode {
		case ModeNoCORS:
			out.Type = ResponseOpaque
			out.Status = 0
			out.Header = http.Header{}
		default:
			out.Type = ResponseCORS
		}
	}
	out.stamp()
	return out, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
