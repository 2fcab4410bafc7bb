package swcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxRequestBody = 10 << 20

type Service struct {
	log *zap.Logger

	mu  sync.RWMutex
	cfg Config

	storage Storage
	fetcher Fetcher // nil: one HTTPFetcher per controller
	reg     *Registration
	stats   *statsCollector

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(*Service)

func WithLogger(log *zap.Logger) Option { return func(s *Service) { s.log = log } }

// WithFetcher replaces the HTTP fetcher, mostly for tests.
func WithFetcher(f Fetcher) Option { return func(s *Service) { s.fetcher = f } }

func WithStorage(st Storage) Option { return func(s *Service) { s.storage = st } }

func NewService(cfg Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		stats:  newStatsCollector(),
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.storage == nil {
		st, err := OpenStorage(cfg)
		if err != nil {
			return nil, err
		}
		s.storage = st
	}
	s.reg = NewRegistration(s.log)

	if every := cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s, nil
}

// Start installs and, unless it has to wait, activates the controller for
// the configured cache name.
func (s *Service) Start(ctx context.Context) error {
	return s.reg.Register(ctx, s.newController(s.config()))
}

// Reload deploys cfg when its cache name differs from the running one.
func (s *Service) Reload(ctx context.Context, cfg Config) error {
	cur := s.config()
	if cfg.Cache.Name == cur.Cache.Name {
		s.log.Info("config reloaded, cache name unchanged", zap.String("cache", cfg.Cache.Name))
		return nil
	}
	if cfg.Storage != cur.Storage {
		s.log.Warn("storage settings changed, restart to apply them")
	}
	if err := s.reg.Register(ctx, s.newController(cfg)); err != nil {
		return err
	}
	cfg.Storage = cur.Storage
	cfg.Control = cur.Control
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if err := s.storage.Close(); err != nil {
			s.log.Warn("close storage", zap.Error(err))
		}
	})
}

func (s *Service) Registration() *Registration { return s.reg }

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) newController(cfg Config) *Controller {
	f := s.fetcher
	if f == nil {
		f = NewHTTPFetcher(cfg)
	}
	c := NewController(cfg, s.storage, f, s.log)
	c.stats = s.stats
	return c
}

func (s *Service) Handler() http.Handler {
	base := s.config().Control.Path
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+base+"/message", s.handleMessage)
	mux.HandleFunc("GET "+base+"/status", s.handleStatus)
	mux.HandleFunc("/", s.handle)
	return mux
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	req, err := s.toRequest(w, r)
	switch {
	case errors.Is(err, ErrForbiddenTarget):
		s.log.Debug("rejected proxy target", zap.String("url", r.URL.String()))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	case err != nil:
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	res, err := s.reg.Fetch(r.Context(), req)
	switch {
	case err == nil:
		writeResponse(w, res.Response, string(res.Source))
	case errors.Is(err, ErrNotActive):
		setSwcacheHeaders(w.Header(), "inactive")
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	default:
		s.log.Debug("fetch failed", zap.String("url", req.URL), zap.Error(err))
		setSwcacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
}

func (s *Service) toRequest(w http.ResponseWriter, r *http.Request) (*Request, error) {
	cfg := s.config()

	target := cfg.Server.Origin + r.URL.RequestURI()
	if r.URL.IsAbs() {
		target = r.URL.String()
		if !cfg.allowsTarget(target) {
			return nil, fmt.Errorf("%s: %w", originOf(r.URL), ErrForbiddenTarget)
		}
	}

	mode := Mode(strings.ToLower(r.Header.Get("Sec-Fetch-Mode")))
	switch mode {
	case ModeSameOrigin, ModeCORS, ModeNoCORS, ModeNavigate:
	default:
		mode = ModeCORS
		if cfg.sameOrigin(target) {
			mode = ModeSameOrigin
		}
	}

	req := &Request{Method: r.Method, URL: target, Header: cloneHeader(r.Header), Mode: mode}
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			return nil, err
		}
		req.Body = b
	}
	return req, nil
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	// any body that is not a {"type": ...} object is silently ignored
	var msg Message
	b, _ := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err := json.Unmarshal(b, &msg); err == nil {
		accepted, err := s.reg.PostMessage(r.Context(), msg)
		if err != nil {
			s.log.Error("control message", zap.String("type", msg.Type), zap.Error(err))
		} else if accepted {
			s.log.Info("control message accepted", zap.String("type", msg.Type))
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

type ControllerStatus struct {
	Version     string `json:"version"`
	State       State  `json:"state"`
	SkipWaiting bool   `json:"skipWaiting"`
}

type Status struct {
	Active      *ControllerStatus `json:"active,omitempty"`
	Waiting     *ControllerStatus `json:"waiting,omitempty"`
	Generations []string          `json:"generations"`
	Stats       StatsSnapshot     `json:"stats"`
}

func controllerStatus(c *Controller) *ControllerStatus {
	if c == nil {
		return nil
	}
	return &ControllerStatus{Version: c.Version(), State: c.State(), SkipWaiting: c.SkippedWaiting()}
}

func (s *Service) Status() (Status, error) {
	gens, err := s.storage.Keys()
	if err != nil {
		return Status{}, err
	}
	return Status{
		Active:      controllerStatus(s.reg.Active()),
		Waiting:     controllerStatus(s.reg.Waiting()),
		Generations: gens,
		Stats:       s.stats.Snapshot(),
	}, nil
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func writeResponse(w http.ResponseWriter, resp *Response, source string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "x-swcache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSwcacheHeaders(w.Header(), source)
	status := resp.WireStatus
	if status == 0 {
		status = resp.Status
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func setSwcacheHeaders(h http.Header, source string) {
	if source != "" {
		h.Set("X-Swcache", source)
	}
	ensureExposedHeader(h, "X-Swcache")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	fields := []zap.Field{
		zap.Uint64("hits", ss.Hits),
		zap.Uint64("misses", ss.Misses),
		zap.Uint64("network", ss.Network),
		zap.Uint64("fallbacks", ss.Fallbacks),
		zap.String("respMin", formatBytes(ss.MinRespBytes)),
		zap.String("respAvg", formatBytes(ss.AvgRespBytes)),
		zap.String("respMax", formatBytes(ss.MaxRespBytes)),
	}
	if c := s.reg.Active(); c != nil {
		fields = append(fields, zap.String("active", c.Version()))
		if n, err := c.Entries(); err == nil {
			fields = append(fields, zap.Int("entries", n))
		}
	}
	s.log.Info("cache stats", fields...)
}
