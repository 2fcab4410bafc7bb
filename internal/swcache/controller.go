package swcache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

type State string

const (
	StateUninstalled State = "uninstalled"
	StateInstalling  State = "installing"
	StateInstalled   State = "installed"
	StateActivating  State = "activating"
	StateActive      State = "active"
	StateSuperseded  State = "superseded"
	StateRedundant   State = "redundant"
)

// Message is a control-channel message posted by a page.
type Message struct {
	Type string `json:"type"`
}

// Controller is one deployed version of the cache controller. It owns the
// generation named by cfg.Cache.Name.
type Controller struct {
	cfg     Config
	storage Storage
	fetcher Fetcher
	log     *zap.Logger

	writeLog *rateLimitedLogger
	stats    *statsCollector

	mu          sync.Mutex
	state       State
	skipWaiting bool
	cache       Cache
}

func NewController(cfg Config, storage Storage, fetcher Fetcher, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("version", cfg.Cache.Name))
	return &Controller{
		cfg:      cfg,
		storage:  storage,
		fetcher:  fetcher,
		log:      log,
		writeLog: newRateLimitedLogger(log, time.Minute),
		state:    StateUninstalled,
	}
}

func (c *Controller) Version() string { return c.cfg.Cache.Name }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) transition(to State, from ...State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range from {
		if c.state == f {
			c.state = to
			return nil
		}
	}
	return fmt.Errorf("%s: %s -> %s: %w", c.Version(), c.state, to, ErrInvalidTransition)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// SkipWaiting asks the registration to activate this controller as soon as
// it is installed.
func (c *Controller) SkipWaiting() {
	c.mu.Lock()
	c.skipWaiting = true
	c.mu.Unlock()
}

func (c *Controller) SkippedWaiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipWaiting
}

// HandleMessage reports whether msg was the activate directive.
// Anything else is ignored.
func (c *Controller) HandleMessage(msg Message) bool {
	if msg.Type == "" || msg.Type != c.cfg.Control.ActivateToken {
		return false
	}
	c.SkipWaiting()
	return true
}

// Install populates the generation. Static assets must all be fetched or
// install fails and the generation, if it was created here, is removed
// again. Media prefetch is best effort.
func (c *Controller) Install(ctx context.Context) error {
	if err := c.transition(StateInstalling, StateUninstalled); err != nil {
		return err
	}
	name := c.Version()

	existed, err := c.storage.Has(name)
	if err != nil {
		c.setState(StateRedundant)
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, name, err)
	}
	cache, err := c.storage.Open(name)
	if err != nil {
		c.setState(StateRedundant)
		return fmt.Errorf("%w: open %s: %v", ErrInstallFailed, name, err)
	}
	c.log.Info("opened cache", zap.Bool("existed", existed))

	if err := c.addAll(ctx, cache); err != nil {
		if !existed {
			if _, derr := c.storage.Delete(name); derr != nil {
				c.log.Warn("discard failed generation", zap.Error(derr))
			}
		}
		c.setState(StateRedundant)
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, name, err)
	}

	c.prefetchMedia(ctx, cache)

	if c.cfg.SkipWaitingOnInstall() {
		c.SkipWaiting()
	}

	c.mu.Lock()
	c.cache = cache
	c.state = StateInstalled
	c.mu.Unlock()
	c.log.Info("installed", zap.Int("static", len(c.cfg.Precache.Static)), zap.Int("media", len(c.cfg.Precache.Media)))
	return nil
}

// addAll fetches every static asset before writing any of them. The shell
// is not subject to storage.maxEntry: install must store all of it or fail.
func (c *Controller) addAll(ctx context.Context, cache Cache) error {
	static := c.cfg.Precache.Static
	resps := make([]*Response, len(static))

	ev := newEvent(ctx, 0)
	for i, p := range static {
		ev.WaitUntil(func(ctx context.Context) error {
			req := &Request{Method: http.MethodGet, URL: c.cfg.resolve(p), Header: http.Header{}, Mode: ModeSameOrigin}
			resp, err := c.fetcher.Fetch(ctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", p, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", p, resp.Status)
			}
			resps[i] = resp
			return nil
		})
	}
	if err := ev.settle(); err != nil {
		return err
	}

	for i, p := range static {
		if err := cache.Put(KeyFor(http.MethodGet, c.cfg.resolve(p)), resps[i].Snapshot()); err != nil {
			return fmt.Errorf("store %s: %w", p, err)
		}
	}
	return nil
}

// prefetchMedia fetches media in no-cors mode. Opaque responses are
// accepted here, unlike the fetch-time media backfill.
func (c *Controller) prefetchMedia(ctx context.Context, cache Cache) {
	ev := newEvent(ctx, c.cfg.Precache.MediaConcurrency)
	for _, u := range c.cfg.Precache.Media {
		ev.WaitUntil(func(ctx context.Context) error {
			req := &Request{Method: http.MethodGet, URL: u, Header: http.Header{}, Mode: ModeNoCORS}
			resp, err := c.fetcher.Fetch(ctx, req)
			if err != nil {
				c.log.Warn("failed to cache video", zap.String("url", u), zap.Error(err))
				return nil
			}
			if !c.fits(req.Key(), resp) {
				return nil
			}
			if err := cache.Put(req.Key(), resp.Snapshot()); err != nil {
				c.log.Warn("failed to cache video", zap.String("url", u), zap.Error(err))
			}
			return nil
		})
	}
	_ = ev.settle()
}

// Activate deletes every generation except the current one.
func (c *Controller) Activate(ctx context.Context) error {
	if err := c.transition(StateActivating, StateInstalled); err != nil {
		return err
	}
	names, err := c.storage.Keys()
	if err != nil {
		c.setState(StateRedundant)
		return fmt.Errorf("activate %s: list generations: %w", c.Version(), err)
	}

	ev := newEvent(ctx, 0)
	for _, n := range names {
		if n == c.Version() {
			continue
		}
		ev.WaitUntil(func(ctx context.Context) error {
			if _, err := c.storage.Delete(n); err != nil {
				return fmt.Errorf("delete %s: %w", n, err)
			}
			c.log.Info("deleted old cache", zap.String("cache", n))
			return nil
		})
	}
	if err := ev.settle(); err != nil {
		c.setState(StateRedundant)
		return fmt.Errorf("activate %s: %w", c.Version(), err)
	}

	c.setState(StateActive)
	c.log.Info("activated")
	return nil
}

// Entries counts the entries of the generation this controller installed.
func (c *Controller) Entries() (int, error) {
	c.mu.Lock()
	cache := c.cache
	c.mu.Unlock()
	if cache == nil {
		return 0, nil
	}
	keys, err := cache.Keys()
	return len(keys), err
}

func (c *Controller) supersede() {
	c.mu.Lock()
	c.state = StateSuperseded
	c.cache = nil
	c.mu.Unlock()
	c.log.Info("superseded")
}

func (c *Controller) discard() {
	c.mu.Lock()
	if c.state != StateActive {
		c.state = StateRedundant
	}
	c.mu.Unlock()
}
