package swcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Registration is the hosting runtime: it decides which controller is
// waiting and which one answers requests. Installs and activations are
// serialized; request routing only reads the active pointer.
type Registration struct {
	log *zap.Logger

	lifecycleMu sync.Mutex
	waiting     atomic.Pointer[Controller]
	active      atomic.Pointer[Controller]
}

func NewRegistration(log *zap.Logger) *Registration {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registration{log: log}
}

func (r *Registration) Active() *Controller  { return r.active.Load() }
func (r *Registration) Waiting() *Controller { return r.waiting.Load() }

// Register installs c. When install fails the current active controller
// stays in charge. An installed controller waits unless it asked to skip
// waiting, in which case it is activated at once.
func (r *Registration) Register(ctx context.Context, c *Controller) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if err := c.Install(ctx); err != nil {
		r.log.Error("install failed, keeping current controller",
			zap.String("version", c.Version()),
			zap.String("active", r.activeVersion()),
			zap.Error(err),
		)
		return err
	}

	if prev := r.waiting.Swap(c); prev != nil && prev != c {
		prev.discard()
	}
	if !c.SkippedWaiting() {
		r.log.Info("controller waiting", zap.String("version", c.Version()))
		return nil
	}
	return r.activateLocked(ctx, c)
}

func (r *Registration) activateLocked(ctx context.Context, c *Controller) error {
	r.waiting.CompareAndSwap(c, nil)
	if err := c.Activate(ctx); err != nil {
		r.log.Error("activate failed", zap.String("version", c.Version()), zap.Error(err))
		return err
	}

	// claim: every request from now on goes to c
	prev := r.active.Swap(c)
	if prev != nil && prev != c {
		prev.supersede()
	}
	r.log.Info("controller active", zap.String("version", c.Version()))
	return nil
}

// PostMessage delivers msg to the waiting controller, or to the active one
// when nothing waits. It reports whether the directive was recognized.
func (r *Registration) PostMessage(ctx context.Context, msg Message) (bool, error) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	target := r.waiting.Load()
	if target == nil {
		target = r.active.Load()
	}
	if target == nil || !target.HandleMessage(msg) {
		return false, nil
	}
	if target == r.waiting.Load() {
		return true, r.activateLocked(ctx, target)
	}
	return true, nil
}

// Fetch routes req to the active controller.
func (r *Registration) Fetch(ctx context.Context, req *Request) (FetchResult, error) {
	c := r.active.Load()
	if c == nil {
		return FetchResult{}, fmt.Errorf("no controller: %w", ErrNotActive)
	}
	return r.fetchVia(ctx, c, req)
}

// fetchVia answers req with c, retrying once on the current active
// controller when c was superseded after it was loaded.
func (r *Registration) fetchVia(ctx context.Context, c *Controller, req *Request) (FetchResult, error) {
	res, err := c.HandleFetch(ctx, req)
	if errors.Is(err, ErrNotActive) {
		if cur := r.active.Load(); cur != nil && cur != c {
			return cur.HandleFetch(ctx, req)
		}
	}
	return res, err
}

func (r *Registration) activeVersion() string {
	if c := r.active.Load(); c != nil {
		return c.Version()
	}
	return ""
}
