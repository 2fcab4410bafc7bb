package swcache

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Event is the set of asynchronous operations a lifecycle transition has to
// wait for before it may report completion. The first failing operation
// cancels the context handed to the others.
type Event struct {
	g   *errgroup.Group
	ctx context.Context
}

func newEvent(ctx context.Context, limit int) *Event {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	return &Event{g: g, ctx: gctx}
}

// WaitUntil adds op to the event. It blocks while the event is at its
// concurrency limit.
func (e *Event) WaitUntil(op func(ctx context.Context) error) {
	e.g.Go(func() error { return op(e.ctx) })
}

func (e *Event) settle() error { return e.g.Wait() }
