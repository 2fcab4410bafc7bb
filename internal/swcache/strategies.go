package swcache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Source tells where a fetch answer came from.
type Source string

const (
	SourceHit      Source = "hit"      // cache
	SourceMiss     Source = "miss"     // network, written to cache
	SourceNetwork  Source = "network"  // network, not written
	SourceFallback Source = "fallback" // cache, after a rejected network fetch
)

type FetchResult struct {
	Response *Response
	Source   Source
	Strategy Strategy
}

// HandleFetch answers req with the strategy of the first matching route.
// Only an active controller answers.
func (c *Controller) HandleFetch(ctx context.Context, req *Request) (FetchResult, error) {
	c.mu.Lock()
	state, cache := c.state, c.cache
	c.mu.Unlock()
	if state != StateActive || cache == nil {
		return FetchResult{}, fmt.Errorf("%s (%s): %w", c.Version(), state, ErrNotActive)
	}

	strategy := c.cfg.Classify(req.URL)
	var (
		res FetchResult
		err error
	)
	switch strategy {
	case StrategyMedia:
		res, err = c.mediaCacheFirst(ctx, cache, req)
	case StrategyNetworkFirst:
		res, err = c.networkFirst(ctx, cache, req)
	default:
		res, err = c.cacheFirst(ctx, cache, req)
	}
	res.Strategy = strategy
	if err == nil && c.stats != nil {
		c.stats.Observe(res.Source, len(res.Response.Body))
	}
	return res, err
}

func (c *Controller) mediaCacheFirst(ctx context.Context, cache Cache, req *Request) (FetchResult, error) {
	key := req.Key()
	if resp, ok := c.match(cache, key); ok {
		return FetchResult{Response: resp, Source: SourceHit}, nil
	}

	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return FetchResult{}, err
	}
	// opaque and cross-origin bodies are never stored on this path
	if resp.Status != 200 || resp.Type != ResponseBasic {
		return FetchResult{Response: resp, Source: SourceNetwork}, nil
	}
	if !c.writeBack(cache, key, resp) {
		return FetchResult{Response: resp, Source: SourceNetwork}, nil
	}
	return FetchResult{Response: resp, Source: SourceMiss}, nil
}

func (c *Controller) networkFirst(ctx context.Context, cache Cache, req *Request) (FetchResult, error) {
	key := req.Key()
	resp, err := c.fetcher.Fetch(ctx, req)
	if err == nil {
		if !c.writeBack(cache, key, resp) {
			return FetchResult{Response: resp, Source: SourceNetwork}, nil
		}
		return FetchResult{Response: resp, Source: SourceMiss}, nil
	}

	if cached, ok := c.match(cache, key); ok {
		c.log.Debug("network failed, serving from cache", zap.String("url", req.URL), zap.Error(err))
		return FetchResult{Response: cached, Source: SourceFallback}, nil
	}
	return FetchResult{}, err
}

func (c *Controller) cacheFirst(ctx context.Context, cache Cache, req *Request) (FetchResult, error) {
	if resp, ok := c.match(cache, req.Key()); ok {
		return FetchResult{Response: resp, Source: SourceHit}, nil
	}
	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return FetchResult{}, err
	}
	return FetchResult{Response: resp, Source: SourceNetwork}, nil
}

// match treats a store error as a miss.
func (c *Controller) match(cache Cache, key RequestKey) (*Response, bool) {
	resp, ok, err := cache.Match(key)
	if err != nil {
		c.writeLog.Warn("cache lookup failed", zap.String("key", string(key)), zap.Error(err))
		return nil, false
	}
	return resp, ok
}

// writeBack stores a copy of resp. Failures are logged and never reach the
// caller; the network response is served either way.
func (c *Controller) writeBack(cache Cache, key RequestKey, resp *Response) bool {
	if !c.fits(key, resp) {
		return false
	}
	err := cache.Put(key, resp.Snapshot())
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrMethodNotCacheable):
		c.log.Debug("skip cache write", zap.String("key", string(key)))
	default:
		c.writeLog.Warn("cache write failed", zap.String("key", string(key)), zap.Error(err))
	}
	return false
}

// fits enforces storage.maxEntry.
func (c *Controller) fits(key RequestKey, resp *Response) bool {
	max := c.cfg.maxEntryBytes
	if max <= 0 || int64(len(resp.Body)) <= max {
		return true
	}
	c.writeLog.Warn("response too large to cache",
		zap.String("key", string(key)),
		zap.String("size", formatBytes(uint64(len(resp.Body)))),
	)
	return false
}
