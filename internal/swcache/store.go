package swcache

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// Storage holds named cache generations.
type Storage interface {
	// Open returns the named generation, creating it when absent.
	Open(name string) (Cache, error)
	Has(name string) (bool, error)
	Delete(name string) (bool, error)
	// Keys lists generation names in creation order.
	Keys() ([]string, error)
	Close() error
}

// Cache is one generation. Every Put and Delete is atomic on its own;
// nothing orders concurrent writers, the last write wins.
type Cache interface {
	Match(key RequestKey) (*Response, bool, error)
	Put(key RequestKey, resp *Response) error
	Delete(key RequestKey) (bool, error)
	Keys() ([]RequestKey, error)
}

func OpenStorage(cfg Config) (Storage, error) {
	switch cfg.Storage.Backend {
	case BackendMemory, "":
		return NewMemoryStorage(), nil
	case BackendLevelDB:
		return OpenLevelDBStorage(cfg.Storage.Path)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func checkPut(key RequestKey, resp *Response) error {
	if key.Method() != http.MethodGet {
		return fmt.Errorf("put %s: %w", key, ErrMethodNotCacheable)
	}
	if resp == nil {
		return fmt.Errorf("put %s: nil response", key)
	}
	return nil
}

// ---- memory storage ----

type memoryStorage struct {
	mu    sync.Mutex
	seq   uint64
	gens  map[string]*memoryCache
	order map[string]uint64
}

func NewMemoryStorage() Storage {
	return &memoryStorage{gens: map[string]*memoryCache{}, order: map[string]uint64{}}
}

func (s *memoryStorage) Open(name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.gens[name]; ok {
		return c, nil
	}
	c := &memoryCache{name: name, entries: map[RequestKey]*Response{}}
	s.seq++
	s.gens[name] = c
	s.order[name] = s.seq
	return c, nil
}

func (s *memoryStorage) Has(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.gens[name]
	return ok, nil
}

func (s *memoryStorage) Delete(name string) (bool, error) {
	s.mu.Lock()
	c, ok := s.gens[name]
	delete(s.gens, name)
	delete(s.order, name)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	c.drop()
	return true, nil
}

func (s *memoryStorage) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.gens))
	for name := range s.gens {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i]] < s.order[out[j]] })
	return out, nil
}

func (s *memoryStorage) Close() error { return nil }

type memoryCache struct {
	name string

	mu      sync.RWMutex
	entries map[RequestKey]*Response
	deleted bool
}

func (c *memoryCache) drop() {
	c.mu.Lock()
	c.entries = nil
	c.deleted = true
	c.mu.Unlock()
}

func (c *memoryCache) Match(key RequestKey) (*Response, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	resp, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return resp.Clone(), true, nil
}

func (c *memoryCache) Put(key RequestKey, resp *Response) error {
	if err := checkPut(key, resp); err != nil {
		return err
	}
	stored := resp.Clone()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return fmt.Errorf("put %s into %s: %w", key, c.name, ErrGenerationDeleted)
	}
	c.entries[key] = stored
	return nil
}

func (c *memoryCache) Delete(key RequestKey) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func (c *memoryCache) Keys() ([]RequestKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RequestKey, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
