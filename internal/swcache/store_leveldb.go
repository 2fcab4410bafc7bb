package swcache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<name>             generation meta
//	e:<name>\x00<key>    stored response
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
)

type genMeta struct {
	CreatedAt int64 // unix nanoseconds
}

type levelDBStorage struct {
	db *leveldb.DB

	// serializes generation create/delete against entry puts so a put can
	// never land in a generation that is being purged
	mu sync.RWMutex

	lastCreated int64
}

func OpenLevelDBStorage(path string) (Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &levelDBStorage{db: db}, nil
}

func entryKeyPrefix(name string) []byte {
	return []byte(entryPrefix + name + "\x00")
}

func (s *levelDBStorage) hasLocked(name string) (bool, error) {
	return s.db.Has([]byte(genPrefix+name), nil)
}

func (s *levelDBStorage) Open(name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.hasLocked(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		ts := time.Now().UnixNano()
		if ts <= s.lastCreated {
			ts = s.lastCreated + 1
		}
		s.lastCreated = ts
		b, err := encodeGob(genMeta{CreatedAt: ts})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put([]byte(genPrefix+name), b, nil); err != nil {
			return nil, err
		}
	}
	return &levelDBCache{s: s, name: name}, nil
}

func (s *levelDBStorage) Has(name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasLocked(name)
}

func (s *levelDBStorage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.hasLocked(name)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(genPrefix + name))
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *levelDBStorage) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type gen struct {
		name string
		meta genMeta
	}
	var gens []gen
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()
	for it.Next() {
		// unreadable meta still names a generation; it sorts first
		var meta genMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			meta = genMeta{}
		}
		gens = append(gens, gen{name: string(bytes.TrimPrefix(it.Key(), []byte(genPrefix))), meta: meta})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(gens, func(i, j int) bool { return gens[i].meta.CreatedAt < gens[j].meta.CreatedAt })
	out := make([]string, len(gens))
	for i, g := range gens {
		out[i] = g.name
	}
	return out, nil
}

func (s *levelDBStorage) Close() error { return s.db.Close() }

type levelDBCache struct {
	s    *levelDBStorage
	name string
}

func (c *levelDBCache) entryKey(key RequestKey) []byte {
	return append(entryKeyPrefix(c.name), string(key)...)
}

func (c *levelDBCache) Match(key RequestKey) (*Response, bool, error) {
	b, err := c.s.db.Get(c.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var resp Response
	if err := decodeGob(b, &resp); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return &resp, true, nil
}

func (c *levelDBCache) Put(key RequestKey, resp *Response) error {
	if err := checkPut(key, resp); err != nil {
		return err
	}
	b, err := encodeGob(resp)
	if err != nil {
		return err
	}

	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	ok, err := c.s.hasLocked(c.name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("put %s into %s: %w", key, c.name, ErrGenerationDeleted)
	}
	return c.s.db.Put(c.entryKey(key), b, nil)
}

func (c *levelDBCache) Delete(key RequestKey) (bool, error) {
	k := c.entryKey(key)
	ok, err := c.s.db.Has(k, nil)
	if err != nil || !ok {
		return false, err
	}
	return true, c.s.db.Delete(k, nil)
}

func (c *levelDBCache) Keys() ([]RequestKey, error) {
	prefix := entryKeyPrefix(c.name)
	it := c.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []RequestKey
	for it.Next() {
		out = append(out, RequestKey(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
