package swcache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallStoresStaticAssets(t *testing.T) {
	st := NewMemoryStorage()
	cfg := testConfig(t, "kushie-v1")
	c := NewController(cfg, st, originFetcher(), nil)

	require.NoError(t, c.Install(context.Background()))
	assert.Equal(t, StateInstalled, c.State())
	assert.True(t, c.SkippedWaiting())

	for _, p := range cfg.Precache.Static {
		resp, ok := mustMatch(t, st, "kushie-v1", KeyFor(http.MethodGet, testOrigin+p))
		require.True(t, ok, p)
		assert.Equal(t, http.StatusOK, resp.Status, p)
	}
	_, ok := mustMatch(t, st, "kushie-v1", KeyFor(http.MethodGet, "https://x/a.mp4"))
	assert.True(t, ok)
}

func TestInstallFailsWhenStaticAssetFails(t *testing.T) {
	st := NewMemoryStorage()
	f := originFetcher()
	reg := NewRegistration(nil)
	ctx := context.Background()

	prev := NewController(testConfig(t, "kushie-v0"), st, f, nil)
	require.NoError(t, reg.Register(ctx, prev))

	f.fail(testOrigin+"/app.css", errOffline)
	next := NewController(testConfig(t, "kushie-v1"), st, f, nil)
	err := reg.Register(ctx, next)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInstallFailed))
	assert.Equal(t, StateRedundant, next.State())

	has, err := st.Has("kushie-v1")
	require.NoError(t, err)
	assert.False(t, has, "failed generation must not stay behind")

	assert.Same(t, prev, reg.Active())
	assert.Equal(t, StateActive, prev.State())
	_, ok := mustMatch(t, st, "kushie-v0", KeyFor(http.MethodGet, testOrigin+"/app.css"))
	assert.True(t, ok, "previous generation is untouched")
}

func TestInstallFailsOnBadStaticStatus(t *testing.T) {
	st := NewMemoryStorage()
	f := originFetcher()
	f.handle(testOrigin+"/", func(req *Request) (*Response, error) {
		resp := basicResponse(req.URL, "missing")
		resp.Status, resp.WireStatus = http.StatusNotFound, http.StatusNotFound
		return resp, nil
	})

	err := NewController(testConfig(t, "kushie-v1"), st, f, nil).Install(context.Background())
	require.ErrorIs(t, err, ErrInstallFailed)

	names, err := st.Keys()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestInstallKeepsExistingGenerationOnFailure(t *testing.T) {
	st := NewMemoryStorage()
	cache, err := st.Open("kushie-v1")
	require.NoError(t, err)
	require.NoError(t, cache.Put(KeyFor(http.MethodGet, testOrigin+"/old"), basicResponse(testOrigin+"/old", "old")))

	f := originFetcher()
	f.fail(testOrigin+"/app.css", errOffline)
	require.Error(t, NewController(testConfig(t, "kushie-v1"), st, f, nil).Install(context.Background()))

	_, ok := mustMatch(t, st, "kushie-v1", KeyFor(http.MethodGet, testOrigin+"/old"))
	assert.True(t, ok)
}

func TestInstallToleratesMediaFailures(t *testing.T) {
	st := NewMemoryStorage()
	f := originFetcher()
	f.fail("https://x/a.mp4", errOffline)
	cfg := testConfig(t, "kushie-v1", func(c *Config) {
		c.Precache.Media = append(c.Precache.Media, "https://x/b.mp4")
	})
	f.serve("https://x/b.mp4", "b")

	require.NoError(t, NewController(cfg, st, f, nil).Install(context.Background()))

	_, ok := mustMatch(t, st, "kushie-v1", KeyFor(http.MethodGet, "https://x/a.mp4"))
	assert.False(t, ok)
	_, ok = mustMatch(t, st, "kushie-v1", KeyFor(http.MethodGet, "https://x/b.mp4"))
	assert.True(t, ok)
}

func TestInstallStoresOpaqueMedia(t *testing.T) {
	st := NewMemoryStorage()
	f := originFetcher()
	f.handle("https://x/a.mp4", func(req *Request) (*Response, error) {
		assert.Equal(t, ModeNoCORS, req.Mode)
		return &Response{Type: ResponseOpaque, Status: 0, WireStatus: http.StatusOK, Body: []byte("video")}, nil
	})

	require.NoError(t, NewController(testConfig(t, "kushie-v1"), st, f, nil).Install(context.Background()))

	resp, ok := mustMatch(t, st, "kushie-v1", KeyFor(http.MethodGet, "https://x/a.mp4"))
	require.True(t, ok)
	assert.Equal(t, ResponseOpaque, resp.Type)
	assert.Equal(t, 0, resp.Status)
}

func TestInstallTwiceIsRejected(t *testing.T) {
	c := NewController(testConfig(t, "kushie-v1"), NewMemoryStorage(), originFetcher(), nil)
	require.NoError(t, c.Install(context.Background()))
	assert.ErrorIs(t, c.Install(context.Background()), ErrInvalidTransition)
}

func TestActivateRequiresInstall(t *testing.T) {
	c := NewController(testConfig(t, "kushie-v1"), NewMemoryStorage(), originFetcher(), nil)
	assert.ErrorIs(t, c.Activate(context.Background()), ErrInvalidTransition)
	assert.Equal(t, StateUninstalled, c.State())
}

func TestActivateDeletesOtherGenerations(t *testing.T) {
	st := NewMemoryStorage()
	for _, name := range []string{"kushie-v0", "legacy"} {
		_, err := st.Open(name)
		require.NoError(t, err)
	}

	activeController(t, testConfig(t, "kushie-v1"), st, originFetcher())

	names, err := st.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"kushie-v1"}, names)
}

func TestFetchRequiresActive(t *testing.T) {
	c := NewController(testConfig(t, "kushie-v1"), NewMemoryStorage(), originFetcher(), nil)
	_, err := c.HandleFetch(context.Background(), get(testOrigin+"/"))
	assert.ErrorIs(t, err, ErrNotActive)

	require.NoError(t, c.Install(context.Background()))
	_, err = c.HandleFetch(context.Background(), get(testOrigin+"/"))
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestMediaCacheFirst(t *testing.T) {
	ctx := context.Background()
	video := testOrigin + "/media/clip.mp4"

	t.Run("hit", func(t *testing.T) {
		f := originFetcher()
		c := activeController(t, testConfig(t, "kushie-v1"), NewMemoryStorage(), f)

		res, err := c.HandleFetch(ctx, get("https://x/a.mp4"))
		require.NoError(t, err)
		assert.Equal(t, SourceHit, res.Source)
		assert.Equal(t, StrategyMedia, res.Strategy)
		assert.Equal(t, 1, f.count("https://x/a.mp4"), "only the install prefetch")
	})

	t.Run("miss then hit", func(t *testing.T) {
		st := NewMemoryStorage()
		f := originFetcher()
		f.serve(video, "clip")
		c := activeController(t, testConfig(t, "kushie-v1"), st, f)

		res, err := c.HandleFetch(ctx, get(video))
		require.NoError(t, err)
		assert.Equal(t, SourceMiss, res.Source)
		assert.Equal(t, "clip", string(res.Response.Body))
		assert.Equal(t, 1, f.count(video))
		_, ok := mustMatch(t, st, "kushie-v1", KeyFor(http.MethodGet, video))
		assert.True(t, ok)

		res, err = c.HandleFetch(ctx, get(video))
		require.NoError(t, err)
		assert.Equal(t, SourceHit, res.Source)
		assert.Equal(t, 1, f.count(video), "second request is served from cache")
	})

	for name, resp := range map[string]*Response{
		"opaque":    {Type: ResponseOpaque, Status: 0, WireStatus: 200, Body: []byte("x")},
		"cors":      {Type: ResponseCORS, Status: 200, WireStatus: 200, Body: []byte("x")},
		"partial":   {Type: ResponseBasic, Status: 206, WireStatus: 206, Body: []byte("x")},
		"not found": {Type: ResponseBasic, Status: 404, WireStatus: 404, Body: []byte("x")},
	} {
		t.Run("does not store "+name, func(t *testing.T) {
			st := NewMemoryStorage()
			f := originFetcher()
			f.handle(video, func(*Request) (*Response, error) { return resp.Clone(), nil })
			c := activeController(t, testConfig(t, "kushie-v1"), st, f)

			res, err := c.HandleFetch(ctx, get(video))
			require.NoError(t, err)
			assert.Equal(t, SourceNetwork, res.Source)
			assert.Equal(t, resp.Status, res.Response.Status)
			_, ok := mustMatch(t, st, "kushie-v1", KeyFor(http.MethodGet, video))
			assert.False(t, ok)
		})
	}

	t.Run("rejected fetch propagates", func(t *testing.T) {
		c := activeController(t, testConfig(t, "kushie-v1"), NewMemoryStorage(), originFetcher())
		_, err := c.HandleFetch(ctx, get(video))
		assert.ErrorIs(t, err, errOffline)
	})
}

func TestNetworkFirst(t *testing.T) {
	ctx := context.Background()
	api := testOrigin + "/api/products"

	t.Run("writes network response to cache", func(t *testing.T) {
		st := NewMemoryStorage()
		f := originFetcher()
		f.serve(api, `[1,2]`)
		c := activeController(t, testConfig(t, "kushie-v1"), st, f)

		for i := 1; i <= 2; i++ {
			res, err := c.HandleFetch(ctx, get(api))
			require.NoError(t, err)
			assert.Equal(t, SourceMiss, res.Source)
			assert.Equal(t, StrategyNetworkFirst, res.Strategy)
			assert.Equal(t, i, f.count(api), "network is tried on every call")
		}
		_, ok := mustMatch(t, st, "kushie-v1", KeyFor(http.MethodGet, api))
		assert.True(t, ok)
	})

	t.Run("caches error statuses too", func(t *testing.T) {
		st := NewMemoryStorage()
		f := originFetcher()
		f.handle(api, func(req *Request) (*Response, error) {
			resp := basicResponse(req.URL, "boom")
			resp.Status, resp.WireStatus = 500, 500
			return resp, nil
		})
		c := activeController(t, testConfig(t, "kushie-v1"), st, f)

		res, err := c.HandleFetch(ctx, get(api))
		require.NoError(t, err)
		assert.Equal(t, 500, res.Response.Status)
		_, ok := mustMatch(t, st, "kushie-v1", KeyFor(http.MethodGet, api))
		assert.True(t, ok)
	})

	t.Run("falls back to cache when offline", func(t *testing.T) {
		f := originFetcher()
		f.serve(api, `[1,2]`)
		c := activeController(t, testConfig(t, "kushie-v1"), NewMemoryStorage(), f)
		_, err := c.HandleFetch(ctx, get(api))
		require.NoError(t, err)

		f.fail(api, errOffline)
		res, err := c.HandleFetch(ctx, get(api))
		require.NoError(t, err)
		assert.Equal(t, SourceFallback, res.Source)
		assert.Equal(t, `[1,2]`, string(res.Response.Body))
		assert.Equal(t, 2, f.count(api))
	})

	t.Run("propagates the network error on empty cache", func(t *testing.T) {
		f := originFetcher()
		f.fail(api, errOffline)
		c := activeController(t, testConfig(t, "kushie-v1"), NewMemoryStorage(), f)

		_, err := c.HandleFetch(ctx, get(api))
		assert.ErrorIs(t, err, errOffline)
	})

	t.Run("backend host fragment", func(t *testing.T) {
		st := NewMemoryStorage()
		f := originFetcher()
		u := "https://kushie.firebaseio.com/catalog.json"
		f.serve(u, "{}")
		c := activeController(t, testConfig(t, "kushie-v1"), st, f)

		res, err := c.HandleFetch(ctx, get(u))
		require.NoError(t, err)
		assert.Equal(t, StrategyNetworkFirst, res.Strategy)
	})

	t.Run("non-GET is answered but not cached", func(t *testing.T) {
		st := NewMemoryStorage()
		f := originFetcher()
		f.serve(api, "created")
		c := activeController(t, testConfig(t, "kushie-v1"), st, f)

		req := get(api)
		req.Method = http.MethodPost
		res, err := c.HandleFetch(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, SourceNetwork, res.Source)
		assert.Equal(t, "created", string(res.Response.Body))

		cache, err := st.Open("kushie-v1")
		require.NoError(t, err)
		keys, err := cache.Keys()
		require.NoError(t, err)
		for _, k := range keys {
			assert.False(t, strings.HasPrefix(string(k), "POST "), k)
		}
	})
}

func TestCacheFirst(t *testing.T) {
	ctx := context.Background()

	t.Run("hit makes no network call", func(t *testing.T) {
		f := originFetcher()
		c := activeController(t, testConfig(t, "kushie-v1"), NewMemoryStorage(), f)
		f.reset()

		res, err := c.HandleFetch(ctx, get(testOrigin+"/app.css"))
		require.NoError(t, err)
		assert.Equal(t, SourceHit, res.Source)
		assert.Equal(t, StrategyCacheFirst, res.Strategy)
		assert.Equal(t, "body{}", string(res.Response.Body))
		assert.Equal(t, 0, f.count(testOrigin+"/app.css"))
	})

	t.Run("miss is fetched but not stored", func(t *testing.T) {
		st := NewMemoryStorage()
		f := originFetcher()
		page := testOrigin + "/shop"
		f.serve(page, "shop")
		c := activeController(t, testConfig(t, "kushie-v1"), st, f)

		for i := 1; i <= 2; i++ {
			res, err := c.HandleFetch(ctx, get(page))
			require.NoError(t, err)
			assert.Equal(t, SourceNetwork, res.Source)
			assert.Equal(t, i, f.count(page))
		}
		_, ok := mustMatch(t, st, "kushie-v1", KeyFor(http.MethodGet, page))
		assert.False(t, ok)
	})

	t.Run("rejected fetch propagates", func(t *testing.T) {
		c := activeController(t, testConfig(t, "kushie-v1"), NewMemoryStorage(), originFetcher())
		_, err := c.HandleFetch(ctx, get(testOrigin+"/nowhere"))
		assert.ErrorIs(t, err, errOffline)
	})
}

func TestWriteBackRespectsMaxEntry(t *testing.T) {
	st := NewMemoryStorage()
	f := originFetcher()
	api := testOrigin + "/api/big"
	f.serve(api, strings.Repeat("x", 2048))
	cfg := testConfig(t, "kushie-v1", func(c *Config) { c.maxEntryBytes = 1024 })
	c := activeController(t, cfg, st, f)

	res, err := c.HandleFetch(context.Background(), get(api))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Len(t, res.Response.Body, 2048)
	_, ok := mustMatch(t, st, "kushie-v1", KeyFor(http.MethodGet, api))
	assert.False(t, ok)
}

func TestInstallMediaRespectsMaxEntry(t *testing.T) {
	st := NewMemoryStorage()
	f := originFetcher()
	f.serve("https://x/a.mp4", strings.Repeat("v", 2048))
	cfg := testConfig(t, "kushie-v1", func(c *Config) { c.maxEntryBytes = 1024 })

	activeController(t, cfg, st, f)
	_, ok := mustMatch(t, st, "kushie-v1", KeyFor(http.MethodGet, "https://x/a.mp4"))
	assert.False(t, ok)
	_, ok = mustMatch(t, st, "kushie-v1", KeyFor(http.MethodGet, testOrigin+"/"))
	assert.True(t, ok, "static assets are always stored")
}

func TestStoredResponsesDropCookies(t *testing.T) {
	st := NewMemoryStorage()
	f := originFetcher()
	withCookie := func(url, body string) func(*Request) (*Response, error) {
		return func(*Request) (*Response, error) {
			resp := basicResponse(url, body)
			resp.Header.Set("Set-Cookie", "session=alice-token")
			return resp, nil
		}
	}
	f.handle(testOrigin+"/", withCookie(testOrigin+"/", "<html>shell</html>"))
	api := testOrigin + "/api/me"
	f.handle(api, withCookie(api, `{"user":"alice"}`))
	c := activeController(t, testConfig(t, "kushie-v1"), st, f)
	ctx := context.Background()

	res, err := c.HandleFetch(ctx, get(api))
	require.NoError(t, err)
	assert.Equal(t, "session=alice-token", res.Response.Header.Get("Set-Cookie"), "the live response keeps its cookie")

	f.fail(api, errOffline)
	res, err = c.HandleFetch(ctx, get(api))
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.Source)
	assert.Empty(t, res.Response.Header.Values("Set-Cookie"))
	assert.Equal(t, "text/plain", res.Response.Header.Get("Content-Type"))

	res, err = c.HandleFetch(ctx, get(testOrigin+"/"))
	require.NoError(t, err)
	assert.Equal(t, SourceHit, res.Source)
	assert.Empty(t, res.Response.Header.Values("Set-Cookie"))
}

func TestWriteBackIntoDeletedGeneration(t *testing.T) {
	st := NewMemoryStorage()
	f := originFetcher()
	api := testOrigin + "/api/products"
	f.serve(api, "[]")
	c := activeController(t, testConfig(t, "kushie-v1"), st, f)

	_, err := st.Delete("kushie-v1")
	require.NoError(t, err)

	res, err := c.HandleFetch(context.Background(), get(api))
	require.NoError(t, err, "a failed write never fails the response")
	assert.Equal(t, SourceNetwork, res.Source)

	has, err := st.Has("kushie-v1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestControllerStatsObserveSources(t *testing.T) {
	f := originFetcher()
	c := activeController(t, testConfig(t, "kushie-v1"), NewMemoryStorage(), f)
	c.stats = newStatsCollector()

	_, err := c.HandleFetch(context.Background(), get(testOrigin+"/app.css"))
	require.NoError(t, err)

	ss := c.stats.Snapshot()
	assert.Equal(t, uint64(1), ss.Hits)
	assert.Equal(t, uint64(1), ss.TotalResponses)
	assert.Equal(t, uint64(len("body{}")), ss.MaxRespBytes)
}
