package swcache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReloader struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingReloader) Reload(_ context.Context, cfg Config) error {
	r.mu.Lock()
	r.names = append(r.names, cfg.Cache.Name)
	r.mu.Unlock()
	return nil
}

func (r *recordingReloader) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func TestConfigWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseConfig), 0o644))

	rec := &recordingReloader{}
	w, err := NewConfigWatcher(path, rec, nil)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o644))

	bumped := strings.Replace(baseConfig, "kushie-v1", "kushie-v2", 1)
	require.NoError(t, os.WriteFile(path, []byte(bumped), 0o644))

	require.Eventually(t, func() bool {
		seen := rec.seen()
		return len(seen) > 0 && seen[len(seen)-1] == "kushie-v2"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConfigWatcherSkipsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseConfig), 0o644))

	rec := &recordingReloader{}
	w, err := NewConfigWatcher(path, rec, nil)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o644))
	time.Sleep(200 * time.Millisecond)
	w.Stop()

	assert.Empty(t, rec.seen())
}

func TestConfigWatcherStopWithoutStart(t *testing.T) {
	w, err := NewConfigWatcher(filepath.Join(t.TempDir(), "swcache.yaml"), &recordingReloader{}, nil)
	require.NoError(t, err)
	w.Stop()
}
