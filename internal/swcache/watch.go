package swcache

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ConfigWatcher reloads the config file when it changes on disk and hands
// it to the service, which deploys a new controller when the cache name
// was bumped.
type ConfigWatcher struct {
	path     string
	svc      reloader
	log      *zap.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type reloader interface {
	Reload(ctx context.Context, cfg Config) error
}

func NewConfigWatcher(path string, svc reloader, log *zap.Logger) (*ConfigWatcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ConfigWatcher{
		path:     abs,
		svc:      svc,
		log:      log,
		debounce: 500 * time.Millisecond,
		watcher:  w,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start watches the directory holding the config file; editors and
// config-map mounts replace the file rather than writing it in place.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.running {
		return nil
	}
	if err := cw.watcher.Add(filepath.Dir(cw.path)); err != nil {
		return err
	}
	cw.running = true
	cw.log.Info("watching config", zap.String("path", cw.path))
	go cw.run(ctx)
	return nil
}

func (cw *ConfigWatcher) Stop() {
	cw.mu.Lock()
	running := cw.running
	cw.running = false
	cw.mu.Unlock()

	if running {
		close(cw.stopCh)
		<-cw.doneCh
	}
	if err := cw.watcher.Close(); err != nil {
		cw.log.Warn("close config watcher", zap.Error(err))
	}
}

func (cw *ConfigWatcher) run(ctx context.Context) {
	defer close(cw.doneCh)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopCh:
			return
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !cw.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(cw.debounce)
			} else {
				timer.Reset(cw.debounce)
			}
			pending = timer.C
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warn("config watcher", zap.Error(err))
		case <-pending:
			pending = nil
			cw.reload(ctx)
		}
	}
}

func (cw *ConfigWatcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != cw.path {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (cw *ConfigWatcher) reload(ctx context.Context) {
	cfg, err := LoadConfig(cw.path)
	if err != nil {
		cw.log.Warn("reload config", zap.Error(err))
		return
	}
	if err := cw.svc.Reload(ctx, cfg); err != nil {
		cw.log.Error("deploy failed", zap.String("cache", cfg.Cache.Name), zap.Error(err))
	}
}
