package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"brain/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the config file for changes and reapplies the logging
// section without a restart. Other sections require a restart; reloading
// store paths or worker counts live would tear running components out from
// under their owners.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	path        string
	dataDir     string
	lastApplied time.Time
	debounceDur time.Duration
	running     bool
	doneCh      chan struct{}
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path, dataDir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		path:        path,
		dataDir:     dataDir,
		debounceDur: 500 * time.Millisecond, // debounce rapid saves
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the watcher runs until ctx is
// cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: editors replace files on save.
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		logging.Get(logging.CategoryBoot).Warn("config watcher: initial watch failed: %v", err)
	} else {
		logging.BootDebug("config watcher: watching %s", dir)
	}

	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.mu.Lock()
			if time.Since(w.lastApplied) < w.debounceDur {
				w.mu.Unlock()
				continue
			}
			w.lastApplied = time.Now()
			w.mu.Unlock()
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Warn("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("config reload failed: %v", err)
		return
	}
	if err := logging.Configure(w.dataDir, logging.Settings{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		logging.Get(logging.CategoryBoot).Warn("logging reconfigure failed: %v", err)
		return
	}
	logging.Boot("config reloaded: debug=%v level=%s", cfg.Logging.DebugMode, cfg.Logging.Level)
}

// Wait blocks until the watcher goroutine has exited.
func (w *Watcher) Wait() {
	<-w.doneCh
}
