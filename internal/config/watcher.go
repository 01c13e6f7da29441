package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a config file on disk and reloads it on change.
type Watcher struct {
	watcher  *fsnotify.Watcher
	cfg      *Config
	onChange func(*Config)
	path     string
	mu       sync.RWMutex
}

// NewWatcher loads the config at path once, then arms an fsnotify watch on
// it for subsequent reloads.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	return &Watcher{path: path, cfg: cfg, watcher: fsw}, nil
}

// Config returns the currently loaded configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// OnChange registers a callback invoked after each successful reload. Only
// the last registration takes effect.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.onChange = fn
}

// Start blocks, watching for file events until ctx is canceled. Rapid
// successive writes (editors, atomic renames) are debounced.
func (w *Watcher) Start(ctx context.Context) error {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	const debounceDelay = 200 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("config watcher: events channel closed")
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounce.Reset(debounceDelay)
			}

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("config watcher: errors channel closed")
			}

		case <-debounce.C:
			newCfg, err := Load(w.path)
			if err != nil {
				continue
			}
			w.mu.Lock()
			w.cfg = newCfg
			w.mu.Unlock()
			if w.onChange != nil {
				w.onChange(newCfg)
			}
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
