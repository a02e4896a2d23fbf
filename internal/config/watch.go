package config

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher republishes a fresh, validated Config when the file changes.
// Consumers snapshot via Current; a bad edit keeps the last good value.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	onSwap  func(*Config)
}

// NewWatcher creates a watcher seeded with initial. onSwap may be nil.
func NewWatcher(path string, initial *Config, onSwap func(*Config)) *Watcher {
	w := &Watcher{path: path, onSwap: onSwap}
	w.current.Store(initial)
	return w
}

// Current returns the latest published configuration.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Run watches the config file until ctx is cancelled. Editors replace the
// file rather than writing in place, so the parent directory is watched
// and events are debounced.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watcher error")
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).
			Msg("config reload rejected, keeping previous configuration")
		return
	}
	w.current.Store(cfg)
	log.Info().Str("path", w.path).Msg("configuration reloaded")
	if w.onSwap != nil {
		w.onSwap(cfg)
	}
}
