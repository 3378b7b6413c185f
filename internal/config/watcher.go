package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the config file on change and hands the result to a
// callback. Only settings the daemon treats as mutable (API URL, default
// source, result count) take effect without a restart; the callback decides
// which fields it applies.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onReload func(*Config)
	debounce time.Duration
	timer    *time.Timer
	stopCh   chan struct{}
}

// NewWatcher creates a watcher for the loader's config file.
func NewWatcher(loader *Loader, logger zerolog.Logger, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		loader:   loader,
		watcher:  fsw,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		onReload: onReload,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	path, err := loader.Path()
	if err != nil {
		_ = fsw.Close()
		return nil, err
	}
	// Watch the directory: editors replace files rather than writing in
	// place, which drops a file-level watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	go w.run(filepath.Base(path))
	return w, nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) run(filename string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		cfg, err := w.loader.Load()
		if err != nil {
			w.logger.Error().Err(err).Msg("Config reload failed, keeping previous settings")
			return
		}
		w.logger.Info().Msg("Config reloaded")
		w.onReload(cfg)
	})
}
