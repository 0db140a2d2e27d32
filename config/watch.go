// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a [Watcher] waits after the last change to its
// file before reloading it.
const DefaultDebounce = 500 * time.Millisecond

// A Watcher holds the current configuration loaded from a file, and reloads
// it when the file changes.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *slog.Logger
	fsw      *fsnotify.Watcher
	cancel   context.CancelFunc
	loop     *taskgroup.Single[error]

	μ        sync.Mutex
	cur      *Config
	onChange []func(old, new *Config)
}

// WatchOptions are optional settings for a [Watcher]. A nil *WatchOptions
// provides defaults as described.
type WatchOptions struct {
	// Debounce is how long to wait for changes to settle. If zero,
	// DefaultDebounce is used.
	Debounce time.Duration

	// Logger receives reload diagnostics. If nil, slog.Default is used.
	Logger *slog.Logger
}

// Watch loads the configuration at path, and starts watching it for changes.
// The caller must call Stop when the watcher is no longer needed.
func Watch(path string, opts *WatchOptions) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory rather than the file, so that a file replaced by
	// rename is still seen.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		log:      slog.Default(),
		fsw:      fsw,
		cur:      cfg,
	}
	if opts != nil {
		w.debounce = cmpOr(opts.Debounce, DefaultDebounce)
		if opts.Logger != nil {
			w.log = opts.Logger
		}
	}
	w.log = w.log.With(slog.String("config", w.path))

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.loop = taskgroup.Go(func() error { return w.watch(ctx) })
	return w, nil
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.μ.Lock()
	defer w.μ.Unlock()
	return w.cur
}

// OnChange registers f to be called with the old and new configurations
// each time the file is successfully reloaded. Callbacks run in order of
// registration, on the watcher's goroutine.
func (w *Watcher) OnChange(f func(old, new *Config)) {
	w.μ.Lock()
	defer w.μ.Unlock()
	w.onChange = append(w.onChange, f)
}

// Reload loads the file immediately. If the file is not a valid
// configuration, the current configuration is kept and an error is returned.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.μ.Lock()
	old := w.cur
	w.cur = cfg
	fns := w.onChange
	w.μ.Unlock()

	for _, f := range fns {
		f(old, cfg)
	}
	return nil
}

// Stop stops watching and waits for the watcher to exit.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.fsw.Close()
	w.loop.Wait()
	return err
}

func (w *Watcher) watch(ctx context.Context) error {
	var (
		t    *time.Timer
		fire <-chan time.Time // nil while no reload is pending
	)
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if t == nil {
				t = time.NewTimer(w.debounce)
			} else {
				t.Reset(w.debounce)
			}
			fire = t.C

		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				w.log.Warn("config reload failed; keeping current", slog.Any("error", err))
			} else {
				w.log.Info("config reloaded")
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watch error", slog.Any("error", err))
		}
	}
}

func cmpOr(d, dflt time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return dflt
}
