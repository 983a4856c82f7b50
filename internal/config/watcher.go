package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// ChangeFunc is invoked with the old and newly loaded config whenever the
// watched file changes. It is called from the watcher's goroutine; callers
// that touch shared state should synchronize themselves.
type ChangeFunc func(old, new BrokerConfig)

// Watcher reloads a BrokerConfig whenever its backing file changes,
// applying only the non-wire knobs (log level, stats cadence, default ring
// capacity) the broker allows to change at runtime.
type Watcher struct {
	loader   *Loader
	path     string
	fw       *fsnotify.Watcher
	current  BrokerConfig
	onChange ChangeFunc
	done     chan struct{}
}

// NewWatcher constructs a Watcher for path, immediately performing an
// initial Load via loader.
func NewWatcher(loader *Loader, path string, onChange ChangeFunc) (*Watcher, error) {
	cfg, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}
	w := &Watcher{
		loader:   loader,
		path:     path,
		fw:       fw,
		current:  cfg,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() BrokerConfig { return w.current }

// Close stops watching and releases the underlying inotify/kqueue handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			next, err := w.loader.Load(w.path)
			if err != nil {
				continue // keep serving the last known-good config
			}
			old := w.current
			w.current = next
			if w.onChange != nil {
				w.onChange(old, next)
			}
		case <-w.fw.Errors:
			continue
		}
	}
}
