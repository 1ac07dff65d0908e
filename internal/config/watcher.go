package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher tracks edits to the config file so the scheduling loop can reload
// the Policy at the next cycle boundary.
type Watcher struct {
	path    string
	fs      *fsnotify.Watcher
	logger  *zap.Logger
	mu      sync.Mutex
	changed bool
	done    chan struct{}
}

// NewWatcher watches the directory holding path. Editors often replace the
// file instead of writing in place, so watching the file itself loses events.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:   filepath.Clean(path),
		fs:     fw,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Run consumes events until ctx is done or Close is called.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.mu.Lock()
				w.changed = true
				w.mu.Unlock()
				w.logger.Info("Config file changed; policy reloads at next cycle", zap.String("path", w.path))
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

// Changed reports and clears the pending-change flag.
func (w *Watcher) Changed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := w.changed
	w.changed = false
	return c
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

// Done is closed when Run returns.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}
