package main

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// definitionsWatcher applies definition files in a directory as they are
// written. Editors often write a file in several steps, so events are
// debounced and each changed file is applied once per burst. Removing a file
// does not delete its pipeline.
type definitionsWatcher struct {
	dir      string
	apply    func(ctx context.Context, path string) error
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

func newDefinitionsWatcher(dir string, apply func(ctx context.Context, path string) error, logger *slog.Logger) *definitionsWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &definitionsWatcher{
		dir:      dir,
		apply:    apply,
		logger:   logger,
		debounce: defaultDebounce,
		pending:  make(map[string]struct{}),
	}
}

// Run watches until ctx is done. The watch is registered before Run starts
// its loop; ready, when non-nil, is closed at that point.
func (w *definitionsWatcher) Run(ctx context.Context, ready chan<- struct{}) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory: editors replace files by rename.
	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.logger.Info("definitions watcher started", slog.String("dir", w.dir))
	if ready != nil {
		close(ready)
	}

	defer w.stopTimer()
	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("definitions watcher error", slog.String("error", err.Error()))
		case <-ctx.Done():
			w.logger.Info("definitions watcher stopped")
			return nil
		}
	}
}

func (w *definitionsWatcher) handle(ctx context.Context, ev fsnotify.Event) {
	if !isDefinitionFile(ev.Name) {
		return
	}
	switch {
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
		w.schedule(ctx, ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.logger.Info("definition file removed, pipeline kept", slog.String("file", ev.Name))
	}
}

func (w *definitionsWatcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.flush(ctx) })
}

func (w *definitionsWatcher) flush(ctx context.Context) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := w.apply(ctx, p); err != nil {
			w.logger.Warn("definition rejected", slog.String("file", p), slog.String("error", err.Error()))
		}
	}
}

func (w *definitionsWatcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
