package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a repository and re-runs the pipeline when source files
// change. Events are batched over a debounce window so one editor save
// burst triggers one re-analysis.
type Watcher struct {
	pipeline *Pipeline
	debounce time.Duration
	logger   *slog.Logger

	// onRun, when set, observes each completed re-analysis. Used by
	// tests and the CLI progress printer.
	onRun func(*Snapshot)
}

// NewWatcher creates a watcher over the pipeline's repository.
func NewWatcher(pipeline *Pipeline, debounce time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{pipeline: pipeline, debounce: debounce, logger: logger}
}

// OnRun registers a callback invoked after every completed re-analysis.
func (w *Watcher) OnRun(fn func(*Snapshot)) { w.onRun = fn }

// Watch blocks, re-analyzing on changes, until the context is cancelled.
// The initial full run happens before the first event is processed.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addRecursive(fw, w.pipeline.root); err != nil {
		return fmt.Errorf("watching %s: %w", w.pipeline.root, err)
	}

	if _, err := w.pipeline.Run(ctx); err != nil {
		return err
	}

	changed := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.handleEvent(fw, event, changed) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)

		case <-timer.C:
			if len(changed) == 0 {
				continue
			}
			w.rerun(ctx, changed)
			changed = make(map[string]struct{})
		}
	}
}

// handleEvent records a relevant change and reports whether the debounce
// timer should restart.
func (w *Watcher) handleEvent(fw *fsnotify.Watcher, event fsnotify.Event, changed map[string]struct{}) bool {
	// New directories must be watched before anything inside them
	// changes.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(fw, event.Name)
			return false
		}
	}

	if _, ok := w.pipeline.Registry().ForPath(event.Name); !ok {
		return false
	}
	rel, err := filepath.Rel(w.pipeline.root, event.Name)
	if err != nil {
		return false
	}

	changed[filepath.ToSlash(rel)] = struct{}{}
	return true
}

// rerun invalidates the changed files and runs the pipeline again. The
// cache keeps unchanged functions cheap; only the dependency cones of the
// changed files are recomputed.
func (w *Watcher) rerun(ctx context.Context, changed map[string]struct{}) {
	relPaths := make([]string, 0, len(changed))
	for rel := range changed {
		relPaths = append(relPaths, rel)
	}
	w.logger.Info("changes detected", "files", len(relPaths))

	w.pipeline.InvalidateFiles(ctx, relPaths)
	snap, err := w.pipeline.Run(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("re-analysis failed", "error", err)
		}
		return
	}
	if w.onRun != nil {
		w.onRun(snap)
	}
}

// addRecursive watches dir and every non-ignored directory beneath it.
func (w *Watcher) addRecursive(fw *fsnotify.Watcher, dir string) error {
	matcher := buildMatcher(w.pipeline.root, w.pipeline.cfg.Analysis.Ignore)

	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(w.pipeline.root, path)
		if relErr != nil {
			return relErr
		}
		if rel != "." && matcher.Match(splitPath(rel), true) {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}
