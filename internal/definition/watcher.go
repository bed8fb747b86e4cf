package definition

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is used when a Watcher is created with a zero delay.
const DefaultDebounce = 300 * time.Millisecond

// Watcher calls a reload function whenever YAML files under the watched
// directories are created, written, renamed or removed. Bursts of events
// collapse into one reload after the debounce delay.
type Watcher struct {
	fs       *fsnotify.Watcher
	debounce time.Duration
	reload   func() error
	logger   *zap.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher watches the given directories (non-recursively).
func NewWatcher(dirs []string, debounce time.Duration, reload func() error, logger *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	return &Watcher{
		fs:       fsw,
		debounce: debounce,
		reload:   reload,
		logger:   logger,
	}, nil
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !isDefinitionFile(event.Name) {
				continue
			}
			w.schedule(filepath.Base(event.Name))

		case err, ok := <-w.fs.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.logger.Warn("definition watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.reload(); err != nil {
			w.logger.Error("reload after file change failed, keeping previous state",
				zap.String("file", name),
				zap.Error(err),
			)
			return
		}
		w.logger.Info("reloaded after file change", zap.String("file", name))
	})
}

func (w *Watcher) stop() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.fs.Close()
}

// ReloadFunc returns a reload function that loads, validates and swaps the
// registry contents. A load that fails validation leaves the registry as is.
func ReloadFunc(loader *Loader, validator *Validator, registry *Registry, dirs []string, logger *zap.Logger) func() error {
	return func() error {
		files, err := loader.LoadAll(dirs)
		if err != nil {
			return err
		}
		errs, warnings := validator.Validate(files)
		for _, w := range warnings {
			logger.Warn("definition warning",
				zap.String("path", w.Path),
				zap.String("code", w.Code),
				zap.String("message", w.Message),
			)
		}
		if len(errs) > 0 {
			for _, e := range errs {
				logger.Error("definition error",
					zap.String("path", e.Path),
					zap.String("code", e.Code),
					zap.String("message", e.Message),
				)
			}
			return fmt.Errorf("%d definition validation errors", len(errs))
		}
		changes := registry.Replace(files)
		logger.Info("definitions loaded",
			zap.Int("workflows", registry.Len()),
			zap.String("checksum", registry.Checksum()),
			zap.Strings("added", changes.Added),
			zap.Strings("removed", changes.Removed),
			zap.Strings("updated", changes.Updated),
		)
		return nil
	}
}
