package registry

import (
	"context"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/autopeer-io/sysflash/pkg/log"
)

// Watcher keeps a Registry in line with the image directory. New images
// appear as verified updates; images removed behind the daemon's back drop
// their record.
type Watcher struct {
	registry *Registry
	dir      string
	ext      string
	logger   log.Logger
}

// NewWatcher returns a watcher keeping r in sync with the ext files in dir.
func NewWatcher(r *Registry, dir, ext string) *Watcher {
	return &Watcher{
		registry: r,
		dir:      dir,
		ext:      ext,
		logger:   log.WithName("registry-watcher").WithValues("dir", dir),
	}
}

// Run watches the directory until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	// Files that landed between the initial scan and Add.
	if _, err := w.registry.LoadDir(w.dir, w.ext); err != nil {
		w.logger.Error(err, "Rescan failed")
	}

	w.logger.Info("Watching update directory")
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(err, "Watch error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	id, ok := IDFromFile(event.Name, w.ext)
	if !ok {
		return
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		if _, exists := w.registry.Get(id); exists {
			return
		}
		info, err := os.Stat(event.Name)
		if err != nil || info.IsDir() {
			return
		}
		w.registry.Add(Update{ID: id, File: event.Name, Size: info.Size(), Status: StatusVerified})

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if _, err := os.Stat(event.Name); err == nil {
			return
		}
		w.registry.Forget(id)
	}
}
