package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/autopeer-io/sysflash/pkg/log"
)

// ErrNotFound is returned for ids the registry does not hold.
var ErrNotFound = errors.New("registry: update not found")

// DefaultImageExt is the file extension of update images.
const DefaultImageExt = ".zip"

// Registry is the in-memory set of updates keyed by id. All methods are safe
// for concurrent use. Getters return copies; changes go through Mutate.
type Registry struct {
	logger   log.Logger
	notifier Notifier
	now      func() time.Time

	mu      sync.RWMutex
	updates map[string]*Update
}

// New creates an empty registry. A nil notifier discards notifications.
func New(notifier Notifier) *Registry {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Registry{
		logger:   log.WithName("registry"),
		notifier: notifier,
		now:      time.Now,
		updates:  make(map[string]*Update),
	}
}

// Add stores u, replacing any record with the same id.
func (r *Registry) Add(u Update) {
	u.UpdatedAt = r.now()

	r.mu.Lock()
	r.updates[u.ID] = &u
	r.mu.Unlock()

	r.logger.Info("Update registered", "update", u.ID, "status", u.Status.String(), "file", u.File)
	r.notifier.UpdateChanged(context.Background(), u)
}

// Get returns a copy of the update with id.
func (r *Registry) Get(id string) (Update, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.updates[id]
	if !ok {
		return Update{}, false
	}
	return *u, true
}

// List returns copies of all updates ordered by id.
func (r *Registry) List() []Update {
	r.mu.RLock()
	out := make([]Update, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, *u)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mutate applies fn to the stored update with id under the registry lock. It
// does not notify; callers pick the notification that fits the change.
func (r *Registry) Mutate(id string, fn func(u *Update)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.updates[id]
	if !ok {
		return false
	}
	fn(u)
	u.UpdatedAt = r.now()
	return true
}

// NotifyUpdateChange announces the current state of update id.
func (r *Registry) NotifyUpdateChange(id string) {
	if u, ok := r.Get(id); ok {
		r.notifier.UpdateChanged(context.Background(), u)
	}
}

// NotifyInstallProgress announces the install progress of update id.
func (r *Registry) NotifyInstallProgress(id string) {
	if u, ok := r.Get(id); ok {
		r.notifier.InstallProgress(context.Background(), u)
	}
}

// DeleteUpdate drops the record and removes its image file.
func (r *Registry) DeleteUpdate(id string) error {
	r.mu.Lock()
	u, ok := r.updates[id]
	if ok {
		delete(r.updates, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if u.File != "" {
		if err := os.Remove(u.File); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Error(err, "Could not remove update image", "update", id, "file", u.File)
			r.notifier.UpdateDeleted(context.Background(), id)
			return fmt.Errorf("remove image of update %s: %w", id, err)
		}
	}

	r.logger.Info("Update deleted", "update", id)
	r.notifier.UpdateDeleted(context.Background(), id)
	return nil
}

// Forget drops the record of id without touching its file. It reports
// whether a record existed.
func (r *Registry) Forget(id string) bool {
	r.mu.Lock()
	_, ok := r.updates[id]
	delete(r.updates, id)
	r.mu.Unlock()

	if ok {
		r.logger.Info("Update forgotten", "update", id)
		r.notifier.UpdateDeleted(context.Background(), id)
	}
	return ok
}

// LoadDir registers every "<id><ext>" file in dir as a verified update.
// Records that already exist are left alone. It returns the number added.
func (r *Registry) LoadDir(dir, ext string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("scan update dir: %w", err)
	}

	added := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := IDFromFile(entry.Name(), ext)
		if !ok {
			continue
		}
		if _, exists := r.Get(id); exists {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			r.logger.Warn("Skipping unreadable image", "file", entry.Name(), "error", err)
			continue
		}

		r.Add(Update{
			ID:     id,
			File:   filepath.Join(dir, entry.Name()),
			Size:   info.Size(),
			Status: StatusVerified,
		})
		added++
	}

	return added, nil
}

// IDFromFile returns the update id encoded in an image file name.
func IDFromFile(name, ext string) (string, bool) {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ext) {
		return "", false
	}
	id := strings.TrimSuffix(base, ext)
	return id, id != ""
}
