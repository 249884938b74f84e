package installer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/sysflash/internal/flasher"
	"github.com/autopeer-io/sysflash/internal/pkg/prefs"
	"github.com/autopeer-io/sysflash/internal/registry"
)

var ctx = context.Background()

// fakeBackend records what the controller asks of the flasher.
type fakeBackend struct {
	mu       sync.Mutex
	bindOK   bool
	binds    int
	flashErr error
	flashed  []string
	cb       flasher.Callback
}

var _ flasher.Backend = (*fakeBackend)(nil)

func (b *fakeBackend) Bind(cb flasher.Callback) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.binds++
	if b.bindOK {
		b.cb = cb
	}
	return b.bindOK
}

func (b *fakeBackend) Flash(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flashErr != nil {
		return b.flashErr
	}
	b.flashed = append(b.flashed, path)
	return nil
}

func (b *fakeBackend) bindCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binds
}

func (b *fakeBackend) flashCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.flashed)
}

type recordingNotifier struct {
	mu       sync.Mutex
	changed  []registry.Update
	progress []registry.Update
	deleted  []string
}

func (n *recordingNotifier) UpdateChanged(_ context.Context, u registry.Update) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changed = append(n.changed, u)
}

func (n *recordingNotifier) InstallProgress(_ context.Context, u registry.Update) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, u)
}

func (n *recordingNotifier) UpdateDeleted(_ context.Context, id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted = append(n.deleted, id)
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changed, n.progress, n.deleted = nil, nil, nil
}

func (n *recordingNotifier) changedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.changed)
}

func (n *recordingNotifier) progressCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.progress)
}

var errDisk = errors.New("disk full")

// failingStore accepts reads but can be told to reject every commit.
type failingStore struct {
	*prefs.MemoryStore
	fail bool
}

func (s *failingStore) Edit() prefs.Editor {
	if s.fail {
		return failingEditor{}
	}
	return s.MemoryStore.Edit()
}

type failingEditor struct{}

func (e failingEditor) PutString(string, string) prefs.Editor { return e }
func (e failingEditor) PutBool(string, bool) prefs.Editor     { return e }
func (e failingEditor) Remove(string) prefs.Editor            { return e }
func (e failingEditor) Apply() error                          { return errDisk }

type harness struct {
	t        *testing.T
	dir      string
	store    *failingStore
	registry *registry.Registry
	notes    *recordingNotifier
	backend  *fakeBackend
	ctrl     *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		t:       t,
		dir:     t.TempDir(),
		store:   &failingStore{MemoryStore: prefs.NewMemoryStore()},
		notes:   &recordingNotifier{},
		backend: &fakeBackend{bindOK: true},
	}
	h.registry = registry.New(h.notes)
	h.restart()
	return h
}

// restart builds a fresh controller over the same store, as a new process would.
func (h *harness) restart() {
	h.t.Helper()
	ctrl, err := New(h.store, h.registry, h.backend, Config{})
	require.NoError(h.t, err)
	h.ctrl = ctrl
}

// addUpdate writes an image file and registers it as verified.
func (h *harness) addUpdate(id string) string {
	h.t.Helper()
	file := filepath.Join(h.dir, id+".zip")
	require.NoError(h.t, os.WriteFile(file, []byte("image "+id), 0644))
	h.registry.Add(registry.Update{ID: id, File: file, Status: registry.StatusVerified})
	return file
}

func (h *harness) update(id string) registry.Update {
	h.t.Helper()
	u, ok := h.registry.Get(id)
	require.True(h.t, ok, "update %s has no record", id)
	return u
}

func (h *harness) status(phase flasher.Phase, percent int) error {
	return h.ctrl.Dispatch(ctx, flasher.StatusEvent(phase, percent))
}

func (h *harness) finished(failed bool) error {
	return h.ctrl.Dispatch(ctx, flasher.FinishedEvent(failed))
}

func (h *harness) durable() map[string]any {
	return h.store.Snapshot()
}

// installingKeys counts durable keys naming an installing update.
func installingKeys(snapshot map[string]any) int {
	n := 0
	for k := range snapshot {
		if strings.HasPrefix(k, "installing_") {
			n++
		}
	}
	return n
}

func contextWithCancel(t *testing.T) (context.Context, context.CancelFunc) {
	c, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return c, cancel
}
