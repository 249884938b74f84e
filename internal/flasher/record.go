package flasher

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/autopeer-io/sysflash/pkg/log"
)

const recordFileName = "session.json"

// record is what a backend keeps on disk about its latest session, so the
// outcome outlives the process that ran it.
type record struct {
	Image     string    `json:"image"`
	Phase     Phase     `json:"phase"`
	Percent   int       `json:"percent"`
	BootID    string    `json:"bootID"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BootIDFunc returns an identifier that changes on every device boot.
type BootIDFunc func() string

// KernelBootID reads the Linux per-boot random id. It returns "" when unavailable.
func KernelBootID() string {
	data, err := os.ReadFile("/proc/sys/kernel/random/boot_id")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

type recordFile struct {
	path string
}

func (f recordFile) load() (*record, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("corrupt session record %s: %w", f.path, err)
	}
	return &r, nil
}

// save writes the record through a temp file and rename.
func (f recordFile) save(r *record) error {
	r.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f recordFile) remove() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// session holds what both backends share: the bound callback, the on-disk
// record and the decision about what to announce on the next bind.
type session struct {
	logger log.Logger
	file   recordFile
	bootID string

	mu       sync.Mutex
	cb       Callback
	running  bool
	current  *record
	announce *Event
}

func newSession(name, stateDir string, bootID BootIDFunc) (*session, error) {
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("could not create flasher state dir: %w", err)
	}
	if bootID == nil {
		bootID = KernelBootID
	}

	s := &session{
		logger: log.WithName(name),
		file:   recordFile{path: filepath.Join(stateDir, recordFileName)},
		bootID: bootID(),
	}

	prev, err := s.file.load()
	if err != nil {
		s.logger.Error(err, "Discarding unreadable session record")
		prev = nil
		_ = s.file.remove()
	}
	s.recover(prev)

	return s, nil
}

// recover decides what a later Bind announces for the previous session.
func (s *session) recover(prev *record) {
	if prev == nil {
		return
	}

	switch {
	case prev.Phase == PhaseFinishedNeedsReboot && prev.BootID == s.bootID:
		s.current = prev
		e := StatusEvent(PhaseFinishedNeedsReboot, 100)
		s.announce = &e
		s.logger.Info("Previous session finished, reboot still pending", "image", prev.Image)

	default:
		// Either the device rebooted since the session finished, or the
		// session died with its process. Nothing is running now. For the
		// exec backend this assumes the helper does not outlive the daemon
		// that started it; an orphaned helper is neither tracked nor reaped.
		e := StatusEvent(PhaseIdle, 0)
		s.announce = &e
		_ = s.file.remove()
		s.logger.Info("No live session for previous record", "image", prev.Image, "phase", prev.Phase.String())
	}
}

func (s *session) bind(cb Callback) {
	s.mu.Lock()
	s.cb = cb
	announce := s.announce
	if announce != nil && announce.Phase == PhaseIdle {
		// An Idle announcement is delivered once.
		s.announce = nil
	}
	s.mu.Unlock()

	if announce != nil {
		go cb.OnStatusUpdate(announce.Phase, announce.Percent)
	}
}

// begin marks a new session as running and records it.
func (s *session) begin(image string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrBusy
	}
	if s.current != nil && s.current.Phase == PhaseFinishedNeedsReboot {
		return ErrRebootPending
	}

	r := &record{Image: image, Phase: PhaseFlashing, BootID: s.bootID}
	if err := s.file.save(r); err != nil {
		return fmt.Errorf("could not record session: %w", err)
	}

	s.running = true
	s.current = r
	s.announce = nil
	return nil
}

// progress records and reports a non-terminal status.
func (s *session) progress(phase Phase, percent int) {
	s.mu.Lock()
	if s.current != nil {
		s.current.Phase = phase
		s.current.Percent = percent
		if err := s.file.save(s.current); err != nil {
			s.logger.Error(err, "Could not persist session progress")
		}
	}
	cb := s.cb
	s.mu.Unlock()

	if cb != nil {
		cb.OnStatusUpdate(phase, percent)
	}
}

// succeed ends the session waiting for a reboot.
func (s *session) succeed() {
	s.mu.Lock()
	s.running = false
	if s.current != nil {
		s.current.Phase = PhaseFinishedNeedsReboot
		s.current.Percent = 100
		if err := s.file.save(s.current); err != nil {
			s.logger.Error(err, "Could not persist finished session")
		}
		e := StatusEvent(PhaseFinishedNeedsReboot, 100)
		s.announce = &e
	}
	cb := s.cb
	s.mu.Unlock()

	if cb != nil {
		cb.OnStatusUpdate(PhaseFinishedNeedsReboot, 100)
	}
}

// fail ends the session with an error.
func (s *session) fail(cause error) {
	s.logger.Error(cause, "Flash session failed")

	s.mu.Lock()
	s.running = false
	s.current = nil
	s.announce = nil
	if err := s.file.remove(); err != nil {
		s.logger.Error(err, "Could not remove failed session record")
	}
	cb := s.cb
	s.mu.Unlock()

	if cb != nil {
		cb.OnFinished(true)
	}
}

// abort forgets a session that never started.
func (s *session) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	s.current = nil
	if err := s.file.remove(); err != nil {
		s.logger.Error(err, "Could not remove aborted session record")
	}
}

// reboot forgets a finished session, as a device restart would.
func (s *session) reboot() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrBusy
	}
	s.current = nil
	s.announce = nil
	if err := s.file.remove(); err != nil {
		return err
	}

	if s.cb != nil {
		go s.cb.OnStatusUpdate(PhaseIdle, 0)
	} else {
		e := StatusEvent(PhaseIdle, 0)
		s.announce = &e
	}
	return nil
}

func (s *session) snapshot() (running bool, phase Phase, percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return s.running, PhaseIdle, 0
	}
	return s.running, s.current.Phase, s.current.Percent
}
