// Package flasher defines the contract between the installer and the
// privileged backend that writes system images.
//
// A Backend reports through a Callback. The Adapter is the Callback the
// installer registers: it turns each call into an Event on a channel, so the
// installer can consume backend progress from a single goroutine.
package flasher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrBusy is returned by Flash while another session is active.
	ErrBusy = errors.New("flasher: a flash session is already active")

	// ErrRebootPending is returned by Flash when a finished session still waits for a reboot.
	ErrRebootPending = errors.New("flasher: reboot pending after previous session")
)

// Phase is the status vocabulary of a flash session.
type Phase int

const (
	PhaseSuccess Phase = iota
	PhaseFlashing
	PhaseSyncing
	PhaseFinishedNeedsReboot
	PhaseIdle
)

var phaseNames = map[Phase]string{
	PhaseSuccess:             "SUCCESS",
	PhaseFlashing:            "FLASHING",
	PhaseSyncing:             "SYNCING",
	PhaseFinishedNeedsReboot: "FINISHED_NEEDS_REBOOT",
	PhaseIdle:                "IDLE",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// ParsePhase accepts the names printed by Phase.String, case-insensitively.
func ParsePhase(s string) (Phase, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown flasher phase %q", s)
}

// Active reports whether the phase belongs to a running session.
func (p Phase) Active() bool {
	return p == PhaseFlashing || p == PhaseSyncing
}

// Callback receives backend notifications. Calls for one session arrive in
// non-decreasing phase order and end with exactly one terminal call.
type Callback interface {
	OnStatusUpdate(phase Phase, percent int)
	OnFinished(failed bool)
}

// Backend is a privileged flasher. Only one session may be active system wide.
type Backend interface {
	// Bind registers cb as the receiver of all notifications. It returns false
	// when the backend cannot be reached. When the backend holds the outcome
	// of an earlier session (pending reboot, or a session that was lost), it
	// announces that status to cb shortly after binding.
	Bind(cb Callback) bool

	// Flash starts a session writing the image at path. It returns once the
	// session is accepted; progress is reported through the bound Callback.
	Flash(ctx context.Context, path string) error
}

// EventKind tells status events from finish events.
type EventKind int

const (
	EventStatus EventKind = iota
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventFinished:
		return "finished"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one backend notification.
type Event struct {
	Kind    EventKind
	Phase   Phase
	Percent int
	Failed  bool
	At      time.Time
}

// StatusEvent builds a status event. Useful to feed synthetic events to the installer.
func StatusEvent(phase Phase, percent int) Event {
	return Event{Kind: EventStatus, Phase: phase, Percent: clampPercent(percent), At: time.Now()}
}

// FinishedEvent builds a finish event.
func FinishedEvent(failed bool) Event {
	return Event{Kind: EventFinished, Failed: failed, At: time.Now()}
}

func (e Event) String() string {
	if e.Kind == EventFinished {
		return fmt.Sprintf("finished(failed=%t)", e.Failed)
	}
	return fmt.Sprintf("status(%s, %d%%)", e.Phase, e.Percent)
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
