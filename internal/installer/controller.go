// Package installer drives the installation of system updates.
//
// The Controller is the only writer of the durable installation record. It
// starts one installation at a time, hands the image to a flasher backend and
// turns the backend's asynchronous reports into update status changes. The
// durable record lets a restarted daemon pick up where it left off.
package installer

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/sysflash/internal/flasher"
	"github.com/autopeer-io/sysflash/internal/pkg/metrics"
	"github.com/autopeer-io/sysflash/internal/pkg/prefs"
	fsmutil "github.com/autopeer-io/sysflash/internal/pkg/util/fsm"
	"github.com/autopeer-io/sysflash/internal/registry"
	"github.com/autopeer-io/sysflash/pkg/log"
)

// Registry is the part of the update registry the controller works with.
type Registry interface {
	Get(id string) (registry.Update, bool)
	Mutate(id string, fn func(u *registry.Update)) bool
	NotifyUpdateChange(id string)
	NotifyInstallProgress(id string)
	DeleteUpdate(id string) error
}

// Config tunes a Controller.
type Config struct {
	// Kind names the update kind in the installing id key. Defaults to DefaultKind.
	Kind string

	// EventBuffer is the capacity of the flasher event channel.
	EventBuffer int
}

// Status is a point-in-time view of the controller.
type Status struct {
	State        string `json:"state"`
	InstallingID string `json:"installingID,omitempty"`
	NeedsReboot  bool   `json:"needsReboot"`
	AutoDelete   bool   `json:"autoDelete"`
	Bound        bool   `json:"bound"`
}

// Controller is the installation controller.
type Controller struct {
	store    prefs.Store
	registry Registry
	backend  flasher.Backend
	adapter  *flasher.Adapter
	logger   log.Logger

	installingKey string

	// mu serializes durable read-modify-write cycles with the update
	// mutations that go with them.
	mu           sync.Mutex
	fsm          *fsm.FSM
	installingID string
}

// New builds a Controller and recovers its state from the store: a stored
// installing id resumes Installing, a pending reboot resumes AwaitingReboot,
// anything else starts Idle. The backend is not bound until Install or
// Reconnect.
func New(store prefs.Store, reg Registry, backend flasher.Backend, cfg Config) (*Controller, error) {
	c := &Controller{
		store:         store,
		registry:      reg,
		backend:       backend,
		adapter:       flasher.NewAdapter(cfg.EventBuffer),
		logger:        log.WithName("installer"),
		installingKey: InstallingIDKey(cfg.Kind),
	}

	id, installing, err := store.String(c.installingKey)
	if err != nil {
		return nil, fmt.Errorf("read installing id: %w", err)
	}
	needsReboot, err := store.Bool(KeyNeedsReboot, false)
	if err != nil {
		return nil, fmt.Errorf("read reboot flag: %w", err)
	}

	initial := StateIdle
	switch {
	case installing:
		initial = StateInstalling
		c.installingID = id
		if needsReboot {
			c.logger.Warn("Durable state holds both an installing id and a pending reboot, resuming the installation", "update", id)
		}
	case needsReboot:
		initial = StateAwaitingReboot
	}

	c.fsm = newStateMachine(initial, c)
	metrics.SetState(initial, States)

	c.logger.Info("Installer recovered", "state", initial, "update", c.installingID)
	return c, nil
}

// Install starts installing update id. It returns once the backend accepted
// the image; progress arrives through Run.
func (c *Controller) Install(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger := c.logger.WithValues("update", id)

	active, err := c.isInstallingLocked()
	if err != nil {
		return err
	}
	if active || c.fsm.Current() != StateIdle {
		metrics.InstallAttempts.WithLabelValues("already_installing").Inc()
		logger.Info("Install rejected, another installation is active")
		return ErrAlreadyInstalling
	}

	u, ok := c.registry.Get(id)
	if !ok {
		metrics.InstallAttempts.WithLabelValues("unknown_update").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownUpdate, id)
	}

	if _, err := os.Stat(u.File); err != nil {
		metrics.InstallAttempts.WithLabelValues("file_missing").Inc()
		logger.Error(err, "Update file is not accessible", "file", u.File)
		c.markFailed(id)
		return fmt.Errorf("%w: %s", ErrFileMissing, u.File)
	}

	if !c.adapter.Bind(c.backend) {
		metrics.InstallAttempts.WithLabelValues("bind_failed").Inc()
		logger.Error(nil, "Could not bind to flasher backend")
		c.markFailed(id)
		return ErrBindFailed
	}

	if err := c.backend.Flash(ctx, u.File); err != nil {
		metrics.InstallAttempts.WithLabelValues("flash_rejected").Inc()
		logger.Error(err, "Flasher rejected the image")
		c.markFailed(id)
		return fmt.Errorf("%w: %w", ErrFlashRejected, err)
	}

	metrics.InstallAttempts.WithLabelValues("accepted").Inc()

	// The backend is flashing now. A failed write still leaves the
	// controller installing so the session's reports are handled.
	persistErr := c.store.Edit().PutString(c.installingKey, id).Apply()
	if persistErr != nil {
		logger.Error(persistErr, "Could not record installing id")
	}

	if err := c.fire(ctx, EventInstall, id); err != nil {
		return err
	}

	logger.Info("Installation started", "file", u.File)
	if persistErr != nil {
		return fmt.Errorf("installation started but not recorded: %w", persistErr)
	}
	return nil
}

// Reconnect binds to the backend again after a restart so the reports of an
// installation started by an earlier process reach this one.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.isInstallingLocked()
	if err != nil {
		return err
	}
	if !active {
		return ErrNotInstalling
	}

	if c.adapter.Bound() {
		return nil
	}
	if !c.adapter.Bind(c.backend) {
		c.logger.Error(nil, "Could not bind to flasher backend on reconnect")
		return ErrBindFailed
	}

	id, ok, err := c.store.String(c.installingKey)
	if err != nil {
		return fmt.Errorf("read installing id: %w", err)
	}
	if ok && c.fsm.Current() == StateIdle {
		if err := c.fire(ctx, EventReconnect, id); err != nil {
			return err
		}
	}

	c.logger.Info("Reconnected to flasher", "update", c.installingID, "state", c.fsm.Current())
	return nil
}

// Cancel always fails. A running flash cannot be stopped safely.
func (c *Controller) Cancel() error {
	return ErrNotCancellable
}

// IsInstallingUpdate reports whether an installation is in flight or a
// finished one waits for a reboot.
func (c *Controller) IsInstallingUpdate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.isInstallingLocked()
	if err != nil {
		c.logger.Error(err, "Could not read installation state")
	}
	return active
}

// IsInstallingUpdateID reports whether update id is being installed. While a
// reboot is pending every id counts as installing.
func (c *Controller) IsInstallingUpdateID(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok, err := c.store.String(c.installingKey)
	if err != nil {
		c.logger.Error(err, "Could not read installing id")
		return false
	}
	if ok && current == id {
		return true
	}

	needsReboot, err := c.store.Bool(KeyNeedsReboot, false)
	if err != nil {
		c.logger.Error(err, "Could not read reboot flag")
		return false
	}
	return needsReboot
}

// Status returns the current controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		State:        c.fsm.Current(),
		InstallingID: c.installingID,
		Bound:        c.adapter.Bound(),
	}

	var err error
	if s.NeedsReboot, err = c.store.Bool(KeyNeedsReboot, false); err != nil {
		c.logger.Error(err, "Could not read reboot flag")
	}
	if s.AutoDelete, err = c.store.Bool(KeyAutoDelete, false); err != nil {
		c.logger.Error(err, "Could not read auto delete policy")
	}
	return s
}

// Run consumes flasher events until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	defer c.adapter.Close()

	c.logger.Info("Installer event loop started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Installer event loop stopped")
			return nil
		case e := <-c.adapter.Events():
			if err := c.Dispatch(ctx, e); err != nil {
				c.logger.Error(err, "Failed to handle flasher event", "event", e.String())
			}
		}
	}
}

// Dispatch applies one flasher event. Run calls it for every backend report;
// tests call it directly with synthetic events.
func (c *Controller) Dispatch(ctx context.Context, e flasher.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("Flasher event", "event", e.String(), "state", c.fsm.Current(), "update", c.installingID)

	if e.Kind == flasher.EventFinished {
		if !e.Failed {
			// Success is reported through FINISHED_NEEDS_REBOOT.
			return nil
		}
		return c.terminate(ctx, EventFail, false)
	}

	switch e.Phase {
	case flasher.PhaseFlashing, flasher.PhaseSyncing:
		return c.progress(ctx, e.Phase, e.Percent)
	case flasher.PhaseFinishedNeedsReboot:
		return c.terminate(ctx, EventSucceed, true)
	case flasher.PhaseIdle:
		return c.terminate(ctx, EventReset, false)
	default:
		c.logger.Debug("Ignoring flasher phase", "phase", e.Phase.String())
		return nil
	}
}

// progress records a non-terminal report on the installing update. When the
// update record is gone the installation is closed with bookkeeping only.
func (c *Controller) progress(ctx context.Context, phase flasher.Phase, percent int) error {
	if c.fsm.Current() != StateInstalling {
		c.logger.Debug("Progress outside an installation", "phase", phase.String(), "state", c.fsm.Current())
		return nil
	}

	id := c.installingID
	metrics.InstallProgress.Set(float64(percent))

	statusChanged := false
	if !c.registry.Mutate(id, func(u *registry.Update) {
		if u.Status != registry.StatusInstalling {
			u.Status = registry.StatusInstalling
			statusChanged = true
		}
		u.Progress = percent
		u.Finalizing = phase == flasher.PhaseSyncing
	}) {
		c.logger.Info("Update record is gone, closing the installation", "update", id)
		return c.terminate(ctx, EventReset, false)
	}

	if statusChanged {
		c.registry.NotifyUpdateChange(id)
	}
	c.registry.NotifyInstallProgress(id)
	return nil
}

// terminate commits the end of an installation and then moves the state
// machine. Events the current state does not accept are dropped.
func (c *Controller) terminate(ctx context.Context, event string, needsReboot bool) error {
	if !c.fsm.Can(event) {
		c.logger.Debug("Ignoring flasher event in current state", "event", event, "state", c.fsm.Current())
		return nil
	}

	id := c.installingID
	if err := c.installationDone(needsReboot); err != nil {
		return err
	}
	return c.fire(ctx, event, id)
}

// installationDone clears the installing id and sets the reboot flag in one
// atomic commit.
func (c *Controller) installationDone(needsReboot bool) error {
	err := c.store.Edit().
		Remove(c.installingKey).
		PutBool(KeyNeedsReboot, needsReboot).
		Apply()
	if err != nil {
		return fmt.Errorf("commit installation result: %w", err)
	}
	return nil
}

func (c *Controller) fire(ctx context.Context, event, id string) error {
	err := c.fsm.Event(ctx, event, id)
	if fsmutil.IsRealError(err) {
		return fmt.Errorf("installer %s: %w", event, err)
	}
	return nil
}

// markFailed flags a rejected install on its update.
func (c *Controller) markFailed(id string) {
	if c.registry.Mutate(id, func(u *registry.Update) {
		u.Status = registry.StatusInstallationFailed
		u.Progress = 0
		u.Finalizing = false
	}) {
		c.registry.NotifyUpdateChange(id)
	}
}

// isInstallingLocked reads the durable record. c.mu must be held.
func (c *Controller) isInstallingLocked() (bool, error) {
	_, installing, err := c.store.String(c.installingKey)
	if err != nil {
		return false, fmt.Errorf("read installing id: %w", err)
	}
	if installing {
		return true, nil
	}

	needsReboot, err := c.store.Bool(KeyNeedsReboot, false)
	if err != nil {
		return false, fmt.Errorf("read reboot flag: %w", err)
	}
	return needsReboot, nil
}
