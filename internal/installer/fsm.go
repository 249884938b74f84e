package installer

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/sysflash/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/sysflash/internal/pkg/util/fsm"
	"github.com/autopeer-io/sysflash/internal/registry"
)

const (
	StateIdle           = "idle"
	StateInstalling     = "installing"
	StateAwaitingReboot = "awaiting_reboot"
)

// States lists every controller state.
var States = []string{StateIdle, StateInstalling, StateAwaitingReboot}

const (
	// EventInstall starts a new installation. Args: update id.
	EventInstall = "event_install"
	// EventReconnect resumes an installation found in durable state. Args: update id.
	EventReconnect = "event_reconnect"
	// EventSucceed means the image is written and needs a reboot. Args: update id.
	EventSucceed = "event_succeed"
	// EventFail means the flasher session failed. Args: update id.
	EventFail = "event_fail"
	// EventReset means the flasher has no session. Args: update id.
	EventReset = "event_reset"
)

// newStateMachine builds the controller's state machine. Durable state is
// committed by the caller before an event fires; the callbacks carry the
// in-memory side effects.
func newStateMachine(initial string, c *Controller) *fsm.FSM {
	events := fsm.Events{
		{Name: EventInstall, Src: []string{StateIdle}, Dst: StateInstalling},
		{Name: EventReconnect, Src: []string{StateIdle}, Dst: StateInstalling},
		{Name: EventSucceed, Src: []string{StateInstalling, StateIdle}, Dst: StateAwaitingReboot},
		{Name: EventFail, Src: []string{StateInstalling}, Dst: StateIdle},
		{Name: EventReset, Src: []string{StateInstalling, StateAwaitingReboot}, Dst: StateIdle},
	}

	callbacks := fsm.Callbacks{
		"enter_state": fsmutil.WrapEvent(c.actionRecordState),

		"enter_" + StateInstalling:     fsmutil.WrapEvent(c.actionEnterInstalling),
		"enter_" + StateAwaitingReboot: fsmutil.WrapEvent(c.actionEnterAwaitingReboot),
		"enter_" + StateIdle:           fsmutil.WrapEvent(c.actionEnterIdle),
	}

	return fsm.NewFSM(initial, events, callbacks)
}

func eventUpdateID(e *fsm.Event) string {
	if len(e.Args) == 0 {
		return ""
	}
	id, _ := e.Args[0].(string)
	return id
}

func (c *Controller) actionRecordState(_ context.Context, e *fsm.Event) error {
	c.logger.Info("Installer state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
	metrics.SetState(e.Dst, States)
	return nil
}

// actionEnterInstalling marks the update as installing.
func (c *Controller) actionEnterInstalling(_ context.Context, e *fsm.Event) error {
	id := eventUpdateID(e)
	c.installingID = id
	metrics.InstallProgress.Set(0)

	if e.Event == EventReconnect {
		// Progress events refresh the record once the backend reports.
		return nil
	}

	if !c.registry.Mutate(id, func(u *registry.Update) {
		u.Status = registry.StatusInstalling
		u.Progress = 0
		u.Finalizing = false
	}) {
		c.logger.Warn("Installing update has no record", "update", id)
		return nil
	}
	c.registry.NotifyUpdateChange(id)
	return nil
}

// actionEnterAwaitingReboot marks the update installed and applies the
// auto delete policy.
func (c *Controller) actionEnterAwaitingReboot(_ context.Context, e *fsm.Event) error {
	id := eventUpdateID(e)
	c.installingID = ""
	metrics.InstallProgress.Set(0)
	metrics.InstallResults.WithLabelValues("installed").Inc()

	if id == "" || !c.registry.Mutate(id, func(u *registry.Update) {
		u.Status = registry.StatusInstalled
		u.Progress = 0
		u.Finalizing = false
	}) {
		c.logger.Info("Installation finished for an update without record", "update", id)
		return nil
	}
	c.registry.NotifyUpdateChange(id)

	autoDelete, err := c.store.Bool(KeyAutoDelete, false)
	if err != nil {
		c.logger.Error(err, "Could not read auto delete policy", "update", id)
		return nil
	}
	if autoDelete {
		if err := c.registry.DeleteUpdate(id); err != nil {
			c.logger.Error(err, "Auto delete failed", "update", id)
		}
	}
	return nil
}

// actionEnterIdle marks a failed update. A reset leaves the update alone.
func (c *Controller) actionEnterIdle(_ context.Context, e *fsm.Event) error {
	id := eventUpdateID(e)
	c.installingID = ""
	metrics.InstallProgress.Set(0)

	if e.Event == EventReset {
		metrics.InstallResults.WithLabelValues("reset").Inc()
		return nil
	}

	metrics.InstallResults.WithLabelValues("failed").Inc()
	if id == "" || !c.registry.Mutate(id, func(u *registry.Update) {
		u.Status = registry.StatusInstallationFailed
		u.Progress = 0
		u.Finalizing = false
	}) {
		c.logger.Info("Installation failed for an update without record", "update", id)
		return nil
	}
	c.registry.NotifyUpdateChange(id)
	return nil
}
