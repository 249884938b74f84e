package installer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/sysflash/internal/flasher"
	"github.com/autopeer-io/sysflash/internal/registry"
)

const installingKey = "installing_system_id"

func TestInstallingIDKey(t *testing.T) {
	assert.Equal(t, "installing_system_id", InstallingIDKey(""))
	assert.Equal(t, "installing_treble_id", InstallingIDKey("treble"))
}

func TestRecoverOnConstruction(t *testing.T) {
	tests := []struct {
		name      string
		seed      func(h *harness)
		wantState string
		wantID    string
	}{
		{
			name:      "empty store",
			seed:      func(*harness) {},
			wantState: StateIdle,
		},
		{
			name: "installing id",
			seed: func(h *harness) {
				require.NoError(t, h.store.Edit().PutString(installingKey, "u1").Apply())
			},
			wantState: StateInstalling,
			wantID:    "u1",
		},
		{
			name: "pending reboot",
			seed: func(h *harness) {
				require.NoError(t, h.store.Edit().PutBool(KeyNeedsReboot, true).Apply())
			},
			wantState: StateAwaitingReboot,
		},
		{
			name: "cleared reboot flag",
			seed: func(h *harness) {
				require.NoError(t, h.store.Edit().PutBool(KeyNeedsReboot, false).Apply())
			},
			wantState: StateIdle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.seed(h)
			h.restart()

			s := h.ctrl.Status()
			assert.Equal(t, tt.wantState, s.State)
			assert.Equal(t, tt.wantID, s.InstallingID)
			assert.False(t, s.Bound, "recovery must not bind the backend")
			assert.Zero(t, h.backend.bindCount())
		})
	}
}

func TestInstallScenario(t *testing.T) {
	for _, autoDelete := range []bool{false, true} {
		name := "keep update"
		if autoDelete {
			name = "auto delete"
		}

		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			file := h.addUpdate("u1")
			require.NoError(t, h.store.Edit().PutBool(KeyAutoDelete, autoDelete).Apply())
			h.notes.reset()

			require.NoError(t, h.ctrl.Install(ctx, "u1"))

			assert.Equal(t, StateInstalling, h.ctrl.Status().State)
			assert.Equal(t, "u1", h.durable()[installingKey])
			assert.Equal(t, []string{file}, h.backend.flashed)
			assert.Equal(t, registry.StatusInstalling, h.update("u1").Status)
			assert.Equal(t, 1, h.notes.changedCount())
			assert.True(t, h.ctrl.IsInstallingUpdate())
			assert.True(t, h.ctrl.IsInstallingUpdateID("u1"))
			assert.False(t, h.ctrl.IsInstallingUpdateID("u2"))

			require.NoError(t, h.status(flasher.PhaseFlashing, 10))
			u := h.update("u1")
			assert.Equal(t, registry.StatusInstalling, u.Status)
			assert.Equal(t, 10, u.Progress)
			assert.False(t, u.Finalizing)

			require.NoError(t, h.status(flasher.PhaseSyncing, 95))
			u = h.update("u1")
			assert.Equal(t, 95, u.Progress)
			assert.True(t, u.Finalizing)
			assert.Len(t, h.notes.progress, 2)

			require.NoError(t, h.status(flasher.PhaseFinishedNeedsReboot, 100))

			durable := h.durable()
			assert.NotContains(t, durable, installingKey)
			assert.Equal(t, true, durable[KeyNeedsReboot])
			assert.Equal(t, StateAwaitingReboot, h.ctrl.Status().State)

			if autoDelete {
				_, ok := h.registry.Get("u1")
				assert.False(t, ok)
				_, err := os.Stat(file)
				assert.ErrorIs(t, err, os.ErrNotExist)
				assert.Equal(t, []string{"u1"}, h.notes.deleted)
				return
			}

			u = h.update("u1")
			assert.Equal(t, registry.StatusInstalled, u.Status)
			assert.Equal(t, 0, u.Progress)
			assert.False(t, u.Finalizing)
			assert.Empty(t, h.notes.deleted)
		})
	}
}

func TestInstallRejectedWhileAnotherInstalls(t *testing.T) {
	h := newHarness(t)
	h.addUpdate("u1")
	h.addUpdate("u2")
	require.NoError(t, h.ctrl.Install(ctx, "u1"))

	before := h.durable()
	h.notes.reset()

	err := h.ctrl.Install(ctx, "u2")
	assert.ErrorIs(t, err, ErrAlreadyInstalling)
	assert.Equal(t, before, h.durable())
	assert.Equal(t, registry.StatusVerified, h.update("u2").Status)
	assert.Zero(t, h.notes.changedCount(), "the rejection mutates nothing")
	assert.Equal(t, 1, h.backend.flashCount())

	assert.ErrorIs(t, h.ctrl.Install(ctx, "u1"), ErrAlreadyInstalling)
}

func TestInstallRejectedWhileRebootPending(t *testing.T) {
	h := newHarness(t)
	h.addUpdate("u1")
	h.addUpdate("u2")
	require.NoError(t, h.ctrl.Install(ctx, "u1"))
	require.NoError(t, h.status(flasher.PhaseFinishedNeedsReboot, 100))

	assert.True(t, h.ctrl.IsInstallingUpdate())
	assert.True(t, h.ctrl.IsInstallingUpdateID("u2"), "a pending reboot counts for every id")
	assert.ErrorIs(t, h.ctrl.Install(ctx, "u2"), ErrAlreadyInstalling)

	// The backend reports no session after the reboot.
	require.NoError(t, h.status(flasher.PhaseIdle, 0))
	assert.Equal(t, false, h.durable()[KeyNeedsReboot])
	assert.False(t, h.ctrl.IsInstallingUpdate())
	require.NoError(t, h.ctrl.Install(ctx, "u2"))
}

func TestInstallRejections(t *testing.T) {
	tests := []struct {
		name      string
		prepare   func(h *harness)
		id        string
		wantErr   error
		wantState registry.Status
		wantFlash bool
	}{
		{
			name: "file missing",
			prepare: func(h *harness) {
				h.registry.Add(registry.Update{ID: "u1", File: filepath.Join(h.dir, "gone.zip"), Status: registry.StatusVerified})
			},
			id:        "u1",
			wantErr:   ErrFileMissing,
			wantState: registry.StatusInstallationFailed,
		},
		{
			name: "bind failure",
			prepare: func(h *harness) {
				h.addUpdate("u1")
				h.backend.bindOK = false
			},
			id:        "u1",
			wantErr:   ErrBindFailed,
			wantState: registry.StatusInstallationFailed,
		},
		{
			name: "backend busy",
			prepare: func(h *harness) {
				h.addUpdate("u1")
				h.backend.flashErr = flasher.ErrBusy
			},
			id:        "u1",
			wantErr:   flasher.ErrBusy,
			wantState: registry.StatusInstallationFailed,
		},
		{
			name:    "unknown update",
			prepare: func(*harness) {},
			id:      "u9",
			wantErr: ErrUnknownUpdate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.prepare(h)

			err := h.ctrl.Install(ctx, tt.id)
			require.ErrorIs(t, err, tt.wantErr)

			assert.Zero(t, installingKeys(h.durable()), "no durable mutation")
			assert.NotContains(t, h.durable(), KeyNeedsReboot)
			assert.Equal(t, StateIdle, h.ctrl.Status().State)

			if u, ok := h.registry.Get(tt.id); ok {
				assert.Equal(t, tt.wantState, u.Status)
				assert.Zero(t, u.Progress)
			}
		})
	}
}

func TestFlashRejectionWrapsBothErrors(t *testing.T) {
	h := newHarness(t)
	h.addUpdate("u1")
	h.backend.flashErr = flasher.ErrRebootPending

	err := h.ctrl.Install(ctx, "u1")
	assert.ErrorIs(t, err, ErrFlashRejected)
	assert.ErrorIs(t, err, flasher.ErrRebootPending)
}

func TestFinishedWithError(t *testing.T) {
	h := newHarness(t)
	h.addUpdate("u1")
	require.NoError(t, h.ctrl.Install(ctx, "u1"))
	require.NoError(t, h.status(flasher.PhaseFlashing, 40))

	require.NoError(t, h.finished(true))

	u := h.update("u1")
	assert.Equal(t, registry.StatusInstallationFailed, u.Status)
	assert.Zero(t, u.Progress)
	assert.Equal(t, map[string]any{KeyNeedsReboot: false}, h.durable())
	assert.Equal(t, StateIdle, h.ctrl.Status().State)

	// The user may retry.
	require.NoError(t, h.ctrl.Install(ctx, "u1"))
}

func TestFinishedWithoutErrorIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.addUpdate("u1")
	require.NoError(t, h.ctrl.Install(ctx, "u1"))

	require.NoError(t, h.finished(false))
	assert.Equal(t, StateInstalling, h.ctrl.Status().State)
	assert.Equal(t, "u1", h.durable()[installingKey])
}

func TestIdlePhaseIsSilentReset(t *testing.T) {
	h := newHarness(t)
	h.addUpdate("u1")
	require.NoError(t, h.ctrl.Install(ctx, "u1"))
	require.NoError(t, h.status(flasher.PhaseFlashing, 30))
	h.notes.reset()

	require.NoError(t, h.status(flasher.PhaseIdle, 0))

	assert.Equal(t, map[string]any{KeyNeedsReboot: false}, h.durable())
	assert.Equal(t, StateIdle, h.ctrl.Status().State)
	u := h.update("u1")
	assert.Equal(t, registry.StatusInstalling, u.Status, "the update is not failed")
	assert.Equal(t, 30, u.Progress)
	assert.Zero(t, h.notes.changedCount())
}

func TestReconnectAfterRestart(t *testing.T) {
	h := newHarness(t)
	h.addUpdate("u1")
	require.NoError(t, h.ctrl.Install(ctx, "u1"))
	require.NoError(t, h.status(flasher.PhaseFlashing, 20))

	// A new process finds the installation in durable state.
	h.backend = &fakeBackend{bindOK: true}
	h.restart()
	assert.Equal(t, StateInstalling, h.ctrl.Status().State)
	assert.False(t, h.ctrl.Status().Bound)

	require.NoError(t, h.ctrl.Reconnect(ctx))
	assert.Equal(t, 1, h.backend.bindCount())
	assert.True(t, h.ctrl.Status().Bound)

	require.NoError(t, h.ctrl.Reconnect(ctx), "reconnecting while bound is a no-op")
	assert.Equal(t, 1, h.backend.bindCount())

	require.NoError(t, h.status(flasher.PhaseSyncing, 96))
	u := h.update("u1")
	assert.Equal(t, 96, u.Progress)
	assert.True(t, u.Finalizing)

	require.NoError(t, h.status(flasher.PhaseFinishedNeedsReboot, 100))
	assert.Equal(t, registry.StatusInstalled, h.update("u1").Status)
}

func TestReconnectRestoresStatusOfRecoveredUpdate(t *testing.T) {
	h := newHarness(t)
	h.addUpdate("u1")
	require.NoError(t, h.store.Edit().PutString(installingKey, "u1").Apply())
	h.restart()

	require.NoError(t, h.ctrl.Reconnect(ctx))
	require.NoError(t, h.status(flasher.PhaseFlashing, 55))

	u := h.update("u1")
	assert.Equal(t, registry.StatusInstalling, u.Status)
	assert.Equal(t, 55, u.Progress)
}

func TestReconnectFailures(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.ctrl.Reconnect(ctx), ErrNotInstalling)
	assert.Zero(t, h.backend.bindCount())

	require.NoError(t, h.store.Edit().PutString(installingKey, "u1").Apply())
	h.backend.bindOK = false
	h.restart()
	assert.ErrorIs(t, h.ctrl.Reconnect(ctx), ErrBindFailed)

	h.backend.bindOK = true
	require.NoError(t, h.ctrl.Reconnect(ctx), "a failed bind can be retried")
}

func TestReconnectWithPendingReboot(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Edit().PutBool(KeyNeedsReboot, true).Apply())
	h.restart()

	require.NoError(t, h.ctrl.Reconnect(ctx))
	assert.Equal(t, StateAwaitingReboot, h.ctrl.Status().State)

	// Same boot: the backend repeats its result and nothing changes.
	require.NoError(t, h.status(flasher.PhaseFinishedNeedsReboot, 100))
	assert.Equal(t, true, h.durable()[KeyNeedsReboot])

	// After the reboot it has no session.
	require.NoError(t, h.status(flasher.PhaseIdle, 0))
	assert.Equal(t, StateIdle, h.ctrl.Status().State)
	assert.Equal(t, false, h.durable()[KeyNeedsReboot])
}

func TestCancelAlwaysFails(t *testing.T) {
	h := newHarness(t)
	h.addUpdate("u1")

	assert.ErrorIs(t, h.ctrl.Cancel(), ErrNotCancellable)

	require.NoError(t, h.ctrl.Install(ctx, "u1"))
	assert.ErrorIs(t, h.ctrl.Cancel(), ErrNotCancellable)
	assert.Equal(t, StateInstalling, h.ctrl.Status().State)

	require.NoError(t, h.status(flasher.PhaseFinishedNeedsReboot, 100))
	assert.ErrorIs(t, h.ctrl.Cancel(), ErrNotCancellable)
}

func TestMissingUpdateDuringProgress(t *testing.T) {
	for _, phase := range []flasher.Phase{flasher.PhaseFlashing, flasher.PhaseSyncing} {
		t.Run(phase.String(), func(t *testing.T) {
			h := newHarness(t)
			h.addUpdate("u1")
			require.NoError(t, h.ctrl.Install(ctx, "u1"))

			// The image vanished and the watcher dropped its record.
			require.True(t, h.registry.Forget("u1"))
			h.notes.reset()

			require.NoError(t, h.status(phase, 50))
			assert.Equal(t, map[string]any{KeyNeedsReboot: false}, h.durable())
			assert.Equal(t, StateIdle, h.ctrl.Status().State)
			assert.False(t, h.ctrl.IsInstallingUpdate())
			assert.Zero(t, h.notes.changedCount())
			assert.Zero(t, h.notes.progressCount())

			// A new install is accepted afterwards.
			h.addUpdate("u2")
			assert.NoError(t, h.ctrl.Install(ctx, "u2"))
		})
	}
}

func TestMissingUpdateOnFinishedNeedsReboot(t *testing.T) {
	h := newHarness(t)
	h.addUpdate("u1")
	require.NoError(t, h.ctrl.Install(ctx, "u1"))
	require.NoError(t, h.status(flasher.PhaseSyncing, 95))
	require.True(t, h.registry.Forget("u1"))

	require.NoError(t, h.status(flasher.PhaseFinishedNeedsReboot, 100))
	assert.NotContains(t, h.durable(), installingKey)
	assert.Equal(t, true, h.durable()[KeyNeedsReboot])
	assert.Equal(t, StateAwaitingReboot, h.ctrl.Status().State)
}

func TestMissingUpdateOnFailure(t *testing.T) {
	h := newHarness(t)
	h.addUpdate("u1")
	require.NoError(t, h.ctrl.Install(ctx, "u1"))
	require.True(t, h.registry.Forget("u1"))

	require.NoError(t, h.finished(true))
	assert.Equal(t, map[string]any{KeyNeedsReboot: false}, h.durable())
	assert.Equal(t, StateIdle, h.ctrl.Status().State)
}

func TestEventsOutsideAnInstallationAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.addUpdate("u1")

	require.NoError(t, h.status(flasher.PhaseFlashing, 10))
	require.NoError(t, h.finished(true))
	require.NoError(t, h.status(flasher.PhaseIdle, 0))
	require.NoError(t, h.status(flasher.PhaseSuccess, 0))

	assert.Empty(t, h.durable())
	assert.Equal(t, StateIdle, h.ctrl.Status().State)
	assert.Equal(t, registry.StatusVerified, h.update("u1").Status)
}

func TestFailedCommitKeepsInstalling(t *testing.T) {
	h := newHarness(t)
	h.addUpdate("u1")
	require.NoError(t, h.ctrl.Install(ctx, "u1"))

	h.store.fail = true
	err := h.status(flasher.PhaseFinishedNeedsReboot, 100)
	assert.ErrorIs(t, err, errDisk)
	assert.Equal(t, StateInstalling, h.ctrl.Status().State)
	assert.Equal(t, "u1", h.durable()[installingKey])
	assert.Equal(t, registry.StatusInstalling, h.update("u1").Status)

	h.store.fail = false
	require.NoError(t, h.status(flasher.PhaseFinishedNeedsReboot, 100))
	assert.Equal(t, registry.StatusInstalled, h.update("u1").Status)
}

func TestInstallNotRecorded(t *testing.T) {
	h := newHarness(t)
	h.addUpdate("u1")
	h.store.fail = true

	err := h.ctrl.Install(ctx, "u1")
	assert.ErrorIs(t, err, errDisk)
	assert.NotErrorIs(t, err, ErrAlreadyInstalling)
	assert.Equal(t, StateInstalling, h.ctrl.Status().State, "the flash is running regardless")
	assert.Equal(t, 1, h.backend.flashCount())
	assert.ErrorIs(t, h.ctrl.Install(ctx, "u1"), ErrAlreadyInstalling)
}

func TestAtMostOneInstallingID(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"u1", "u2", "u3"} {
		h.addUpdate(id)
	}

	steps := []func(){
		func() { _ = h.ctrl.Install(ctx, "u1") },
		func() { _ = h.ctrl.Install(ctx, "u2") },
		func() { _ = h.status(flasher.PhaseFlashing, 50) },
		func() { _ = h.finished(true) },
		func() { _ = h.ctrl.Install(ctx, "u2") },
		func() { _ = h.ctrl.Install(ctx, "u3") },
		func() { _ = h.status(flasher.PhaseFinishedNeedsReboot, 100) },
		func() { _ = h.ctrl.Install(ctx, "u3") },
		func() { _ = h.status(flasher.PhaseIdle, 0) },
		func() { _ = h.ctrl.Install(ctx, "u3") },
	}

	for i, step := range steps {
		step()
		snapshot := h.durable()
		assert.LessOrEqual(t, installingKeys(snapshot), 1, "step %d", i)
		if _, installing := snapshot[installingKey]; installing {
			assert.NotEqual(t, true, snapshot[KeyNeedsReboot], "step %d: installing and pending reboot together", i)
		}
	}
	assert.Equal(t, "u3", h.durable()[installingKey])
}

func TestRunWithSimulatedFlasher(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "u1.zip")
	require.NoError(t, os.WriteFile(image, []byte("system image"), 0644))

	sim, err := flasher.NewSimBackend(flasher.SimConfig{
		StateDir:     filepath.Join(dir, "flasher"),
		StepInterval: time.Millisecond,
		Step:         25,
		BootID:       func() string { return "boot-1" },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sim.Close() })

	h := newHarness(t)
	h.registry.Add(registry.Update{ID: "u1", File: image, Status: registry.StatusVerified})
	ctrl, err := New(h.store, h.registry, sim, Config{})
	require.NoError(t, err)

	runCtx, cancel := contextWithCancel(t)
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(runCtx) }()

	require.NoError(t, ctrl.Install(runCtx, "u1"))

	assert.Eventually(t, func() bool {
		return ctrl.Status().State == StateAwaitingReboot
	}, 5*time.Second, 5*time.Millisecond)

	u := h.update("u1")
	assert.Equal(t, registry.StatusInstalled, u.Status)
	assert.True(t, ctrl.Status().NeedsReboot)
	assert.Positive(t, h.notes.progressCount())

	require.NoError(t, sim.Reboot())
	assert.Eventually(t, func() bool {
		s := ctrl.Status()
		return s.State == StateIdle && !s.NeedsReboot
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
