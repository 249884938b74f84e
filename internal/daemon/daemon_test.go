package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/sysflash/internal/installer"
	"github.com/autopeer-io/sysflash/internal/registry"
	"github.com/autopeer-io/sysflash/pkg/options"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()

	cfg := &Config{
		StoreOptions:    options.NewStoreOptions(),
		FlasherOptions:  options.NewFlasherOptions(),
		RegistryOptions: options.NewRegistryOptions(),
		HttpOptions:     options.NewHttpOptions(),
		MqttOptions:     options.NewMqttOptions(),
		PolicyOptions:   options.NewPolicyOptions(),
	}
	cfg.StoreOptions.Path = filepath.Join(dir, "state.db")
	cfg.FlasherOptions.StateDir = filepath.Join(dir, "flasher")
	cfg.FlasherOptions.StepInterval = 5 * time.Millisecond
	cfg.RegistryOptions.Dir = filepath.Join(dir, "updates")
	cfg.RegistryOptions.Watch = false
	cfg.HttpOptions.Addr = "127.0.0.1:0"
	cfg.MqttOptions.Enabled = false
	return cfg
}

func writeImage(t *testing.T, cfg *Config, id string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(cfg.RegistryOptions.Dir, 0755))
	path := filepath.Join(cfg.RegistryOptions.Dir, id+cfg.RegistryOptions.Ext)
	require.NoError(t, os.WriteFile(path, []byte("system image"), 0644))
}

func TestNewDaemonLoadsUpdatesAndPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.PolicyOptions.AutoDeleteUpdates = true
	writeImage(t, cfg, "u1")

	d, err := cfg.NewDaemon()
	require.NoError(t, err)
	defer d.close()

	autoDelete, err := d.store.Bool(installer.KeyAutoDelete, false)
	require.NoError(t, err)
	assert.True(t, autoDelete)

	u, ok := d.registry.Get("u1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusVerified, u.Status)

	assert.Nil(t, d.mqtt)
	assert.Nil(t, d.watcher)
}

func TestNewDaemonRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.FlasherOptions.Backend = "teleport"

	_, err := cfg.NewDaemon()
	assert.ErrorContains(t, err, "unknown flasher backend")
}

func TestDaemonRunInstallsAndStops(t *testing.T) {
	cfg := testConfig(t)
	writeImage(t, cfg, "u1")

	d, err := cfg.NewDaemon()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.NoError(t, d.controller.Install(ctx, "u1"))

	assert.Eventually(t, func() bool {
		return d.controller.Status().State == installer.StateAwaitingReboot
	}, 5*time.Second, 10*time.Millisecond)

	u, ok := d.registry.Get("u1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusInstalled, u.Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonSurvivesRestartDuringInstall(t *testing.T) {
	cfg := testConfig(t)
	cfg.FlasherOptions.StepInterval = time.Hour
	writeImage(t, cfg, "u1")

	d, err := cfg.NewDaemon()
	require.NoError(t, err)
	require.NoError(t, d.controller.Install(context.Background(), "u1"))
	d.close()

	d, err = cfg.NewDaemon()
	require.NoError(t, err)
	defer d.close()

	status := d.controller.Status()
	assert.Equal(t, installer.StateInstalling, status.State)
	assert.Equal(t, "u1", status.InstallingID)
	assert.True(t, d.controller.IsInstallingUpdateID("u1"))
}
