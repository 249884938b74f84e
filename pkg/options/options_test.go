package options

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{addr: "127.0.0.1:8478"},
		{addr: ":8478"},
		{addr: "localhost:80"},
		{addr: "0.0.0.0", wantErr: true},
		{addr: "example.com:80", wantErr: true},
		{addr: "127.0.0.1:99999", wantErr: true},
		{addr: "127.0.0.1:http", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			err := ValidateAddress(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultsAreValid(t *testing.T) {
	groups := map[string]IOptions{
		"http":     NewHttpOptions(),
		"mqtt":     NewMqttOptions(),
		"store":    NewStoreOptions(),
		"flasher":  NewFlasherOptions(),
		"registry": NewRegistryOptions(),
		"policy":   NewPolicyOptions(),
	}

	for name, o := range groups {
		t.Run(name, func(t *testing.T) {
			assert.Empty(t, o.Validate())
		})
	}
}

func TestFlasherOptionsValidate(t *testing.T) {
	o := NewFlasherOptions()
	o.Backend = FlasherBackendExec
	assert.Len(t, o.Validate(), 1, "exec needs a command")

	o.Command = "/usr/libexec/sysflash-helper"
	assert.Empty(t, o.Validate())

	o.Backend = "dd"
	assert.Len(t, o.Validate(), 1)
}

func TestMqttOptionsOnlyValidatedWhenEnabled(t *testing.T) {
	o := NewMqttOptions()
	o.Broker = ""
	assert.Empty(t, o.Validate())

	o.Enabled = true
	assert.NotEmpty(t, o.Validate())

	o.Broker = "tcp://broker:1883"
	o.DeviceID = "dev-7"
	assert.Empty(t, o.Validate())

	cfg := o.ToClientConfig()
	assert.Equal(t, "sysflashd-dev-7", cfg.ClientID)
	assert.Equal(t, "sysflash/v1/dev-7/online", cfg.WillTopic)
	assert.True(t, cfg.WillRetain)
	assert.Equal(t, cfg.WillTopic, cfg.BirthTopic)
	assert.Equal(t, "true", string(cfg.BirthPayload))
	assert.EqualValues(t, 60, cfg.KeepAlive)
}

func TestAddFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	store := NewStoreOptions()
	flasher := NewFlasherOptions()
	registry := NewRegistryOptions()
	policy := NewPolicyOptions()
	store.AddFlags(fs)
	flasher.AddFlags(fs)
	registry.AddFlags(fs)
	policy.AddFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"--store.path=/tmp/state.db",
		"--store.kind=treble",
		"--flasher.backend=exec",
		"--flasher.command=/bin/flash",
		"--flasher.args=--slot,b",
		"--flasher.step-interval=10ms",
		"--registry.watch=false",
		"--policy.auto-delete-updates",
	}))

	assert.Equal(t, "/tmp/state.db", store.Path)
	assert.Equal(t, "treble", store.Kind)
	assert.Equal(t, FlasherBackendExec, flasher.Backend)
	assert.Equal(t, []string{"--slot", "b"}, flasher.Args)
	assert.Equal(t, 10*time.Millisecond, flasher.StepInterval)
	assert.False(t, registry.Watch)
	assert.True(t, policy.AutoDeleteUpdates)
}
