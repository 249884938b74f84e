package daemon

import (
	"fmt"
	"os"

	"github.com/autopeer-io/sysflash/internal/flasher"
	"github.com/autopeer-io/sysflash/internal/installer"
	"github.com/autopeer-io/sysflash/internal/pkg/prefs"
	"github.com/autopeer-io/sysflash/internal/registry"
	"github.com/autopeer-io/sysflash/internal/registry/notifier"
	httpserver "github.com/autopeer-io/sysflash/internal/server/http"
	"github.com/autopeer-io/sysflash/pkg/log"
	"github.com/autopeer-io/sysflash/pkg/mqtt"
	"github.com/autopeer-io/sysflash/pkg/options"
)

// Config is the complete daemon configuration.
type Config struct {
	StoreOptions    *options.StoreOptions
	FlasherOptions  *options.FlasherOptions
	RegistryOptions *options.RegistryOptions
	HttpOptions     *options.HttpOptions
	MqttOptions     *options.MqttOptions
	PolicyOptions   *options.PolicyOptions
}

// NewDaemon opens the durable store, builds every component and recovers
// the installer. Nothing runs until Daemon.Run.
func (cfg *Config) NewDaemon() (d *Daemon, err error) {
	store, err := prefs.OpenBolt(cfg.StoreOptions.Path, cfg.StoreOptions.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()

	if err := store.Edit().PutBool(installer.KeyAutoDelete, cfg.PolicyOptions.AutoDeleteUpdates).Apply(); err != nil {
		return nil, fmt.Errorf("failed to store update policy: %w", err)
	}

	notifiers := registry.Notifiers{notifier.NewLogNotifier(nil)}

	var client mqtt.Client
	if cfg.MqttOptions.Enabled {
		client, err = mqtt.NewClient(cfg.MqttOptions.ToClientConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to init mqtt client: %w", err)
		}
		notifiers = append(notifiers, notifier.NewMQTTNotifier(client, cfg.MqttOptions.Topics()))
	}

	updates := registry.New(notifiers)
	if err := os.MkdirAll(cfg.RegistryOptions.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create update dir: %w", err)
	}
	if _, err := updates.LoadDir(cfg.RegistryOptions.Dir, cfg.RegistryOptions.Ext); err != nil {
		return nil, err
	}

	backend, rebooter, closer, err := cfg.newBackend()
	if err != nil {
		return nil, fmt.Errorf("failed to init flasher backend: %w", err)
	}

	ctrl, err := installer.New(store, updates, backend, installer.Config{Kind: cfg.StoreOptions.Kind})
	if err != nil {
		closer()
		return nil, fmt.Errorf("failed to recover installer: %w", err)
	}

	var httpOpts []httpserver.Option
	if rebooter != nil {
		httpOpts = append(httpOpts, httpserver.WithRebooter(rebooter))
	}
	httpOpts = append(httpOpts, httpserver.WithReadiness(func() error {
		_, err := store.Bool(installer.KeyNeedsReboot, false)
		return err
	}))

	d = &Daemon{
		store:        store,
		registry:     updates,
		controller:   ctrl,
		server:       httpserver.NewServer(cfg.HttpOptions, ctrl, updates, httpOpts...),
		closeBackend: closer,
		mqtt:         client,
		logger:       log.WithName("daemon"),
	}
	if cfg.RegistryOptions.Watch {
		d.watcher = registry.NewWatcher(updates, cfg.RegistryOptions.Dir, cfg.RegistryOptions.Ext)
	}
	if client != nil {
		d.commands = newCommandHandler(ctrl, client, cfg.MqttOptions.Topics())
		d.topics = cfg.MqttOptions.Topics()
	}
	return d, nil
}

// newBackend builds the configured flasher. The rebooter is only set for the
// simulated backend.
func (cfg *Config) newBackend() (flasher.Backend, httpserver.Rebooter, func(), error) {
	o := cfg.FlasherOptions

	switch o.Backend {
	case options.FlasherBackendSim:
		sim, err := flasher.NewSimBackend(flasher.SimConfig{
			StateDir:     o.StateDir,
			StepInterval: o.StepInterval,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return sim, sim, func() { _ = sim.Close() }, nil

	case options.FlasherBackendExec:
		ex, err := flasher.NewExecBackend(flasher.ExecConfig{
			StateDir: o.StateDir,
			Command:  o.Command,
			Args:     o.Args,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return ex, nil, ex.Wait, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown flasher backend %q", o.Backend)
	}
}
