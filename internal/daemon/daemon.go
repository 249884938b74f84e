// Package daemon wires the installer, the update registry and the servers
// into the sysflashd process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/sysflash/internal/installer"
	"github.com/autopeer-io/sysflash/internal/pkg/prefs"
	"github.com/autopeer-io/sysflash/internal/registry"
	httpserver "github.com/autopeer-io/sysflash/internal/server/http"
	"github.com/autopeer-io/sysflash/pkg/log"
	"github.com/autopeer-io/sysflash/pkg/mqtt"
	"github.com/autopeer-io/sysflash/pkg/mqtt/topic"
)

// Daemon is a configured sysflashd process. Build it with Config.NewDaemon.
type Daemon struct {
	store        prefs.Store
	registry     *registry.Registry
	controller   *installer.Controller
	server       *httpserver.Server
	watcher      *registry.Watcher
	closeBackend func()

	mqtt     mqtt.Client
	stopMqtt context.CancelFunc
	topics   *topic.Builder
	commands *commandHandler

	logger log.Logger
}

// Run serves until ctx is done. An installation left by an earlier process
// is reconnected first so its outcome is not lost.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.close()

	d.logger.Info("Starting sysflashd", "state", d.controller.Status().State)

	if d.controller.IsInstallingUpdate() {
		if err := d.controller.Reconnect(ctx); err != nil && !errors.Is(err, installer.ErrNotInstalling) {
			d.logger.Error(err, "Could not reconnect to the flasher, retry through the API")
		}
	}

	if d.mqtt != nil {
		// The connection outlives ctx so the offline flag can still be published on shutdown.
		mqttCtx, cancel := context.WithCancel(context.Background())
		d.stopMqtt = cancel
		if err := d.mqtt.Start(mqttCtx); err != nil {
			return fmt.Errorf("failed to start mqtt client: %w", err)
		}
		if err := d.mqtt.Subscribe(ctx, d.topics.Commands(), 1, d.commands.handle); err != nil {
			d.logger.Error(err, "Failed to subscribe to commands")
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.controller.Run(ctx)
	})

	g.Go(func() error {
		return d.server.Start(ctx)
	})

	if d.watcher != nil {
		g.Go(func() error {
			return d.watcher.Run(ctx)
		})
	}

	err := g.Wait()
	d.logger.Info("sysflashd shutting down")
	return err
}

func (d *Daemon) close() {
	if d.mqtt != nil && d.mqtt.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = d.mqtt.Publish(ctx, d.topics.Online(), 1, true, []byte("false"))
		d.mqtt.Disconnect(ctx)
		cancel()
	}
	if d.stopMqtt != nil {
		d.stopMqtt()
	}
	if d.closeBackend != nil {
		d.closeBackend()
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error(err, "Failed to close state store")
	}
}
