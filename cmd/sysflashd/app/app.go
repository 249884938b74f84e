package app

import (
	"context"
	"flag"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/component-base/cli/globalflag"

	"github.com/autopeer-io/sysflash/cmd/sysflashd/app/options"
	"github.com/autopeer-io/sysflash/pkg/log"
)

const (
	commandName = "sysflashd"
	commandDesc = `sysflashd installs system images on the device. It keeps the state of an
installation across restarts, reports progress locally and over MQTT, and
hands images to the flasher backend.`
)

// NewSysflashdCommand builds the root command. ctx ends the daemon.
func NewSysflashdCommand(ctx context.Context) *cobra.Command {
	opts := options.NewDaemonOptions()
	var cfgFile string

	cmd := &cobra.Command{
		Use:          commandName,
		Short:        "Launch the system image installer daemon",
		Long:         commandDesc,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cfgFile, cmd.Flags(), opts)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}

			log.Init(opts.Log)
			defer func() { _ = log.Sync() }()

			cfg, err := opts.Config()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			d, err := cfg.NewDaemon()
			if err != nil {
				log.Error(err, "failed to create daemon")
				return err
			}

			return d.Run(ctx)
		},
	}

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	fs := cmd.PersistentFlags()
	fs.StringVar(&cfgFile, "config", "", "Path to a configuration file (yaml, json or toml).")
	namedfs := opts.Flags()
	globalflag.AddGlobalFlags(namedfs.FlagSet("global"), cmd.Name())
	for _, f := range namedfs.FlagSets {
		fs.AddFlagSet(f)
	}

	cmd.AddCommand(
		newStatusCommand(ctx, opts),
		newInstallCommand(ctx, opts),
		newReconnectCommand(ctx, opts),
		newCancelCommand(ctx, opts),
	)

	return cmd
}
