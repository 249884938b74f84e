package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/autopeer-io/sysflash/cmd/sysflashd/app/options"
)

const envPrefix = "SYSFLASH"

// loadConfig merges the config file and SYSFLASH_* variables into opts.
// Flags set on the command line take precedence over both.
func loadConfig(cfgFile string, fs *pflag.FlagSet, opts *options.DaemonOptions) error {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(commandName)
		v.AddConfigPath("/etc/sysflash")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(opts); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}
