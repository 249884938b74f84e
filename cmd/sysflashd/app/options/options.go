package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/sysflash/internal/daemon"
	"github.com/autopeer-io/sysflash/pkg/log"
	"github.com/autopeer-io/sysflash/pkg/options"
)

// DaemonOptions holds every sysflashd setting. The mapstructure tags follow
// the flag prefixes so config files, SYSFLASH_* variables and flags share keys.
type DaemonOptions struct {
	StoreOptions    *options.StoreOptions    `json:"store" mapstructure:"store"`
	FlasherOptions  *options.FlasherOptions  `json:"flasher" mapstructure:"flasher"`
	RegistryOptions *options.RegistryOptions `json:"registry" mapstructure:"registry"`
	HttpOptions     *options.HttpOptions     `json:"http" mapstructure:"http"`
	MqttOptions     *options.MqttOptions     `json:"mqtt" mapstructure:"mqtt"`
	PolicyOptions   *options.PolicyOptions   `json:"policy" mapstructure:"policy"`
	Log             *log.Options             `json:"log" mapstructure:"log"`
}

func NewDaemonOptions() *DaemonOptions {
	return &DaemonOptions{
		StoreOptions:    options.NewStoreOptions(),
		FlasherOptions:  options.NewFlasherOptions(),
		RegistryOptions: options.NewRegistryOptions(),
		HttpOptions:     options.NewHttpOptions(),
		MqttOptions:     options.NewMqttOptions(),
		PolicyOptions:   options.NewPolicyOptions(),
		Log:             log.NewOptions(),
	}
}

func (o *DaemonOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.StoreOptions.AddFlags(fss.FlagSet("store"))
	o.FlasherOptions.AddFlags(fss.FlagSet("flasher"))
	o.RegistryOptions.AddFlags(fss.FlagSet("registry"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.PolicyOptions.AddFlags(fss.FlagSet("policy"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *DaemonOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.StoreOptions.Validate()...)
	errs = append(errs, o.FlasherOptions.Validate()...)
	errs = append(errs, o.RegistryOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.PolicyOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *DaemonOptions) Config() (*daemon.Config, error) {
	return &daemon.Config{
		StoreOptions:    o.StoreOptions,
		FlasherOptions:  o.FlasherOptions,
		RegistryOptions: o.RegistryOptions,
		HttpOptions:     o.HttpOptions,
		MqttOptions:     o.MqttOptions,
		PolicyOptions:   o.PolicyOptions,
	}, nil
}
