package options

import (
	"errors"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*StoreOptions)(nil)

// StoreOptions configures the durable installer state.
type StoreOptions struct {
	// Path of the bolt database file.
	Path string `json:"path" mapstructure:"path"`

	// Timeout is how long to wait for the database file lock.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// Kind names the update kind in the installing id key.
	Kind string `json:"kind" mapstructure:"kind"`
}

func NewStoreOptions() *StoreOptions {
	return &StoreOptions{
		Path:    "/var/lib/sysflash/state.db",
		Timeout: 5 * time.Second,
		Kind:    "system",
	}
}

func (o *StoreOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if o.Path == "" {
		errs = append(errs, errors.New("store.path must not be empty"))
	}
	if o.Timeout <= 0 {
		errs = append(errs, errors.New("store.timeout must be positive"))
	}
	if o.Kind == "" {
		errs = append(errs, errors.New("store.kind must not be empty"))
	}
	return errs
}

func (o *StoreOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Path, "store.path", o.Path, "Path of the durable state database.")
	fs.DurationVar(&o.Timeout, "store.timeout", o.Timeout, "How long to wait for the state database lock.")
	fs.StringVar(&o.Kind, "store.kind", o.Kind, "Update kind recorded in the installing id key.")
}
