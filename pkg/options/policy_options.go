package options

import (
	"github.com/spf13/pflag"
)

var _ IOptions = (*PolicyOptions)(nil)

// PolicyOptions holds user policies the daemon writes to durable state on start.
type PolicyOptions struct {
	// AutoDeleteUpdates removes an update once it is installed.
	AutoDeleteUpdates bool `json:"auto-delete-updates" mapstructure:"auto-delete-updates"`
}

func NewPolicyOptions() *PolicyOptions {
	return &PolicyOptions{}
}

func (o *PolicyOptions) Validate() []error {
	return nil
}

func (o *PolicyOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.AutoDeleteUpdates, "policy.auto-delete-updates", o.AutoDeleteUpdates, "Delete an update after it was installed.")
}
