package options

import (
	"errors"
	"strings"

	"github.com/spf13/pflag"
)

var _ IOptions = (*RegistryOptions)(nil)

// RegistryOptions configures where update images are found.
type RegistryOptions struct {
	// Dir holds verified images named <id><ext>.
	Dir string `json:"dir" mapstructure:"dir"`

	// Ext is the image file extension.
	Ext string `json:"ext" mapstructure:"ext"`

	// Watch follows the directory for images added or removed at runtime.
	Watch bool `json:"watch" mapstructure:"watch"`
}

func NewRegistryOptions() *RegistryOptions {
	return &RegistryOptions{
		Dir:   "/data/sysflash/updates",
		Ext:   ".zip",
		Watch: true,
	}
}

func (o *RegistryOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if o.Dir == "" {
		errs = append(errs, errors.New("registry.dir must not be empty"))
	}
	if !strings.HasPrefix(o.Ext, ".") || len(o.Ext) < 2 {
		errs = append(errs, errors.New("registry.ext must look like '.zip'"))
	}
	return errs
}

func (o *RegistryOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Dir, "registry.dir", o.Dir, "Directory holding verified update images.")
	fs.StringVar(&o.Ext, "registry.ext", o.Ext, "File extension of update images.")
	fs.BoolVar(&o.Watch, "registry.watch", o.Watch, "Watch the update directory for changes.")
}
