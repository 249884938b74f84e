package options

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

const (
	FlasherBackendSim  = "sim"
	FlasherBackendExec = "exec"
)

var _ IOptions = (*FlasherOptions)(nil)

// FlasherOptions selects and configures the flasher backend.
type FlasherOptions struct {
	// Backend is "sim" or "exec".
	Backend string `json:"backend" mapstructure:"backend"`

	// StateDir keeps the backend's session record across restarts.
	StateDir string `json:"state-dir" mapstructure:"state-dir"`

	// StepInterval paces the simulated backend.
	StepInterval time.Duration `json:"step-interval" mapstructure:"step-interval"`

	// Command and Args run the exec backend's helper. The image path is appended.
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args" mapstructure:"args"`
}

func NewFlasherOptions() *FlasherOptions {
	return &FlasherOptions{
		Backend:      FlasherBackendSim,
		StateDir:     "/var/lib/sysflash/flasher",
		StepInterval: time.Second,
	}
}

func (o *FlasherOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	switch o.Backend {
	case FlasherBackendSim:
		if o.StepInterval <= 0 {
			errs = append(errs, errors.New("flasher.step-interval must be positive"))
		}
	case FlasherBackendExec:
		if o.Command == "" {
			errs = append(errs, errors.New("flasher.command is required by the exec backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("flasher.backend must be %q or %q, got %q", FlasherBackendSim, FlasherBackendExec, o.Backend))
	}
	if o.StateDir == "" {
		errs = append(errs, errors.New("flasher.state-dir must not be empty"))
	}
	return errs
}

func (o *FlasherOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Backend, "flasher.backend", o.Backend, "Flasher backend: 'sim' simulates flashing, 'exec' runs a helper command.")
	fs.StringVar(&o.StateDir, "flasher.state-dir", o.StateDir, "Directory holding the flasher session record.")
	fs.DurationVar(&o.StepInterval, "flasher.step-interval", o.StepInterval, "Delay between progress reports of the simulated backend.")
	fs.StringVar(&o.Command, "flasher.command", o.Command, "Helper command run by the exec backend.")
	fs.StringSliceVar(&o.Args, "flasher.args", o.Args, "Arguments passed to the helper before the image path.")
}
