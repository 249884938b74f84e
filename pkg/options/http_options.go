package options

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*HttpOptions)(nil)

// HttpOptions configures the local API. The CLI subcommands use the same
// values to find the daemon.
type HttpOptions struct {
	// Network is "tcp", "tcp4" or "tcp6".
	Network string `json:"network" mapstructure:"network"`

	// Addr is the listen address. Keep it on loopback unless the API is
	// protected by other means.
	Addr string `json:"addr" mapstructure:"addr"`

	// Timeout bounds each request on the server and in the CLI client.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

func NewHttpOptions() *HttpOptions {
	return &HttpOptions{
		Network: "tcp",
		Addr:    "127.0.0.1:8478",
		Timeout: 30 * time.Second,
	}
}

func (o *HttpOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	switch o.Network {
	case "tcp", "tcp4", "tcp6":
	default:
		errs = append(errs, fmt.Errorf("http.network %q is not a tcp network", o.Network))
	}
	if err := ValidateAddress(o.Addr); err != nil {
		errs = append(errs, err)
	}
	if o.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be positive"))
	}
	return errs
}

func (o *HttpOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Network, "http.network", o.Network, "Network of the local API listener.")
	fs.StringVar(&o.Addr, "http.addr", o.Addr, "Listen address (host:port) of the local API.")
	fs.DurationVar(&o.Timeout, "http.timeout", o.Timeout, "Per-request timeout of the local API and its CLI client.")
}

// URL returns the base URL clients use to reach the API.
func (o *HttpOptions) URL() string {
	return "http://" + o.Addr
}
