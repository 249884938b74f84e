package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every sysflash collector plus the process and Go runtime ones.
var Registry = prometheus.NewRegistry()

var (
	// InstallAttempts counts install requests by result:
	// accepted, already_installing, file_missing, bind_failed, flash_rejected, unknown_update.
	InstallAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysflash_install_attempts_total",
			Help: "Total number of install requests by result.",
		},
		[]string{"result"},
	)

	// InstallResults counts finished installations by outcome: installed, failed, reset.
	InstallResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysflash_install_results_total",
			Help: "Total number of finished installations by outcome.",
		},
		[]string{"outcome"},
	)

	// InstallProgress is the progress of the running installation, 0 when idle.
	InstallProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sysflash_install_progress_percent",
			Help: "Progress of the running installation in percent.",
		},
	)

	// InstallerState is 1 for the current controller state and 0 for the others.
	InstallerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sysflash_installer_state",
			Help: "Current state of the installation controller (1 = active).",
		},
		[]string{"state"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		InstallAttempts,
		InstallResults,
		InstallProgress,
		InstallerState,
	)
}

// SetState marks state as the only active installer state.
func SetState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		InstallerState.WithLabelValues(s).Set(v)
	}
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
