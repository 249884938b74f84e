// Package http serves the local sysflash API.
package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/autopeer-io/sysflash/internal/installer"
	"github.com/autopeer-io/sysflash/internal/pkg/metrics"
	middleware "github.com/autopeer-io/sysflash/internal/pkg/middleware/http"
	"github.com/autopeer-io/sysflash/internal/registry"
	"github.com/autopeer-io/sysflash/pkg/log"
	"github.com/autopeer-io/sysflash/pkg/options"
)

// Installer is what the API needs from the installation controller.
type Installer interface {
	Install(ctx context.Context, id string) error
	Reconnect(ctx context.Context) error
	Cancel() error
	Status() installer.Status
}

// Updates gives read access to the update registry.
type Updates interface {
	Get(id string) (registry.Update, bool)
	List() []registry.Update
}

// Rebooter restarts the device. Only the simulated flasher provides one.
type Rebooter interface {
	Reboot() error
}

// Option customizes a Server.
type Option func(*Server)

// WithRebooter exposes POST /api/v1/device/reboot.
func WithRebooter(r Rebooter) Option {
	return func(s *Server) { s.rebooter = r }
}

// WithReadiness replaces the readiness check of /readyz.
func WithReadiness(ready func() error) Option {
	return func(s *Server) { s.ready = ready }
}

// Server is the local HTTP API of the daemon.
type Server struct {
	server    *http.Server
	options   *options.HttpOptions
	logger    log.Logger
	installer Installer
	updates   Updates
	rebooter  Rebooter
	ready     func() error
}

// NewServer wires the API handlers to inst and updates. Options add the reboot
// and readiness hooks.
func NewServer(opts *options.HttpOptions, inst Installer, updates Updates, opt ...Option) *Server {
	s := &Server{
		options:   opts,
		logger:    log.WithName("http"),
		installer: inst,
		updates:   updates,
		ready:     func() error { return nil },
	}
	for _, o := range opt {
		o(s)
	}

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.Logging(s.logger), middleware.Timeout(s.options.Timeout))

	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/updates", s.handleListUpdates).Methods(http.MethodGet)
	api.HandleFunc("/updates/{id}", s.handleGetUpdate).Methods(http.MethodGet)
	api.HandleFunc("/updates/{id}/install", s.handleInstall).Methods(http.MethodPost)
	api.HandleFunc("/install/reconnect", s.handleReconnect).Methods(http.MethodPost)
	api.HandleFunc("/install/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/device/reboot", s.handleReboot).Methods(http.MethodPost)

	return router
}

// Handler returns the API handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until ctx is done and then shuts the server down.
func (s *Server) Start(ctx context.Context) error {
	l, err := net.Listen(s.options.Network, s.server.Addr)
	if err != nil {
		return err
	}

	s.logger.Info("Starting HTTP server", "addr", l.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
