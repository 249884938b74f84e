package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/autopeer-io/sysflash/internal/installer"
	"github.com/autopeer-io/sysflash/pkg/log"
)

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	installer.Status
	Updates int `json:"updates"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if err := s.ready(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Status:  s.installer.Status(),
		Updates: len(s.updates.List()),
	})
}

func (s *Server) handleListUpdates(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.updates.List())
}

func (s *Server) handleGetUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	u, ok := s.updates.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, installer.ErrUnknownUpdate)
		return
	}
	s.writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.installer.Install(r.Context(), id); err != nil {
		log.FromContext(r.Context()).Info("Install request rejected", "update", id, "error", err)
		s.writeError(w, installStatusCode(err), err)
		return
	}

	u, _ := s.updates.Get(id)
	s.writeJSON(w, http.StatusAccepted, u)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.installer.Reconnect(r.Context()); err != nil {
		s.writeError(w, installStatusCode(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.installer.Status())
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	err := s.installer.Cancel()
	if err == nil {
		s.writeJSON(w, http.StatusOK, s.installer.Status())
		return
	}
	s.writeError(w, installStatusCode(err), err)
}

func (s *Server) handleReboot(w http.ResponseWriter, _ *http.Request) {
	if s.rebooter == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("reboot is not supported by this flasher backend"))
		return
	}
	if err := s.rebooter.Reboot(); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// installStatusCode maps controller errors to HTTP status codes.
func installStatusCode(err error) int {
	switch {
	case errors.Is(err, installer.ErrUnknownUpdate):
		return http.StatusNotFound
	case errors.Is(err, installer.ErrAlreadyInstalling),
		errors.Is(err, installer.ErrNotInstalling),
		errors.Is(err, installer.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, installer.ErrFileMissing):
		return http.StatusUnprocessableEntity
	case errors.Is(err, installer.ErrBindFailed),
		errors.Is(err, installer.ErrFlashRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(err, "Could not write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, ErrorResponse{Error: err.Error()})
}
