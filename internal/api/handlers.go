package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleettrack/device-gateway/internal/dispatch"
	"github.com/fleettrack/device-gateway/internal/storage"
	"github.com/fleettrack/device-gateway/internal/validation"
)

// respondJSON writes a JSON response
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("Failed to encode response")
		}
	}
}

// respondError writes an error response
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// HandleHealth handles health checks
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"activeSessions":  s.sessions.Len(),
		"pendingCommands": s.commands.PendingCount(),
	})
}

// HandleLogin handles operator login
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Username != s.config.API.Username ||
		!s.auth.VerifyPassword(req.Password, s.config.API.PasswordHash) {
		log.Warn().Str("username", req.Username).Msg("Failed login attempt")
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.auth.GenerateToken(req.Username)
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate token")
		s.respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"accessToken": token})
}

// HandleGetDevice returns a device registry row with its live session,
// if one exists.
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	device, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		log.Error().Err(err).Str("deviceId", id.String()).Msg("Failed to get device")
		s.respondError(w, http.StatusInternalServerError, "failed to get device")
		return
	}

	resp := map[string]interface{}{"device": device}
	if info, ok := s.sessions.Get(device.IMEI); ok {
		resp["session"] = info
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// HandleSubmitCommand accepts a command for a device. The command is
// delivered immediately when the device is connected, queued otherwise;
// either way the caller gets the command ID to poll.
func (s *RESTServer) HandleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	command, err := validation.ValidateCommand(req.Command)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	device, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		log.Error().Err(err).Str("deviceId", id.String()).Msg("Failed to get device")
		s.respondError(w, http.StatusInternalServerError, "failed to get device")
		return
	}

	cmd, err := s.commands.Submit(r.Context(), device, command)
	if err != nil {
		if errors.Is(err, dispatch.ErrAlreadyQueued) {
			s.respondError(w, http.StatusConflict, "command already queued for device")
			return
		}
		log.Error().Err(err).Str("deviceId", id.String()).Msg("Failed to submit command")
		s.respondError(w, http.StatusInternalServerError, "failed to submit command")
		return
	}

	s.respondJSON(w, http.StatusAccepted, cmd)
}

// HandleGetCommand returns the current state of a command.
func (s *RESTServer) HandleGetCommand(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid command id")
		return
	}

	cmd, err := s.commands.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "command not found")
			return
		}
		log.Error().Err(err).Str("commandId", id.String()).Msg("Failed to get command")
		s.respondError(w, http.StatusInternalServerError, "failed to get command")
		return
	}

	s.respondJSON(w, http.StatusOK, cmd)
}

// HandleListSessions lists all live device sessions
func (s *RESTServer) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.sessions.Snapshot(),
	})
}

// HandleSessionStats returns the registry's lifetime counters
func (s *RESTServer) HandleSessionStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.sessions.Stats())
}
