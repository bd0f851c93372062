package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/pureboot/pureboot/pkg/clone"
	"github.com/pureboot/pureboot/pkg/registry"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/workflow"
)

// envelope is the uniform success wrapper.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// errorBody is the uniform error wrapper.
type errorBody struct {
	Detail string `json:"detail"`
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) respondMessage(w http.ResponseWriter, status int, data any, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Message: message}); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Detail: err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(errorBody{Detail: detail})
}

// statusFor maps domain errors onto HTTP codes: validation and failed
// preconditions 400, missing 404, duplicate-resource conflicts 409,
// everything unexpected 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidMAC),
		errors.Is(err, registry.ErrInvalidSerial),
		errors.Is(err, registry.ErrInvalidGroupName),
		errors.Is(err, registry.ErrGroupCycle),
		errors.Is(err, registry.ErrInvalidTransition),
		errors.Is(err, registry.ErrRetryLimitExceeded),
		errors.Is(err, clone.ErrInvalidSessionState),
		errors.Is(err, clone.ErrProgressNotMonotonic),
		errors.Is(err, clone.ErrNoTarget),
		errors.Is(err, workflow.ErrStepMismatch):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrDuplicate),
		errors.Is(err, registry.ErrGroupNotEmpty),
		errors.Is(err, workflow.ErrExecutionNotRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
