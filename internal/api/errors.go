// ABOUTME: JSON error responses with stable codes for API clients
// ABOUTME: Maps domain sentinel errors to HTTP statuses and back

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/coven-warden/internal/coordinator"
	"github.com/2389/coven-warden/internal/lifecycle"
	"github.com/2389/coven-warden/internal/recovery"
	"github.com/2389/coven-warden/internal/store"
)

// Error codes carried in the "code" field of error responses.
const (
	CodeDuplicateAgent     = "duplicate_agent"
	CodeHeartbeatStale     = "heartbeat_stale"
	CodeInvalidTransition  = "invalid_transition"
	CodeInvalidHeartbeat   = "invalid_heartbeat"
	CodeInvalidDescriptor  = "invalid_descriptor"
	CodeNotFound           = "not_found"
	CodeAgentShutdown      = "agent_shutdown"
	CodeStoreUnavailable   = "store_unavailable"
	CodeRecoveryExhausted  = "recovery_exhausted"
	CodeRecoveryInProgress = "recovery_in_progress"
	CodeUnknownIssue       = "unknown_issue"
	CodeUnknownCommand     = "unknown_command"
	CodeStopped            = "coordinator_stopped"
	CodeBadRequest         = "bad_request"
	CodeForbidden          = "forbidden"
	CodeInternal           = "internal"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	// Commands delivered alongside a rejected heartbeat.
	Commands []lifecycle.Command `json:"commands,omitempty"`
}

// errorMapping pairs a sentinel with its status and code. Order matters:
// the first match wins.
var errorMapping = []struct {
	err    error
	status int
	code   string
}{
	{store.ErrDuplicateAgentID, http.StatusConflict, CodeDuplicateAgent},
	{coordinator.ErrAgentShutdown, http.StatusConflict, CodeAgentShutdown},
	{store.ErrHeartbeatStale, http.StatusConflict, CodeHeartbeatStale},
	{lifecycle.ErrInvalidStateTransition, http.StatusConflict, CodeInvalidTransition},
	{recovery.ErrRecoveryInProgress, http.StatusConflict, CodeRecoveryInProgress},
	{recovery.ErrRecoveryExhausted, http.StatusConflict, CodeRecoveryExhausted},
	{coordinator.ErrInvalidHeartbeat, http.StatusBadRequest, CodeInvalidHeartbeat},
	{coordinator.ErrInvalidDescriptor, http.StatusBadRequest, CodeInvalidDescriptor},
	{recovery.ErrUnknownIssue, http.StatusBadRequest, CodeUnknownIssue},
	{lifecycle.ErrUnknownCommand, http.StatusBadRequest, CodeUnknownCommand},
	{store.ErrNotFound, http.StatusNotFound, CodeNotFound},
	{store.ErrStoreUnavailable, http.StatusServiceUnavailable, CodeStoreUnavailable},
	{coordinator.ErrStopped, http.StatusServiceUnavailable, CodeStopped},
}

// statusFor maps err to an HTTP status and error code.
func statusFor(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

// ErrorForCode maps a response code back to its sentinel, nil when unknown.
func ErrorForCode(code string) error {
	for _, m := range errorMapping {
		if m.code == code {
			return m.err
		}
	}
	return nil
}

func (s *Server) sendJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// sendError maps a domain error to a response. Unmapped errors are logged
// and reported as 500 without their text.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	s.sendErrorWithCommands(w, r, err, nil)
}

func (s *Server) sendErrorWithCommands(w http.ResponseWriter, r *http.Request, err error, cmds []lifecycle.Command) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code, Commands: cmds})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
