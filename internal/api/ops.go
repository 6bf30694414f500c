// ABOUTME: Fleet health, audit log and recovery handlers
// ABOUTME: Operator intents start recoveries and queue lifecycle commands

package api

import (
	"net/http"
	"strings"

	"github.com/2389/coven-warden/internal/lifecycle"
	"github.com/2389/coven-warden/internal/recovery"
	"github.com/2389/coven-warden/internal/store"
)

// RecoverRequest is the JSON body for POST /api/agents/{id}/recover.
type RecoverRequest struct {
	Issue string `json:"issue"`
}

// CommandRequest is the JSON body for POST /api/agents/{id}/commands.
type CommandRequest struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// handleSummary handles GET /api/health.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.coord.HealthSummary(r.Context())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// handleEvents handles GET /api/events?severity=&agent_id=&type=&since=&limit=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EventFilter{
		AgentID: q.Get("agent_id"),
		Type:    q.Get("type"),
	}

	if sev := store.Severity(strings.ToUpper(q.Get("severity"))); sev != "" {
		if !validSeverity(sev) {
			s.sendJSONError(w, http.StatusBadRequest, CodeBadRequest, "severity must be INFO, WARNING or CRITICAL")
			return
		}
		filter.MinSeverity = sev
	}
	if raw := q.Get("since"); raw != "" {
		since, err := parseTime(raw, s.now())
		if err != nil {
			s.sendJSONError(w, http.StatusBadRequest, CodeBadRequest, "invalid since: "+err.Error())
			return
		}
		filter.Since = &since
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	filter.Limit = limit

	events, err := s.coord.RecentEvents(r.Context(), filter)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if events == nil {
		events = []*store.SystemEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleRecoveries handles GET /api/recoveries?agent_id=&limit=.
func (s *Server) handleRecoveries(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	recs, err := s.coord.RecentRecoveries(r.Context(), r.URL.Query().Get("agent_id"), limit)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*store.RecoveryAction{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleRecoveryStats handles GET /api/recoveries/stats.
func (s *Server) handleRecoveryStats(w http.ResponseWriter, r *http.Request) {
	stats := s.coord.RecoveryStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents":    stats.Incidents,
		"succeeded":    stats.Succeeded,
		"exhausted":    stats.Exhausted,
		"actions_run":  stats.ActionsRun,
		"success_rate": stats.SuccessRate(),
	})
}

// handleRecover handles POST /api/agents/{id}/recover. It blocks until the
// incident finishes and returns the recorded RecoveryAction; an exhausted
// plan answers 409 with the record's outcome in the audit log.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	issue, err := recovery.ParseIssue(strings.ToUpper(req.Issue))
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	record, err := s.coord.Recover(r.Context(), r.PathValue("id"), issue)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleSendCommand handles POST /api/agents/{id}/commands.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	cmd, err := s.coord.SendCommand(r.Context(), r.PathValue("id"), lifecycle.CommandType(req.Type), req.Reason)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

// handlePendingCommands handles GET /api/agents/{id}/commands.
func (s *Server) handlePendingCommands(w http.ResponseWriter, r *http.Request) {
	cmds := s.coord.PendingCommands(r.PathValue("id"))
	if cmds == nil {
		cmds = []lifecycle.Command{}
	}
	writeJSON(w, http.StatusOK, cmds)
}

func validSeverity(sev store.Severity) bool {
	switch sev {
	case store.SeverityInfo, store.SeverityWarning, store.SeverityCritical:
		return true
	}
	return false
}
