// ABOUTME: Agent intent and agent read handlers
// ABOUTME: Register, heartbeat and metric intents are checked against the caller's token

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-warden/internal/auth"
	"github.com/2389/coven-warden/internal/coordinator"
	"github.com/2389/coven-warden/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

// authorize rejects agent tokens acting for another agent.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, agentID string) bool {
	if auth.FromContext(r.Context()).CanActFor(agentID) {
		return true
	}
	s.sendJSONError(w, http.StatusForbidden, CodeForbidden, "token may not act for agent "+agentID)
	return false
}

// handleRegister handles POST /api/agents.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var d coordinator.Descriptor
	if err := decodeBody(r, &d); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if !s.authorize(w, r, d.ID) {
		return
	}

	reg, err := s.coord.RegisterAgent(r.Context(), d)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

// handleHeartbeat handles POST /api/agents/{id}/heartbeat.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if !s.authorize(w, r, agentID) {
		return
	}

	var hb coordinator.Heartbeat
	if err := decodeBody(r, &hb); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = s.now()
	}

	ack, err := s.coord.ReceiveHeartbeat(r.Context(), agentID, hb)
	if err != nil {
		s.sendErrorWithCommands(w, r, err, ack.Commands)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// handleMetric handles POST /api/agents/{id}/metrics with one sample or a list.
func (s *Server) handleMetric(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if !s.authorize(w, r, agentID) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, CodeBadRequest, "unreadable body")
		return
	}
	var samples []coordinator.MetricSample
	if err := json.Unmarshal(body, &samples); err != nil {
		var one coordinator.MetricSample
		if err := json.Unmarshal(body, &one); err != nil {
			s.sendJSONError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
			return
		}
		samples = []coordinator.MetricSample{one}
	}

	for _, sample := range samples {
		if err := s.coord.RecordMetric(r.Context(), agentID, sample); err != nil {
			s.sendError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"recorded": len(samples)})
}

// handleListAgents handles GET /api/agents.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.coord.ListAgents(r.Context())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if agents == nil {
		agents = []*store.AgentRecord{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// handleGetAgent handles GET /api/agents/{id}.
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.coord.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// handleHeartbeats handles GET /api/agents/{id}/heartbeats?since=&until=.
// The window defaults to the last hour; bounds are RFC 3339.
func (s *Server) handleHeartbeats(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	since, err := parseTime(r.URL.Query().Get("since"), now.Add(-time.Hour))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, CodeBadRequest, "invalid since: "+err.Error())
		return
	}
	until, err := parseTime(r.URL.Query().Get("until"), now)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, CodeBadRequest, "invalid until: "+err.Error())
		return
	}

	hbs, err := s.coord.Heartbeats(r.Context(), r.PathValue("id"), since, until)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if hbs == nil {
		hbs = []*store.HeartbeatRecord{}
	}
	writeJSON(w, http.StatusOK, hbs)
}

func parseTime(raw string, def time.Time) (time.Time, error) {
	if raw == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}
