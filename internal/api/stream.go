// ABOUTME: Server-sent event stream of audit events as they are recorded
// ABOUTME: Filters by agent and minimum severity; keepalive comments hold idle proxies open

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-warden/internal/store"
)

// streamKeepalive is how often an idle stream sends a comment line.
var streamKeepalive = 15 * time.Second

// handleEventStream handles GET /api/events/stream.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendJSONError(w, http.StatusInternalServerError, CodeInternal, "streaming not supported")
		return
	}

	q := r.URL.Query()
	minSeverity := store.Severity(strings.ToUpper(q.Get("severity")))
	if minSeverity != "" && !validSeverity(minSeverity) {
		s.sendJSONError(w, http.StatusBadRequest, CodeBadRequest, "severity must be INFO, WARNING or CRITICAL")
		return
	}
	eventType := q.Get("type")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := s.coord.SubscribeEvents(ctx, q.Get("agent_id"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	ticker := time.NewTicker(streamKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Severity.Rank() < minSeverity.Rank() || (eventType != "" && e.Type != eventType) {
				continue
			}
			s.writeSSEEvent(w, e)
			flusher.Flush()
		}
	}
}

func (s *Server) writeSSEEvent(w http.ResponseWriter, e *store.SystemEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "id: %s\n", e.ID)
	fmt.Fprintf(w, "event: %s\n", e.Type)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
