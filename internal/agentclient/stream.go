// ABOUTME: Follows the warden's server-sent audit event stream
// ABOUTME: Parses id/event/data frames and hands each event to a callback

package agentclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/coven-warden/internal/store"
)

// StreamFilter narrows a followed event stream.
type StreamFilter struct {
	AgentID     string
	MinSeverity store.Severity
	Type        string
}

// StreamEvents calls fn for every event the warden publishes until ctx is
// cancelled, the server closes the stream, or fn returns an error. A
// cancelled ctx returns nil.
func (c *Client) StreamEvents(ctx context.Context, filter StreamFilter, fn func(*store.SystemEvent) error) error {
	q := url.Values{}
	if filter.AgentID != "" {
		q.Set("agent_id", filter.AgentID)
	}
	if filter.MinSeverity != "" {
		q.Set("severity", string(filter.MinSeverity))
	}
	if filter.Type != "" {
		q.Set("type", filter.Type)
	}
	path := "/api/events/stream"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// the stream is long-lived, so the client-wide timeout does not apply
	hc := *c.httpClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}

	var data strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var e store.SystemEvent
			if err := json.Unmarshal([]byte(data.String()), &e); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if err := fn(&e); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// id, event and comment lines carry nothing the JSON body lacks
	}

	err = scanner.Err()
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
