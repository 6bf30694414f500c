// ABOUTME: HTTP client for the warden API used by remote agents and the CLI
// ABOUTME: Error responses are mapped back to the coordinator's sentinel errors

package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-warden/internal/api"
	"github.com/2389/coven-warden/internal/coordinator"
	"github.com/2389/coven-warden/internal/lifecycle"
	"github.com/2389/coven-warden/internal/recovery"
	"github.com/2389/coven-warden/internal/store"
)

// APIError is a non-2xx response. It unwraps to the matching sentinel so
// callers can use errors.Is(err, store.ErrHeartbeatStale) and friends.
type APIError struct {
	Status   int
	Code     string
	Message  string
	Commands []lifecycle.Command
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("warden returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("warden returned %d (%s): %s", e.Status, e.Code, e.Message)
}

// Unwrap returns the sentinel for the response code. Unknown codes and
// 5xx responses without one count as store unavailability so callers retry.
func (e *APIError) Unwrap() error {
	if err := api.ErrorForCode(e.Code); err != nil {
		return err
	}
	if e.Status >= 500 {
		return store.ErrStoreUnavailable
	}
	return nil
}

// Client talks to one warden.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the warden at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
// Transport failures are reported as store unavailability.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	var er api.ErrorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		apiErr.Code = er.Code
		apiErr.Message = er.Error
		apiErr.Commands = er.Commands
	}
	return apiErr
}

// RegisterAgent registers a descriptor.
func (c *Client) RegisterAgent(ctx context.Context, d coordinator.Descriptor) (*coordinator.Registration, error) {
	var reg coordinator.Registration
	if err := c.do(ctx, http.MethodPost, "/api/agents", d, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// ReceiveHeartbeat delivers a heartbeat and returns the acknowledgement.
func (c *Client) ReceiveHeartbeat(ctx context.Context, agentID string, hb coordinator.Heartbeat) (coordinator.Ack, error) {
	var ack coordinator.Ack
	err := c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/heartbeat", hb, &ack)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// A rejected heartbeat can still carry commands.
		ack.AgentID = agentID
		ack.Commands = apiErr.Commands
	}
	return ack, err
}

// RecordMetrics submits metric samples outside the heartbeat.
func (c *Client) RecordMetrics(ctx context.Context, agentID string, samples ...coordinator.MetricSample) error {
	return c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/metrics", samples, nil)
}

// ListAgents returns every registered agent.
func (c *Client) ListAgents(ctx context.Context) ([]*store.AgentRecord, error) {
	var agents []*store.AgentRecord
	err := c.do(ctx, http.MethodGet, "/api/agents", nil, &agents)
	return agents, err
}

// GetAgent returns one agent.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*store.AgentRecord, error) {
	var agent store.AgentRecord
	if err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(agentID), nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// Heartbeats returns an agent's heartbeats since the given time, oldest first.
func (c *Client) Heartbeats(ctx context.Context, agentID string, since time.Time) ([]*store.HeartbeatRecord, error) {
	path := "/api/agents/" + url.PathEscape(agentID) + "/heartbeats"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}
	var hbs []*store.HeartbeatRecord
	err := c.do(ctx, http.MethodGet, path, nil, &hbs)
	return hbs, err
}

// HealthSummary returns the fleet health report.
func (c *Client) HealthSummary(ctx context.Context) (coordinator.Summary, error) {
	var sum coordinator.Summary
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &sum)
	return sum, err
}

// Events returns audit events matching filter, newest first.
func (c *Client) Events(ctx context.Context, filter store.EventFilter) ([]*store.SystemEvent, error) {
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
	if filter.Since != nil {
		q.Set("since", filter.Since.UTC().Format(time.RFC3339))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	path := "/api/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var events []*store.SystemEvent
	err := c.do(ctx, http.MethodGet, path, nil, &events)
	return events, err
}

// Recoveries returns recorded recovery incidents, newest first.
func (c *Client) Recoveries(ctx context.Context, agentID string, limit int) ([]*store.RecoveryAction, error) {
	q := url.Values{}
	if agentID != "" {
		q.Set("agent_id", agentID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/recoveries"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var recs []*store.RecoveryAction
	err := c.do(ctx, http.MethodGet, path, nil, &recs)
	return recs, err
}

// RecoveryStats returns the cumulative recovery counters.
func (c *Client) RecoveryStats(ctx context.Context) (recovery.Stats, error) {
	var stats recovery.Stats
	err := c.do(ctx, http.MethodGet, "/api/recoveries/stats", nil, &stats)
	return stats, err
}

// Recover runs a recovery incident and waits for the outcome.
func (c *Client) Recover(ctx context.Context, agentID, issue string) (*store.RecoveryAction, error) {
	var rec store.RecoveryAction
	err := c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/recover", api.RecoverRequest{Issue: issue}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SendCommand queues a lifecycle command for the agent.
func (c *Client) SendCommand(ctx context.Context, agentID string, cmdType lifecycle.CommandType, reason string) (lifecycle.Command, error) {
	var cmd lifecycle.Command
	err := c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/commands",
		api.CommandRequest{Type: string(cmdType), Reason: reason}, &cmd)
	return cmd, err
}

// PendingCommands lists commands queued for the agent and not yet delivered.
func (c *Client) PendingCommands(ctx context.Context, agentID string) ([]lifecycle.Command, error) {
	var cmds []lifecycle.Command
	err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(agentID)+"/commands", nil, &cmds)
	return cmds, err
}

// Ready reports whether the warden is serving with its store attached.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/health/ready", nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		return false, nil
	}
	return err == nil, err
}
