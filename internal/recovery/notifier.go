// ABOUTME: Escalation notifiers for incidents the engine could not resolve
// ABOUTME: Log notifier is always on; webhook notifier POSTs JSON to an operator channel

package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/coven-warden/internal/store"
)

// Escalation describes an incident handed to a human operator.
type Escalation struct {
	AgentID   string                `json:"agent_id"`
	Issue     Issue                 `json:"issue"`
	Reason    string                `json:"reason"`
	Actions   []store.ActionOutcome `json:"actions_taken"`
	StartedAt time.Time             `json:"started_at"`
	EndedAt   time.Time             `json:"ended_at"`
}

// Notifier delivers escalations to an external channel.
type Notifier interface {
	Escalate(ctx context.Context, e Escalation) error
}

// LogNotifier writes escalations to the structured log at ERROR level.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier logging through logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "escalation")}
}

// Escalate logs the incident.
func (n *LogNotifier) Escalate(_ context.Context, e Escalation) error {
	n.logger.Error("escalating to operator",
		"agent_id", e.AgentID,
		"issue", e.Issue,
		"reason", e.Reason,
		"actions", len(e.Actions),
		"duration", e.EndedAt.Sub(e.StartedAt),
	)
	return nil
}

// WebhookNotifier POSTs escalations as JSON, retrying transient failures.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	maxRetries uint64
	retryWait  time.Duration
	logger     *slog.Logger
}

// NewWebhookNotifier creates a webhook notifier for url.
func NewWebhookNotifier(url string, timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: 3,
		retryWait:  200 * time.Millisecond,
		logger:     logger.With("component", "webhook"),
	}
}

// Escalate delivers the escalation. 4xx responses are not retried.
func (n *WebhookNotifier) Escalate(ctx context.Context, e Escalation) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = n.retryWait
	expo.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, n.maxRetries), ctx)

	send := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("do request: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		n.logger.Warn("webhook delivery failed, retrying", "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(send, policy, notify); err != nil {
		return fmt.Errorf("deliver escalation: %w", err)
	}
	return nil
}

// MultiNotifier fans an escalation out to every notifier.
type MultiNotifier []Notifier

// Escalate calls every notifier and joins their errors.
func (m MultiNotifier) Escalate(ctx context.Context, e Escalation) error {
	var errs []error
	for _, n := range m {
		if err := n.Escalate(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
