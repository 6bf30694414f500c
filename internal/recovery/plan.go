// ABOUTME: Issue classifications and the ordered remediation plan for each
// ABOUTME: Plans are truncated to the configured attempt budget

package recovery

import (
	"errors"
	"fmt"
)

// ErrUnknownIssue is returned for issue types with no remediation plan.
var ErrUnknownIssue = errors.New("unknown issue type")

// Issue classifies why an agent needs recovery.
type Issue string

const (
	IssueUnresponsive           Issue = "UNRESPONSIVE"
	IssueHighErrorRate          Issue = "HIGH_ERROR_RATE"
	IssueResourceExhaustion     Issue = "RESOURCE_EXHAUSTION"
	IssuePerformanceDegradation Issue = "PERFORMANCE_DEGRADATION"
	IssueStoreConnectivity      Issue = "STORE_CONNECTIVITY"
)

// Action is one remediation step.
type Action string

const (
	ActionRestart        Action = "restart_agent"
	ActionClearCache     Action = "clear_cache"
	ActionCheckpoint     Action = "force_checkpoint"
	ActionReconnectStore Action = "reconnect_store"
)

// DefaultMaxAttempts bounds the actions run for one incident.
const DefaultMaxAttempts = 3

var plans = map[Issue][]Action{
	IssueUnresponsive:           {ActionRestart, ActionRestart, ActionRestart},
	IssueHighErrorRate:          {ActionClearCache, ActionRestart, ActionRestart},
	IssueResourceExhaustion:     {ActionClearCache, ActionCheckpoint, ActionRestart},
	IssuePerformanceDegradation: {ActionClearCache, ActionCheckpoint, ActionRestart},
	IssueStoreConnectivity:      {ActionReconnectStore, ActionReconnectStore, ActionRestart},
}

// ParseIssue validates an issue name.
func ParseIssue(s string) (Issue, error) {
	issue := Issue(s)
	if _, ok := plans[issue]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownIssue, s)
	}
	return issue, nil
}

// Plan returns the ordered actions for an issue, at most maxAttempts long.
// Escalation follows an exhausted plan and is not part of it.
func Plan(issue Issue, maxAttempts int) ([]Action, error) {
	base, ok := plans[issue]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIssue, issue)
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	out := make([]Action, 0, maxAttempts)
	for i := 0; i < maxAttempts; i++ {
		if i < len(base) {
			out = append(out, base[i])
			continue
		}
		// Longer budgets repeat the plan's final, most disruptive step.
		out = append(out, base[len(base)-1])
	}
	return out, nil
}
