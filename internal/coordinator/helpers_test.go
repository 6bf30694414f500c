// ABOUTME: Shared fixtures for coordinator tests
// ABOUTME: Fake clock, recording notifier and a running coordinator over the mock store

package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-warden/internal/lifecycle"
	"github.com/2389/coven-warden/internal/recovery"
	"github.com/2389/coven-warden/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: t0}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func (f *fakeClock) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

type recordingNotifier struct {
	mu          sync.Mutex
	escalations []recovery.Escalation
}

func (r *recordingNotifier) Escalate(_ context.Context, e recovery.Escalation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escalations = append(r.escalations, e)
	return nil
}

func (r *recordingNotifier) issues() []recovery.Issue {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recovery.Issue
	for _, e := range r.escalations {
		out = append(out, e.Issue)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig keeps the background loops idle so tests drive passes directly.
func testConfig() Config {
	return Config{
		HeartbeatInterval: 60 * time.Second,
		MonitorInterval:   time.Hour,
		OptimizeInterval:  time.Hour,
		VerifyTimeout:     200 * time.Millisecond,
		StoreTimeout:      time.Second,
		StoreRetries:      1,
		RetryInterval:     10 * time.Millisecond,
	}
}

type fixture struct {
	coord    *Coordinator
	store    *store.MockStore
	clock    *fakeClock
	notifier *recordingNotifier
}

// startCoordinator runs a coordinator until the test ends.
func startCoordinator(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		store:    store.NewMockStore(),
		clock:    newFakeClock(),
		notifier: &recordingNotifier{},
	}
	base := []Option{WithClock(f.clock.Now), WithLogger(testLogger()), WithNotifier(f.notifier)}
	f.coord = New(cfg, f.store, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return f
}

// registerActive registers an agent and reports ACTIVE at the current clock.
func (f *fixture) registerActive(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()

	_, err := f.coord.RegisterAgent(ctx, Descriptor{ID: id, Name: "agent " + id})
	require.NoError(t, err)
	ack, err := f.coord.ReceiveHeartbeat(ctx, id, Heartbeat{Timestamp: f.clock.Now(), State: lifecycle.StateActive})
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateActive, ack.State)
}

func (f *fixture) events(t *testing.T, filter store.EventFilter) []*store.SystemEvent {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), filter)
	require.NoError(t, err)
	return events
}

func (f *fixture) state(t *testing.T, id string) lifecycle.State {
	t.Helper()
	a, err := f.store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	return a.State
}
