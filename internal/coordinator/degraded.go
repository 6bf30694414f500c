// ABOUTME: Store access with bounded retries, and degraded mode while the store is down
// ABOUTME: Events are queued while degraded and flushed in order once the store answers again

package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/2389/coven-warden/internal/recovery"
	"github.com/2389/coven-warden/internal/store"
)

// maxPendingEvents bounds the degraded-mode event queue; the oldest are dropped.
const maxPendingEvents = 1000

// do runs one store call with the configured timeout, retrying
// ErrStoreUnavailable with exponential backoff. Other errors return at once.
// Exhausting the retries puts the coordinator into degraded mode.
func (c *Coordinator) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond
	expo.MaxInterval = time.Second
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.cfg.StoreRetries)), ctx)

	attempt := func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
		defer cancel()

		err := fn(cctx)
		if err == nil || errors.Is(err, store.ErrStoreUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(attempt, policy)
	if err != nil && errors.Is(err, store.ErrStoreUnavailable) {
		c.metrics.StoreFailure()
		c.enterDegraded(op, err)
	}
	return err
}

// Degraded reports whether the store is currently considered unreachable.
func (c *Coordinator) Degraded() bool {
	return c.degraded.Load()
}

func (c *Coordinator) enterDegraded(op string, cause error) {
	if !c.degraded.CompareAndSwap(false, true) {
		return
	}
	c.metrics.SetDegraded(true)
	c.logger.Error("state store unavailable, entering degraded mode", "operation", op, "error", cause)

	e := &store.SystemEvent{
		Type:     store.EventStoreUnavailable,
		Severity: store.SeverityCritical,
		Payload: map[string]any{
			"operation": op,
			"error":     cause.Error(),
		},
		Timestamp: c.now(),
	}
	c.metrics.Event(e.Type, string(e.Severity))
	c.queueIfDegraded(e)
	c.events.Publish(e)

	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

// queueIfDegraded holds e for later when degraded and reports whether it did.
func (c *Coordinator) queueIfDegraded(e *store.SystemEvent) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if !c.degraded.Load() {
		return false
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if len(c.pending) >= maxPendingEvents {
		dropped := len(c.pending) - maxPendingEvents + 1
		c.pending = c.pending[dropped:]
		c.logger.Warn("degraded event queue full, dropping oldest", "dropped", dropped)
	}
	c.pending = append(c.pending, e)
	return true
}

// pendingEvents returns copies of the queued events, newest first.
func (c *Coordinator) pendingEvents() []*store.SystemEvent {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	out := make([]*store.SystemEvent, 0, len(c.pending))
	for i := len(c.pending) - 1; i >= 0; i-- {
		e := *c.pending[i]
		out = append(out, &e)
	}
	return out
}

func (c *Coordinator) pingStore(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	return c.store.Ping(pctx)
}

// reconnectLoop waits for degraded mode, escalates, then pings the store at a
// constant interval until it answers and the queue is flushed.
func (c *Coordinator) reconnectLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.reconnectCh:
		}

		started := c.now()
		if err := c.notifier.Escalate(ctx, recovery.Escalation{
			Issue:     recovery.IssueStoreConnectivity,
			Reason:    "state store unreachable, coordinator is degraded",
			StartedAt: started,
			EndedAt:   started,
		}); err != nil {
			c.logger.Error("store outage escalation failed", "error", err)
		}

		notify := func(err error, wait time.Duration) {
			c.logger.Warn("state store still unavailable", "error", err, "retry_in", wait)
		}
		announced := false
		for {
			policy := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.RetryInterval), ctx)
			if err := backoff.RetryNotify(func() error { return c.pingStore(ctx) }, policy, notify); err != nil {
				return nil
			}
			if !announced {
				c.queueRecovered(started)
				announced = true
			}
			if c.flushPending(ctx) {
				break
			}
		}
	}
}

func (c *Coordinator) queueRecovered(since time.Time) {
	e := &store.SystemEvent{
		Type:     store.EventStoreRecovered,
		Severity: store.SeverityInfo,
		Payload: map[string]any{
			"outage_seconds": c.now().Sub(since).Seconds(),
		},
		Timestamp: c.now(),
	}
	c.metrics.Event(e.Type, string(e.Severity))
	c.queueIfDegraded(e)
	c.events.Publish(e)
}

// flushPending writes queued events in order and leaves degraded mode once the
// queue is empty. It reports false if the store failed again mid-flush.
func (c *Coordinator) flushPending(ctx context.Context) bool {
	flushed := 0
	for {
		c.pendingMu.Lock()
		if len(c.pending) == 0 {
			c.resumedAt.Store(c.now().UnixNano())
			c.degraded.Store(false)
			c.pendingMu.Unlock()
			break
		}
		next := c.pending[0]
		c.pendingMu.Unlock()

		wctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
		err := c.store.RecordEvent(wctx, next)
		cancel()
		switch {
		case err == nil:
			flushed++
		case errors.Is(err, store.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
			c.logger.Warn("flushing queued events failed", "flushed", flushed, "error", err)
			return false
		default:
			// The store answered but will never take this event.
			c.logger.Error("dropping queued event the store rejected",
				"event_id", next.ID, "event_type", next.Type, "error", err)
		}

		c.pendingMu.Lock()
		if len(c.pending) > 0 && c.pending[0] == next {
			c.pending = c.pending[1:]
		}
		c.pendingMu.Unlock()
	}

	c.metrics.SetDegraded(false)
	c.logger.Info("state store reachable again, leaving degraded mode", "flushed_events", flushed)
	return true
}
