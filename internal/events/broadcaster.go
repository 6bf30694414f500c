// ABOUTME: In-memory fan-out of audit events to live subscribers
// ABOUTME: Subscribers follow one agent or the whole fleet; slow readers lose events

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-warden/internal/store"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

type subscription struct {
	agentID string // empty follows every agent
	ch      chan *store.SystemEvent
}

// Broadcaster provides in-memory pub/sub for audit events as they are
// recorded, so dashboards and the CLI can follow the log without polling.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]subscription // subID -> subscription
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]subscription),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events about agentID, or every event
// when agentID is empty. The channel is closed when ctx is cancelled, on
// Unsubscribe, or when the broadcaster closes.
func (b *Broadcaster) Subscribe(ctx context.Context, agentID string) (<-chan *store.SystemEvent, string) {
	subID := uuid.New().String()
	ch := make(chan *store.SystemEvent, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = subscription{agentID: agentID, ch: ch}
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "agent_id", agentID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish delivers e to every matching subscriber. It never blocks: events
// are dropped for subscribers whose buffers are full. A nil Broadcaster
// drops everything.
func (b *Broadcaster) Publish(e *store.SystemEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if sub.agentID != "" && sub.agentID != e.AgentID {
			continue
		}
		ev := *e
		select {
		case sub.ch <- &ev:
		default:
			b.logger.Debug("dropped event for slow subscriber", "sub_id", id, "event_type", e.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.logger.Debug("broadcaster closed")
}
