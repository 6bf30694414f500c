// ABOUTME: Bounded FIFO of heartbeats that could not be delivered
// ABOUTME: Drops the oldest entry when full so the newest liveness signal survives

package agent

import "github.com/2389/coven-warden/internal/coordinator"

type heartbeatQueue struct {
	items   []coordinator.Heartbeat
	limit   int
	dropped int64
}

func newHeartbeatQueue(limit int) *heartbeatQueue {
	if limit <= 0 {
		limit = 1
	}
	return &heartbeatQueue{limit: limit}
}

func (q *heartbeatQueue) push(hb coordinator.Heartbeat) {
	if len(q.items) == q.limit {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, hb)
}

func (q *heartbeatQueue) peek() (coordinator.Heartbeat, bool) {
	if len(q.items) == 0 {
		return coordinator.Heartbeat{}, false
	}
	return q.items[0], true
}

func (q *heartbeatQueue) pop() {
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
}

func (q *heartbeatQueue) len() int {
	return len(q.items)
}
