// ABOUTME: Redis implementation of the Store interface using go-redis
// ABOUTME: Agents are hashes, time series are sorted sets, per-agent writes are Lua scripts

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-warden/internal/lifecycle"
)

// registerScript creates the agent hash only if it does not exist yet.
var registerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// heartbeatScript advances last_heartbeat_at and appends the heartbeat atomically.
// Timestamps are zero-padded so string comparison orders them.
var heartbeatScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local last = redis.call('HGET', KEYS[1], 'last_heartbeat_at')
if last and last ~= '' and last > ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'last_heartbeat_at', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'heartbeat_count', 1)
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// stateScript is a compare-and-set on the agent's state field.
var stateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, ''}
end
local current = redis.call('HGET', KEYS[1], 'state')
if current ~= ARGV[1] then
	return {0, current}
end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'state_changed_at', ARGV[3])
return {1, ARGV[2]}
`)

// RedisStore implements the Store interface on top of Redis.
// All keys are namespaced as warden:{namespace}:...
type RedisStore struct {
	rdb       *redis.Client
	namespace string
	logger    *slog.Logger
}

// NewRedisStore creates a store using the given connection options and key namespace.
func NewRedisStore(opts *redis.Options, namespace string) (*RedisStore, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	return &RedisStore{
		rdb:       redis.NewClient(opts),
		namespace: namespace,
		logger:    slog.Default().With("component", "store", "backend", "redis"),
	}, nil
}

func (s *RedisStore) key(parts ...string) string {
	return "warden:" + s.namespace + ":" + strings.Join(parts, ":")
}

func (s *RedisStore) agentKey(id string) string { return s.key("agent", id) }
func (s *RedisStore) agentsKey() string { return s.key("agents") }
func (s *RedisStore) heartbeatsKey(id string) string { return s.key("heartbeats", id) }
func (s *RedisStore) metricsKey(id string) string { return s.key("metrics", id) }
func (s *RedisStore) eventsKey() string { return s.key("events") }
func (s *RedisStore) recoveriesKey() string { return s.key("recoveries") }

// padded encodes a timestamp as a fixed-width decimal for lexical comparison in Lua.
func padded(t time.Time) string {
	return fmt.Sprintf("%020d", nanos(t))
}

func parsePadded(s string) (time.Time, error) {
	n, err := strconv.ParseInt(strings.TrimLeft(s, "0"), 10, 64)
	if err != nil {
		if strings.Trim(s, "0") == "" {
			return time.Unix(0, 0).UTC(), nil
		}
		return time.Time{}, err
	}
	return fromNanos(n), nil
}

// score is the sorted-set score (milliseconds; float64 cannot hold nanoseconds exactly).
func score(t time.Time) float64 {
	return float64(t.UTC().UnixMilli())
}

// classifyRedis maps network level failures onto ErrStoreUnavailable.
func classifyRedis(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

// RegisterAgent creates the agent hash; ErrDuplicateAgentID if it already exists.
func (s *RedisStore) RegisterAgent(ctx context.Context, agent *AgentRecord) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}
	meta, err := json.Marshal(agent.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	stateChanged := agent.StateChangedAt
	if stateChanged.IsZero() {
		stateChanged = agent.RegisteredAt
	}

	args := []any{
		score(agent.RegisteredAt), agent.ID,
		"agent_id", agent.ID,
		"name", agent.Name,
		"capabilities", string(caps),
		"registered_at", padded(agent.RegisteredAt),
		"state", string(agent.State),
		"state_changed_at", padded(stateChanged),
		"heartbeat_count", 0,
		"metadata", string(meta),
	}

	res, err := registerScript.Run(ctx, s.rdb, []string{s.agentKey(agent.ID), s.agentsKey()}, args...).Int()
	if err != nil {
		return fmt.Errorf("registering agent: %w", classifyRedis(err))
	}
	if res == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateAgentID, agent.ID)
	}
	return nil
}

// UpdateState performs a compare-and-set on the agent's state.
func (s *RedisStore) UpdateState(ctx context.Context, agentID string, from, to lifecycle.State, at time.Time) error {
	res, err := stateScript.Run(ctx, s.rdb, []string{s.agentKey(agentID)}, string(from), string(to), padded(at)).Slice()
	if err != nil {
		return fmt.Errorf("updating agent state: %w", classifyRedis(err))
	}
	if len(res) != 2 {
		return fmt.Errorf("unexpected state script result: %v", res)
	}
	code, _ := res[0].(int64)
	switch code {
	case 1:
		return nil
	case -1:
		return ErrNotFound
	default:
		current, _ := res[1].(string)
		return fmt.Errorf("%w: expected %s, found %s", ErrStateConflict, from, current)
	}
}

func hashToAgent(h map[string]string) (*AgentRecord, error) {
	a := &AgentRecord{
		ID:    h["agent_id"],
		Name:  h["name"],
		State: lifecycle.State(h["state"]),
	}
	if err := json.Unmarshal([]byte(h["capabilities"]), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("parsing capabilities: %w", err)
	}
	if m := h["metadata"]; m != "" && m != "null" {
		if err := json.Unmarshal([]byte(m), &a.Metadata); err != nil {
			return nil, fmt.Errorf("parsing metadata: %w", err)
		}
	}
	var err error
	if a.RegisteredAt, err = parsePadded(h["registered_at"]); err != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", err)
	}
	if a.StateChangedAt, err = parsePadded(h["state_changed_at"]); err != nil {
		return nil, fmt.Errorf("parsing state_changed_at: %w", err)
	}
	if v := h["last_heartbeat_at"]; v != "" {
		t, err := parsePadded(v)
		if err != nil {
			return nil, fmt.Errorf("parsing last_heartbeat_at: %w", err)
		}
		a.LastHeartbeatAt = &t
	}
	if v := h["heartbeat_count"]; v != "" {
		a.HeartbeatCounter, _ = strconv.ParseInt(v, 10, 64)
	}
	return a, nil
}

// GetAgent retrieves an agent by ID
func (s *RedisStore) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	h, err := s.rdb.HGetAll(ctx, s.agentKey(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading agent: %w", classifyRedis(err))
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	return hashToAgent(h)
}

// ListAgents returns all agents ordered by registration time
func (s *RedisStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	ids, err := s.rdb.ZRange(ctx, s.agentsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", classifyRedis(err))
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.agentKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("reading agents: %w", classifyRedis(err))
		}
	}

	agents := make([]*AgentRecord, 0, len(ids))
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		a, err := hashToAgent(h)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	sort.SliceStable(agents, func(i, j int) bool {
		if agents[i].RegisteredAt.Equal(agents[j].RegisteredAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].RegisteredAt.Before(agents[j].RegisteredAt)
	})
	return agents, nil
}

// RecordHeartbeat appends a heartbeat and advances last_heartbeat_at atomically.
func (s *RedisStore) RecordHeartbeat(ctx context.Context, hb *HeartbeatRecord) error {
	if hb.ID == "" {
		hb.ID = uuid.New().String()
	}
	member, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshaling heartbeat: %w", err)
	}

	res, err := heartbeatScript.Run(ctx, s.rdb,
		[]string{s.agentKey(hb.AgentID), s.heartbeatsKey(hb.AgentID)},
		padded(hb.Timestamp), score(hb.Timestamp), string(member),
	).Int()
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", classifyRedis(err))
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return fmt.Errorf("%w: agent %s at %s", ErrHeartbeatStale, hb.AgentID, hb.Timestamp.Format(time.RFC3339Nano))
	}
	return nil
}

// rangeMembers reads sorted-set members whose score lies in [since, until] (millisecond granularity).
func (s *RedisStore) rangeMembers(ctx context.Context, key string, since, until time.Time) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatFloat(score(since), 'f', 0, 64),
		Max: strconv.FormatFloat(score(until), 'f', 0, 64),
	}).Result()
}

func inWindow(t, since, until time.Time) bool {
	return !t.Before(since) && !t.After(until)
}

// ListHeartbeats returns heartbeats for an agent within [since, until], oldest first
func (s *RedisStore) ListHeartbeats(ctx context.Context, agentID string, since, until time.Time) ([]*HeartbeatRecord, error) {
	members, err := s.rangeMembers(ctx, s.heartbeatsKey(agentID), since, until)
	if err != nil {
		return nil, fmt.Errorf("listing heartbeats: %w", classifyRedis(err))
	}

	result := make([]*HeartbeatRecord, 0, len(members))
	for _, m := range members {
		var hb HeartbeatRecord
		if err := json.Unmarshal([]byte(m), &hb); err != nil {
			return nil, fmt.Errorf("parsing heartbeat: %w", err)
		}
		if inWindow(hb.Timestamp, since, until) {
			result = append(result, &hb)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// PruneHeartbeats trims every agent's heartbeat set to entries at or after before
func (s *RedisStore) PruneHeartbeats(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.rdb.ZRange(ctx, s.agentsKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("listing agents: %w", classifyRedis(err))
	}

	upper := "(" + strconv.FormatFloat(score(before), 'f', 0, 64)
	var total int64
	for _, id := range ids {
		n, err := s.rdb.ZRemRangeByScore(ctx, s.heartbeatsKey(id), "-inf", upper).Result()
		if err != nil {
			return total, fmt.Errorf("pruning heartbeats for %s: %w", id, classifyRedis(err))
		}
		total += n
	}
	return total, nil
}

// RecordMetric appends a performance metric
func (s *RedisStore) RecordMetric(ctx context.Context, m *PerformanceMetric) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	member, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling metric: %w", err)
	}
	if err := s.rdb.ZAdd(ctx, s.metricsKey(m.AgentID), redis.Z{Score: score(m.Timestamp), Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("recording metric: %w", classifyRedis(err))
	}
	return nil
}

// ListMetrics returns metrics for an agent within [since, until], oldest first
func (s *RedisStore) ListMetrics(ctx context.Context, agentID string, since, until time.Time) ([]*PerformanceMetric, error) {
	members, err := s.rangeMembers(ctx, s.metricsKey(agentID), since, until)
	if err != nil {
		return nil, fmt.Errorf("listing metrics: %w", classifyRedis(err))
	}

	result := make([]*PerformanceMetric, 0, len(members))
	for _, raw := range members {
		var m PerformanceMetric
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("parsing metric: %w", err)
		}
		if inWindow(m.Timestamp, since, until) {
			result = append(result, &m)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// RecordEvent appends a system event. Generates ID and Timestamp if not set.
func (s *RedisStore) RecordEvent(ctx context.Context, e *SystemEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	member, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := s.rdb.ZAdd(ctx, s.eventsKey(), redis.Z{Score: score(e.Timestamp), Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("recording event: %w", classifyRedis(err))
	}
	return nil
}

// eventPageSize is how many events ListEvents reads per round trip. Filters
// discard members client-side, so pages are larger than typical limits.
const eventPageSize = 256

// ListEvents returns events matching the filter, newest first. It pages
// through the log from the newest end and stops once the limit is filled.
func (s *RedisStore) ListEvents(ctx context.Context, filter EventFilter) ([]*SystemEvent, error) {
	lower := "-inf"
	if filter.Since != nil {
		lower = strconv.FormatFloat(score(*filter.Since), 'f', 0, 64)
	}

	limit := normalizeLimit(filter.Limit)
	page := int64(max(limit, eventPageSize))
	result := make([]*SystemEvent, 0, limit)

	// Scores are milliseconds, so members sharing the score of the last
	// needed event may still sort ahead of it and are read too.
	full := false
	var edge float64
scan:
	for offset := int64(0); ; offset += page {
		zs, err := s.rdb.ZRevRangeByScoreWithScores(ctx, s.eventsKey(), &redis.ZRangeBy{
			Min:    lower,
			Max:    "+inf",
			Offset: offset,
			Count:  page,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("listing events: %w", classifyRedis(err))
		}

		for _, z := range zs {
			if full && z.Score < edge {
				break scan
			}
			raw, _ := z.Member.(string)
			var e SystemEvent
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				return nil, fmt.Errorf("parsing event: %w", err)
			}
			if !matchesEvent(&e, filter) {
				continue
			}
			result = append(result, &e)
			if !full && len(result) == limit {
				full, edge = true, z.Score
			}
		}
		if int64(len(zs)) < page {
			break
		}
	}

	sortEventsDesc(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// RecordRecoveryAction persists a recovery incident
func (s *RedisStore) RecordRecoveryAction(ctx context.Context, r *RecoveryAction) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	member, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling recovery action: %w", err)
	}
	if err := s.rdb.ZAdd(ctx, s.recoveriesKey(), redis.Z{Score: score(r.StartedAt), Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("recording recovery action: %w", classifyRedis(err))
	}
	return nil
}

// ListRecoveryActions returns recovery incidents, newest first. An empty agentID lists all agents.
func (s *RedisStore) ListRecoveryActions(ctx context.Context, agentID string, limit int) ([]*RecoveryAction, error) {
	members, err := s.rdb.ZRevRange(ctx, s.recoveriesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing recovery actions: %w", classifyRedis(err))
	}

	limit = normalizeLimit(limit)
	result := make([]*RecoveryAction, 0, limit)
	for _, raw := range members {
		var r RecoveryAction
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("parsing recovery action: %w", err)
		}
		if agentID != "" && r.AgentID != agentID {
			continue
		}
		result = append(result, &r)
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

// Ping verifies Redis connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
