// ABOUTME: Pure health score calculator over an agent's trailing-window history
// ABOUTME: Inputs are copied and sorted so identical histories give identical results

package health

import (
	"math"
	"sort"
	"time"
)

// Well-known metric names read by the calculator.
const (
	MetricResponseTime   = "response_time_ms"
	MetricCPU            = "cpu_percent"
	MetricMemory         = "memory_percent"
	MetricBusinessImpact = "business_impact"
)

const (
	// errorRateCeiling is the error/cycle ratio that scores 0.
	errorRateCeiling = 0.20
	// resourceComfort is the utilization (percent) at or below which resources score 100.
	resourceComfort = 50.0
	// maxJitterPenalty caps the deduction for irregular heartbeat spacing.
	maxJitterPenalty = 20.0
	// neutralBusinessImpact is used when an agent reports no business impact metric.
	neutralBusinessImpact = 50.0

	defaultTargetResponseMS = 500.0
)

// Heartbeat is the slice of a heartbeat the calculator needs.
type Heartbeat struct {
	Timestamp  time.Time
	Metrics    map[string]float64
	ErrorCount int64
	CycleCount int64
}

// Metric is a single named measurement.
type Metric struct {
	Name      string
	Value     float64
	Timestamp time.Time
}

// History is an agent's trailing window of observations.
type History struct {
	AgentID          string
	WindowStart      time.Time
	WindowEnd        time.Time
	ExpectedInterval time.Duration
	Heartbeats       []Heartbeat
	Metrics          []Metric
}

// Config tunes the calculator.
type Config struct {
	// TargetResponseMS is the response time that still earns a full performance score.
	TargetResponseMS float64
}

// Calculator computes health assessments. It holds no mutable state.
type Calculator struct {
	targetResponseMS float64
}

// NewCalculator creates a calculator, applying defaults for zero values.
func NewCalculator(cfg Config) *Calculator {
	target := cfg.TargetResponseMS
	if target <= 0 {
		target = defaultTargetResponseMS
	}
	return &Calculator{targetResponseMS: target}
}

// Calculate scores an agent's history. AssessedAt is the window end.
func (c *Calculator) Calculate(h History) Assessment {
	hbs := sortedHeartbeats(h)
	metrics := sortedMetrics(h)

	sub := SubScores{
		HeartbeatConsistency: heartbeatConsistency(hbs, h.WindowStart, h.WindowEnd, h.ExpectedInterval),
		Performance:          c.performance(hbs, metrics),
		ErrorRate:            errorRate(hbs),
		ResourceEfficiency:   resourceEfficiency(hbs, metrics),
		BusinessImpact:       businessImpact(hbs, metrics),
	}
	overall := Combine(sub)

	return Assessment{
		AgentID:    h.AgentID,
		Overall:    overall,
		SubScores:  sub,
		Status:     StatusFor(overall),
		AssessedAt: h.WindowEnd,
		Heartbeats: len(hbs),
	}
}

// sortedHeartbeats copies the in-window heartbeats ordered by time.
func sortedHeartbeats(h History) []Heartbeat {
	out := make([]Heartbeat, 0, len(h.Heartbeats))
	for _, hb := range h.Heartbeats {
		if inWindow(hb.Timestamp, h.WindowStart, h.WindowEnd) {
			out = append(out, hb)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		if out[i].CycleCount != out[j].CycleCount {
			return out[i].CycleCount < out[j].CycleCount
		}
		return out[i].ErrorCount < out[j].ErrorCount
	})
	return out
}

// sortedMetrics copies the in-window metrics ordered by time, name, value.
func sortedMetrics(h History) []Metric {
	out := make([]Metric, 0, len(h.Metrics))
	for _, m := range h.Metrics {
		if inWindow(m.Timestamp, h.WindowStart, h.WindowEnd) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Value < out[j].Value
	})
	return out
}

func inWindow(t, start, end time.Time) bool {
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && t.After(end) {
		return false
	}
	return true
}

// heartbeatConsistency compares received against expected heartbeats and
// deducts for irregular spacing.
func heartbeatConsistency(hbs []Heartbeat, start, end time.Time, interval time.Duration) float64 {
	if len(hbs) == 0 {
		return 0
	}
	if interval <= 0 || !end.After(start) {
		return 100
	}

	expected := math.Floor(float64(end.Sub(start)) / float64(interval))
	if expected < 1 {
		expected = 1
	}
	ratio := math.Min(1, float64(len(hbs))/expected)

	var penalty float64
	if len(hbs) > 1 {
		var deviation float64
		for i := 1; i < len(hbs); i++ {
			gap := float64(hbs[i].Timestamp.Sub(hbs[i-1].Timestamp))
			deviation += math.Abs(gap-float64(interval)) / float64(interval)
		}
		deviation /= float64(len(hbs) - 1)
		penalty = math.Min(maxJitterPenalty, maxJitterPenalty*deviation)
	}

	return clamp(ratio*100 - penalty)
}

// performance scores the mean response time against the target.
func (c *Calculator) performance(hbs []Heartbeat, metrics []Metric) float64 {
	avg, ok := mean(collect(hbs, metrics, MetricResponseTime))
	if !ok || avg <= c.targetResponseMS {
		return 100
	}
	return clamp(100 * c.targetResponseMS / avg)
}

// errorRate scores errors per work cycle over the window. Counter resets
// (agent restarts) are treated as starting from zero.
func errorRate(hbs []Heartbeat) float64 {
	if len(hbs) == 0 {
		return 100
	}

	var errs, cycles int64
	if len(hbs) == 1 {
		errs, cycles = hbs[0].ErrorCount, hbs[0].CycleCount
	} else {
		for i := 1; i < len(hbs); i++ {
			errs += counterDelta(hbs[i-1].ErrorCount, hbs[i].ErrorCount)
			cycles += counterDelta(hbs[i-1].CycleCount, hbs[i].CycleCount)
		}
	}
	if cycles <= 0 {
		return 100
	}

	rate := float64(errs) / float64(cycles)
	return clamp(100 * (1 - rate/errorRateCeiling))
}

func counterDelta(prev, cur int64) int64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}

// resourceEfficiency averages the CPU and memory scores that are present.
func resourceEfficiency(hbs []Heartbeat, metrics []Metric) float64 {
	var scores []float64
	for _, name := range []string{MetricCPU, MetricMemory} {
		if avg, ok := mean(collect(hbs, metrics, name)); ok {
			scores = append(scores, utilizationScore(avg))
		}
	}
	avg, ok := mean(scores)
	if !ok {
		return 100
	}
	return avg
}

func utilizationScore(percent float64) float64 {
	if percent <= resourceComfort {
		return 100
	}
	return clamp(100 * (100 - percent) / (100 - resourceComfort))
}

func businessImpact(hbs []Heartbeat, metrics []Metric) float64 {
	avg, ok := mean(collect(hbs, metrics, MetricBusinessImpact))
	if !ok {
		return neutralBusinessImpact
	}
	return clamp(avg)
}

// collect gathers a named value from heartbeat snapshots then standalone metrics, in order.
func collect(hbs []Heartbeat, metrics []Metric, name string) []float64 {
	var values []float64
	for _, hb := range hbs {
		if v, ok := hb.Metrics[name]; ok && !math.IsNaN(v) {
			values = append(values, v)
		}
	}
	for _, m := range metrics {
		if m.Name == name && !math.IsNaN(m.Value) {
			values = append(values, m.Value)
		}
	}
	return values
}

func mean(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), true
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
