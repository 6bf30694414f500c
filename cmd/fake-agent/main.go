// ABOUTME: Demo agent for manual and E2E testing against a running warden over HTTP
// ABOUTME: Usage: fake-agent [-addr http://127.0.0.1:8090] [-id demo-agent] [-fail-rate 0.1]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/2389/coven-warden/internal/agent"
	"github.com/2389/coven-warden/internal/agentclient"
	"github.com/2389/coven-warden/internal/config"
	"github.com/2389/coven-warden/internal/coordinator"
	"github.com/2389/coven-warden/internal/server"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8090", "warden HTTP base URL")
	name := flag.String("name", "Demo Agent", "Agent display name")
	agentID := flag.String("id", "demo-agent", "Agent ID")
	token := flag.String("token", os.Getenv("WARDEN_TOKEN"), "Bearer token (agent role)")
	interval := flag.Duration("interval", 0, "Cycle interval (default: server heartbeat interval)")
	failRate := flag.Float64("fail-rate", 0.05, "Probability of a transient failure per cycle")
	idleRate := flag.Float64("idle-rate", 0.2, "Probability of an idle cycle")
	fatalAfter := flag.Int("fatal-after", 0, "Fail fatally after this many cycles (0 = never)")
	flag.Parse()

	if err := run(*addr, *name, *agentID, *token, *interval, &demoWorker{
		failRate:   *failRate,
		idleRate:   *idleRate,
		fatalAfter: int64(*fatalAfter),
	}); err != nil {
		log.Fatal(err)
	}
}

func run(addr, name, agentID, token string, interval time.Duration, w *demoWorker) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := server.SetupLogger(config.LoggingConfig{Level: "debug"})
	client := agentclient.New(addr, agentclient.WithToken(token))
	w.client = client
	w.agentID = agentID
	w.logger = logger

	rt := agent.New(agent.Config{
		Descriptor: coordinator.Descriptor{
			ID:           agentID,
			Name:         name,
			Capabilities: []string{"demo"},
			Metadata:     map[string]string{"hostname": hostname()},
		},
		CycleInterval: interval,
	}, w, client, agent.WithLogger(logger))

	err := rt.Run(ctx)
	stats := rt.Stats()
	fmt.Fprintf(os.Stderr, "stopped in %s after %d cycles (%d errors)\n", stats.State, stats.Cycles, stats.Errors)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// demoWorker simulates a workload with configurable failure odds and reports
// a response time sample every cycle.
type demoWorker struct {
	client     *agentclient.Client
	agentID    string
	logger     *slog.Logger
	failRate   float64
	idleRate   float64
	fatalAfter int64

	cycles atomic.Int64
	broken atomic.Bool
}

func (w *demoWorker) Initialize(ctx context.Context) error {
	w.broken.Store(false)
	w.cycles.Store(0)
	w.logger.Info("demo worker initialized", "agent_id", w.agentID)
	return nil
}

func (w *demoWorker) DoWork(ctx context.Context) agent.WorkResult {
	n := w.cycles.Add(1)
	if w.broken.Load() || (w.fatalAfter > 0 && n >= w.fatalAfter) {
		w.broken.Store(true)
		return agent.WorkResult{Kind: agent.WorkFatal, Err: errors.New("simulated fatal fault")}
	}

	start := time.Now()
	time.Sleep(time.Duration(20+rand.IntN(80)) * time.Millisecond)
	elapsed := float64(time.Since(start).Milliseconds())

	if err := w.client.RecordMetrics(ctx, w.agentID, coordinator.MetricSample{
		Name:  "response_time_ms",
		Value: elapsed,
		Unit:  "ms",
	}); err != nil {
		w.logger.Debug("metric not recorded", "error", err)
	}

	metrics := map[string]float64{"response_time_ms": elapsed}
	switch r := rand.Float64(); {
	case r < w.failRate:
		return agent.WorkResult{Kind: agent.WorkTransient, Metrics: metrics, Err: errors.New("simulated transient fault")}
	case r < w.failRate+w.idleRate:
		return agent.WorkResult{Kind: agent.WorkIdle, Metrics: metrics}
	default:
		return agent.WorkResult{Kind: agent.WorkOK, Metrics: metrics}
	}
}

func (w *demoWorker) HandleError(ctx context.Context, res agent.WorkResult) agent.WorkKind {
	w.logger.Warn("work cycle failed", "error", res.Err)
	return agent.WorkTransient
}

func (w *demoWorker) ClearCache(ctx context.Context) error {
	w.logger.Info("cache cleared")
	return nil
}
