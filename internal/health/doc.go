// Package health computes weighted health scores for agents.
//
// Calculate is a pure function of an agent's trailing-window History. It
// produces five sub-scores in [0,100]:
//
//	heartbeat consistency  0.30  received vs expected heartbeats, minus a jitter penalty
//	performance            0.25  mean response_time_ms vs the configured target
//	error rate             0.20  errors per work cycle; 20% or worse scores 0
//	resource efficiency    0.15  cpu_percent and memory_percent; <= 50% scores 100
//	business impact        0.10  mean business_impact metric; 50 when unreported
//
// Combine turns sub-scores into the overall score and StatusFor maps it to
// excellent (>=80), good (>=70), fair (>=60), poor (>=40) or critical.
//
// Inputs are copied and sorted before any arithmetic, so the same history in
// any order yields a bit-identical Assessment.
package health
