// ABOUTME: Health score types, factor weights and status mapping
// ABOUTME: Combine and StatusFor are the fixed rules every assessment goes through

package health

import "time"

// Status is the label attached to an overall score.
type Status string

const (
	StatusExcellent Status = "excellent"
	StatusGood      Status = "good"
	StatusFair      Status = "fair"
	StatusPoor      Status = "poor"
	StatusCritical  Status = "critical"
)

// Factor names one of the five weighted sub-scores.
type Factor string

const (
	FactorHeartbeat      Factor = "heartbeat_consistency"
	FactorPerformance    Factor = "performance"
	FactorErrorRate      Factor = "error_rate"
	FactorResource       Factor = "resource_efficiency"
	FactorBusinessImpact Factor = "business_impact"
)

// Weights of each factor. They sum to 1.
const (
	WeightHeartbeat      = 0.30
	WeightPerformance    = 0.25
	WeightErrorRate      = 0.20
	WeightResource       = 0.15
	WeightBusinessImpact = 0.10
)

// Factors lists every factor in weight order. Iteration over factors always uses this slice.
var Factors = []Factor{FactorHeartbeat, FactorPerformance, FactorErrorRate, FactorResource, FactorBusinessImpact}

// Weight returns the weight of a factor, 0 for unknown factors.
func Weight(f Factor) float64 {
	switch f {
	case FactorHeartbeat:
		return WeightHeartbeat
	case FactorPerformance:
		return WeightPerformance
	case FactorErrorRate:
		return WeightErrorRate
	case FactorResource:
		return WeightResource
	case FactorBusinessImpact:
		return WeightBusinessImpact
	}
	return 0
}

// SubScores holds the five factor scores, each in [0,100].
type SubScores struct {
	HeartbeatConsistency float64 `json:"heartbeat_consistency"`
	Performance          float64 `json:"performance"`
	ErrorRate            float64 `json:"error_rate"`
	ResourceEfficiency   float64 `json:"resource_efficiency"`
	BusinessImpact       float64 `json:"business_impact"`
}

// Get returns the sub-score for a factor.
func (s SubScores) Get(f Factor) float64 {
	switch f {
	case FactorHeartbeat:
		return s.HeartbeatConsistency
	case FactorPerformance:
		return s.Performance
	case FactorErrorRate:
		return s.ErrorRate
	case FactorResource:
		return s.ResourceEfficiency
	case FactorBusinessImpact:
		return s.BusinessImpact
	}
	return 0
}

// Weakest returns the factor losing the most weighted points.
// Ties go to the factor with the larger weight.
func (s SubScores) Weakest() Factor {
	weakest := Factors[0]
	worst := -1.0
	for _, f := range Factors {
		loss := Weight(f) * (100 - s.Get(f))
		if loss > worst {
			worst = loss
			weakest = f
		}
	}
	return weakest
}

// Assessment is a derived, non-authoritative health snapshot for one agent.
type Assessment struct {
	AgentID    string    `json:"agent_id"`
	Overall    float64   `json:"overall_score"`
	SubScores  SubScores `json:"sub_scores"`
	Status     Status    `json:"status"`
	AssessedAt time.Time `json:"assessed_at"`
	Heartbeats int       `json:"heartbeats"`
}

// Combine applies the factor weights to produce the overall score.
func Combine(s SubScores) float64 {
	return WeightHeartbeat*s.HeartbeatConsistency +
		WeightPerformance*s.Performance +
		WeightErrorRate*s.ErrorRate +
		WeightResource*s.ResourceEfficiency +
		WeightBusinessImpact*s.BusinessImpact
}

// StatusFor maps an overall score onto its label.
func StatusFor(score float64) Status {
	switch {
	case score >= 80:
		return StatusExcellent
	case score >= 70:
		return StatusGood
	case score >= 60:
		return StatusFair
	case score >= 40:
		return StatusPoor
	default:
		return StatusCritical
	}
}
