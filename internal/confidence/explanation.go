package confidence

import "github.com/xela07ax/spaceai-telemetry-guard/internal/domain"

const (
	defaultPrimaryFactor = "Policy-based anomaly decision"
	unknownPhase         = "UNKNOWN"
)

// BuildExplanation: первый фактор классификации становится главным, остальные - второстепенными.
func BuildExplanation(factors []string, phase string, confidence float64) domain.Explanation {
	e := domain.Explanation{
		PrimaryFactor:          defaultPrimaryFactor,
		SecondaryFactors:       []string{},
		MissionPhaseConstraint: phase,
		Confidence:             confidence,
	}
	if len(factors) > 0 {
		e.PrimaryFactor = factors[0]
		e.SecondaryFactors = append(e.SecondaryFactors, factors[1:]...)
	}
	if e.MissionPhaseConstraint == "" {
		e.MissionPhaseConstraint = unknownPhase
	}
	return e
}
