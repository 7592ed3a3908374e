package heuristic

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/infra"
)

var ErrVectorMismatch = errors.New("heuristic: feature vector does not match schema")

// Threshold - границы допустимого значения признака. Любая из границ может отсутствовать.
type Threshold struct {
	Feature string
	Max     *float64
	Min     *float64
}

func ThresholdsFromConfig(cfg infra.HeuristicConfig) []Threshold {
	out := make([]Threshold, 0, len(cfg.Thresholds))
	for _, t := range cfg.Thresholds {
		out = append(out, Threshold{Feature: t.Feature, Max: t.Max, Min: t.Min})
	}
	return out
}

type rule struct {
	index int
	name  string
	max   *float64
	min   *float64
}

// Evaluator - пороговый классификатор без состояния. Всегда доступен,
// поэтому служит и основным, и резервным путем.
type Evaluator struct {
	rules []rule
	width int
}

// NewEvaluator связывает пороги с индексами вектора заранее, чтобы в Hot Path не искать по имени.
func NewEvaluator(names []string, thresholds []Threshold) (*Evaluator, error) {
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}

	rules := make([]rule, 0, len(thresholds))
	for _, t := range thresholds {
		i, ok := index[t.Feature]
		if !ok {
			return nil, fmt.Errorf("heuristic: threshold for unknown feature %q", t.Feature)
		}
		if t.Max == nil && t.Min == nil {
			return nil, fmt.Errorf("heuristic: threshold for %q has no bounds", t.Feature)
		}
		if t.Max != nil && t.Min != nil && *t.Min > *t.Max {
			return nil, fmt.Errorf("heuristic: threshold for %q has min > max", t.Feature)
		}
		rules = append(rules, rule{index: i, name: t.Feature, max: t.Max, min: t.Min})
	}
	return &Evaluator{rules: rules, width: len(names)}, nil
}

// Evaluate: любое превышение => аномалия, серьезность растет с запасом превышения.
func (e *Evaluator) Evaluate(fv domain.FeatureVector) (bool, domain.Severity, float64) {
	v := e.evaluate(fv)
	return v.anomaly, v.severity, v.score
}

// Classify - та же оценка в форме domain.Classifier.
func (e *Evaluator) Classify(_ context.Context, fv domain.FeatureVector) (domain.Classification, error) {
	if fv.Len() != e.width {
		return domain.Classification{}, fmt.Errorf("%w: got %d values, want %d", ErrVectorMismatch, fv.Len(), e.width)
	}
	v := e.evaluate(fv)
	return domain.Classification{
		IsAnomaly: v.anomaly,
		Severity:  v.severity,
		Score:     v.score,
		Source:    domain.SourceHeuristic,
		Factors:   v.factors,
	}, nil
}

type verdict struct {
	anomaly  bool
	severity domain.Severity
	score    float64
	factors  []string
}

func (e *Evaluator) evaluate(fv domain.FeatureVector) verdict {
	var (
		maxMargin float64
		usage     float64
		factors   []string
		exceeded  bool
	)

	for _, r := range e.rules {
		if r.index >= len(fv.Values) {
			continue
		}
		x := fv.Values[r.index]

		if r.max != nil {
			if x > *r.max {
				m := (x - *r.max) / scale(*r.max)
				exceeded = true
				maxMargin = math.Max(maxMargin, m)
				factors = append(factors, fmt.Sprintf("%s=%.3f exceeds max %.3f by %.0f%%", r.name, x, *r.max, m*100))
			} else if *r.max > 0 {
				usage = math.Max(usage, clamp(x / *r.max, 0, 1))
			}
		}
		if r.min != nil && x < *r.min {
			m := (*r.min - x) / scale(*r.min)
			exceeded = true
			maxMargin = math.Max(maxMargin, m)
			factors = append(factors, fmt.Sprintf("%s=%.3f below min %.3f by %.0f%%", r.name, x, *r.min, m*100))
		}
	}

	if !exceeded {
		return verdict{severity: domain.SeverityNone, score: 0.5 * usage}
	}
	return verdict{
		anomaly:  true,
		severity: severityFromMargin(maxMargin),
		score:    0.5 + 0.5*maxMargin/(1+maxMargin),
		factors:  factors,
	}
}

func severityFromMargin(m float64) domain.Severity {
	switch {
	case m < 0.1:
		return domain.SeverityLow
	case m < 0.5:
		return domain.SeverityMedium
	case m < 1.0:
		return domain.SeverityHigh
	default:
		return domain.SeverityCritical
	}
}

// scale защищает от деления на ноль при нулевой границе
func scale(bound float64) float64 {
	return math.Max(math.Abs(bound), 1e-9)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
