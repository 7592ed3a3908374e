// Package confidence считает итоговую уверенность решения по нескольким сигналам
// и собирает объяснение для оператора.
package confidence

import (
	"math"
	"time"

	"github.com/xela07ax/spaceai-telemetry-guard/internal/infra"
	"go.uber.org/zap"
)

const (
	DefaultHalfLife = 5 * time.Minute
	// Фаза по умолчанию, если образец ее не передал
	PhaseNominalOps = "NOMINAL_OPS"

	unknownPhaseRisk = 0.5
	weightTolerance  = 0.01
)

// phaseRisk: чем выше, тем рискованнее фаза и тем ниже уверенность.
var phaseRisk = map[string]float64{
	"LAUNCH":      0.9,
	"DEPLOYMENT":  0.7,
	"NOMINAL_OPS": 0.3,
	"PAYLOAD_OPS": 0.4,
	"SAFE_MODE":   0.8,
}

type Weights struct {
	Anomaly    float64
	Recurrence float64
	Phase      float64
	Policy     float64
	Temporal   float64
}

func DefaultWeights() Weights {
	return Weights{Anomaly: 0.40, Recurrence: 0.20, Phase: 0.15, Policy: 0.15, Temporal: 0.10}
}

func (w Weights) sum() float64 {
	return w.Anomaly + w.Recurrence + w.Phase + w.Policy + w.Temporal
}

// Input - сигналы одного решения.
type Input struct {
	AnomalyScore    float64
	RecurrenceCount int
	Phase           string
	PolicyAllowed   bool
	// TemporalDecay в [0, 1]; см. Scorer.Decay
	TemporalDecay float64
}

// Breakdown - вклад каждого сигнала (уже умноженный на вес).
type Breakdown struct {
	Anomaly    float64 `json:"anomaly"`
	Recurrence float64 `json:"recurrence"`
	Phase      float64 `json:"phase"`
	Policy     float64 `json:"policy"`
	Temporal   float64 `json:"temporal"`
}

// Scorer - чистое вычисление без побочных эффектов, безопасен для конкурентного использования.
type Scorer struct {
	weights  Weights
	halfLife time.Duration
	logger   *zap.Logger
}

func NewScorer(w Weights, halfLife time.Duration, logger *zap.Logger) *Scorer {
	logger = logger.Named("confidence")

	total := w.sum()
	if total <= 0 {
		logger.Warn("confidence weights are not positive, using defaults", zap.Float64("sum", total))
		w, total = DefaultWeights(), 1
	}
	if math.Abs(total-1) > weightTolerance {
		logger.Warn("confidence weights do not sum to 1.0, normalizing", zap.Float64("sum", total))
		w = Weights{
			Anomaly:    w.Anomaly / total,
			Recurrence: w.Recurrence / total,
			Phase:      w.Phase / total,
			Policy:     w.Policy / total,
			Temporal:   w.Temporal / total,
		}
	}
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	return &Scorer{weights: w, halfLife: halfLife, logger: logger}
}

func NewScorerFromConfig(cfg infra.ConfidenceConfig, logger *zap.Logger) *Scorer {
	return NewScorer(Weights{
		Anomaly:    cfg.WeightAnomaly,
		Recurrence: cfg.WeightRecurrence,
		Phase:      cfg.WeightPhase,
		Policy:     cfg.WeightPolicy,
		Temporal:   cfg.WeightTemporal,
	}, cfg.HalfLife, logger)
}

func (s *Scorer) Weights() Weights { return s.weights }

// Decay - 0.5^(age/halfLife). Образец из будущего (рассинхрон часов) считается свежим.
func (s *Scorer) Decay(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(s.halfLife))
}

func (s *Scorer) Calculate(in Input) float64 {
	c, _ := s.CalculateWithBreakdown(in)
	return c
}

func (s *Scorer) CalculateWithBreakdown(in Input) (float64, Breakdown) {
	w := s.weights
	b := Breakdown{
		Anomaly:    clamp01(in.AnomalyScore) * w.Anomaly,
		Recurrence: recurrenceSignal(in.RecurrenceCount) * w.Recurrence,
		Phase:      (1 - PhaseRisk(in.Phase)) * w.Phase,
		Policy:     policySignal(in.PolicyAllowed) * w.Policy,
		Temporal:   clamp01(in.TemporalDecay) * w.Temporal,
	}
	total := clamp01(b.Anomaly + b.Recurrence + b.Phase + b.Policy + b.Temporal)

	if ce := s.logger.Check(zap.DebugLevel, "confidence calculated"); ce != nil {
		ce.Write(zap.Any("breakdown", b), zap.Float64("total", total))
	}
	return total, b
}

// PhaseRisk - риск фазы миссии; неизвестная фаза получает 0.5.
func PhaseRisk(phase string) float64 {
	if r, ok := phaseRisk[phase]; ok {
		return r
	}
	return unknownPhaseRisk
}

// Логарифмический рост: каждое следующее повторение добавляет меньше.
func recurrenceSignal(n int) float64 {
	if n <= 0 {
		return 0
	}
	return math.Min(1, 0.3+0.2*math.Log(1+float64(n)))
}

func policySignal(allowed bool) float64 {
	if allowed {
		return 1
	}
	return 0.3
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
