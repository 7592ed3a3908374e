package domain

import (
	"context"
	"time"
)

// Source - путь, который выдал классификацию.
type Source string

const (
	SourceModel     Source = "model"
	SourceHeuristic Source = "heuristic"
)

// Severity - шкала серьезности аномалии.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Причины деградации до эвристики (пусто - отработала модель).
const (
	DegradedHeuristicOnly    = "heuristic_only"
	DegradedModelUnavailable = "model_unavailable"
	DegradedModelFailed      = "model_failed"
	DegradedInferenceError   = "inference_error"
	DegradedBreakerOpen      = "breaker_open"
)

// SeverityFromScore переводит непрерывный скор модели в шкалу серьезности.
func SeverityFromScore(isAnomaly bool, score float64) Severity {
	if !isAnomaly {
		return SeverityNone
	}
	switch {
	case score < 0.6:
		return SeverityLow
	case score < 0.75:
		return SeverityMedium
	case score < 0.9:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Classification - результат одного пути классификации.
type Classification struct {
	IsAnomaly bool
	Severity  Severity
	Score     float64
	Source    Source
	// Degraded заполняется, когда вместо модели ответила эвристика
	Degraded string
	// Factors - человекочитаемые причины решения (для Explanation)
	Factors []string
}

// Classifier - единая форма для модели и эвристики.
// Оркестратор не проверяет, «умеет ли объект X»: обе реализации имеют один контракт.
type Classifier interface {
	Classify(ctx context.Context, fv FeatureVector) (Classification, error)
}

// Explanation - структурированное объяснение решения для UI и логов.
type Explanation struct {
	PrimaryFactor          string   `json:"primary_factor"`
	SecondaryFactors       []string `json:"secondary_factors"`
	MissionPhaseConstraint string   `json:"mission_phase_constraint"`
	Confidence             float64  `json:"confidence"`
}

// AnomalyResult - итог одного вызова детекции. После сборки не изменяется.
type AnomalyResult struct {
	ID             string         `json:"id"`
	UnitID         string         `json:"unit_id"`
	SampleTime     time.Time      `json:"sample_time"`
	IsAnomaly      bool           `json:"is_anomaly"`
	Severity       Severity       `json:"severity"`
	Score          float64        `json:"score"`
	Source         Source         `json:"source"`
	Degraded       string         `json:"degraded,omitempty"`
	ResourceStatus ResourceStatus `json:"resource_status"`
	Latency        time.Duration  `json:"latency"`
	Confidence     float64        `json:"confidence"`
	Explanation    Explanation    `json:"explanation"`
	DetectedAt     time.Time      `json:"detected_at"`
}
