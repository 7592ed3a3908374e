package domain

import "time"

// TelemetrySample - одно измерение от наблюдаемого юнита (спутник, устройство).
// После приема не изменяется: значения Metrics могут быть любыми (строки, числа, списки),
// приведение к float64 делает только features.Extractor.
type TelemetrySample struct {
	UnitID    string         `json:"unit_id"`
	Timestamp time.Time      `json:"timestamp"`
	Metrics   map[string]any `json:"metrics"`

	// Phase - фаза миссии (LAUNCH, NOMINAL_OPS, ...). Необязательна, влияет только на confidence.
	Phase string `json:"phase,omitempty"`
}

// FeatureVector - упорядоченный вектор признаков. Длина и порядок совпадают со схемой,
// по которой его строил экстрактор; эвристика и модель читают его по индексам.
type FeatureVector struct {
	Names  []string  `json:"names"`
	Values []float64 `json:"values"`
}

func (v FeatureVector) Len() int { return len(v.Values) }
