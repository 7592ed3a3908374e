package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
)

// Predictor - возможность предобученного классификатора: метка и непрерывный скор.
// Вызовы независимы и работают по одному неизменяемому вектору, поэтому их можно запускать параллельно.
type Predictor interface {
	PredictLabel(ctx context.Context, features []float64) (bool, error)
	Score(ctx context.Context, features []float64) (float64, error)
}

// Decoder десериализует артефакт. featureNames - порядок признаков схемы,
// артефакт обязан быть обучен на том же порядке.
type Decoder func(blob []byte, featureNames []string) (Predictor, error)

// LinearArtifact - формат артефакта: логистическая регрессия поверх z-нормализации
// плюс скор по расстоянию до центра обучающей выборки.
type LinearArtifact struct {
	Version          string    `json:"version"`
	Features         []string  `json:"features"`
	Weights          []float64 `json:"weights"`
	Bias             float64   `json:"bias"`
	Means            []float64 `json:"means"`
	Scales           []float64 `json:"scales"`
	LabelThreshold   float64   `json:"label_threshold"`
	ScoreTemperature float64   `json:"score_temperature"`
}

type LinearModel struct {
	art LinearArtifact
}

// DecodeLinearModel - Decoder по умолчанию.
func DecodeLinearModel(blob []byte, featureNames []string) (Predictor, error) {
	var art LinearArtifact
	if err := json.Unmarshal(blob, &art); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if err := art.validate(featureNames); err != nil {
		return nil, err
	}
	if art.LabelThreshold == 0 {
		art.LabelThreshold = 0.5
	}
	if art.ScoreTemperature == 0 {
		art.ScoreTemperature = 1
	}
	return &LinearModel{art: art}, nil
}

func (a LinearArtifact) validate(featureNames []string) error {
	n := len(a.Features)
	if n == 0 {
		return fmt.Errorf("artifact: no features")
	}
	if len(a.Weights) != n || len(a.Means) != n || len(a.Scales) != n {
		return fmt.Errorf("artifact: weights/means/scales must have %d entries", n)
	}
	if len(featureNames) != n {
		return fmt.Errorf("artifact: trained on %d features, schema has %d", n, len(featureNames))
	}
	for i := range featureNames {
		if a.Features[i] != featureNames[i] {
			return fmt.Errorf("artifact: feature #%d is %q, schema expects %q", i, a.Features[i], featureNames[i])
		}
	}
	for i := 0; i < n; i++ {
		if !finite(a.Weights[i]) || !finite(a.Means[i]) || !finite(a.Scales[i]) || a.Scales[i] == 0 {
			return fmt.Errorf("artifact: invalid parameters for feature %q", a.Features[i])
		}
	}
	if !finite(a.Bias) || a.LabelThreshold < 0 || a.LabelThreshold > 1 || a.ScoreTemperature < 0 {
		return fmt.Errorf("artifact: invalid bias, threshold or temperature")
	}
	return nil
}

func (m *LinearModel) PredictLabel(ctx context.Context, features []float64) (bool, error) {
	if err := m.check(ctx, features); err != nil {
		return false, err
	}
	logit := m.art.Bias
	for i, x := range features {
		logit += m.art.Weights[i] * m.z(i, x)
	}
	p := 1 / (1 + math.Exp(-logit))
	return p >= m.art.LabelThreshold, nil
}

// Score: 1 - exp(-d²/2T), d² - средний квадрат z-отклонения. Результат в [0, 1).
func (m *LinearModel) Score(ctx context.Context, features []float64) (float64, error) {
	if err := m.check(ctx, features); err != nil {
		return 0, err
	}
	var d2 float64
	for i, x := range features {
		z := m.z(i, x)
		d2 += z * z
	}
	d2 /= float64(len(features))
	return 1 - math.Exp(-d2/(2*m.art.ScoreTemperature)), nil
}

func (m *LinearModel) z(i int, x float64) float64 {
	return (x - m.art.Means[i]) / m.art.Scales[i]
}

func (m *LinearModel) check(ctx context.Context, features []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(features) != len(m.art.Weights) {
		return fmt.Errorf("expected %d features, got %d", len(m.art.Weights), len(features))
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
