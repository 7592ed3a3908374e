package features

import (
	"fmt"
	"math"

	"github.com/spf13/cast"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
)

// Extractor превращает сырой образец в вектор признаков фиксированного порядка.
// Каждое значение приводится явно (cast), поэтому ошибка типа не может «всплыть»
// из глубины эвристики или модели. Побочных эффектов нет, безопасен для конкурентного вызова.
type Extractor struct {
	schema Schema
	names  []string
}

func NewExtractor(schema Schema) (*Extractor, error) {
	if err := schema.validate(); err != nil {
		return nil, err
	}
	return &Extractor{schema: schema, names: schema.Names()}, nil
}

// Names возвращает копию порядка признаков (для модели и эвристики).
func (e *Extractor) Names() []string {
	return append([]string(nil), e.names...)
}

func (e *Extractor) Extract(s domain.TelemetrySample) (domain.FeatureVector, error) {
	values := make([]float64, len(e.schema.Features))
	for i, f := range e.schema.Features {
		v, err := e.feature(f, s.Metrics)
		if err != nil {
			return domain.FeatureVector{}, &ValidationError{UnitID: s.UnitID, Feature: f.Name, Cause: err}
		}
		values[i] = v
	}
	return domain.FeatureVector{Names: e.names, Values: values}, nil
}

func (e *Extractor) feature(f Feature, metrics map[string]any) (float64, error) {
	switch f.Transform {
	case TransformAbs:
		v, err := e.scalar(f, metrics, f.Metric)
		if err != nil {
			return 0, err
		}
		return math.Abs(v), nil
	case TransformMagnitude:
		if len(f.Components) > 0 {
			return e.componentsMagnitude(f, metrics)
		}
		return e.vectorMagnitude(f, metrics)
	default:
		return e.scalar(f, metrics, f.Metric)
	}
}

// scalar читает одну метрику. Отсутствие - дефолт признака или ошибка;
// нечисловое значение - по политике.
func (e *Extractor) scalar(f Feature, metrics map[string]any, name string) (float64, error) {
	raw, ok := metrics[name]
	if !ok || raw == nil {
		if f.Default != nil {
			return *f.Default, nil
		}
		return 0, fmt.Errorf("metric %q: %w", name, ErrMissingMetric)
	}

	v, err := toFloat(raw)
	if err != nil {
		return e.onCoercionFailure(f, &CoercionError{Metric: name, Value: raw, Cause: err})
	}
	return v, nil
}

func (e *Extractor) componentsMagnitude(f Feature, metrics map[string]any) (float64, error) {
	var sum float64
	for _, c := range f.Components {
		raw, ok := metrics[c]
		if !ok || raw == nil {
			if f.Default != nil {
				return *f.Default, nil
			}
			return 0, fmt.Errorf("component %q: %w", c, ErrMissingMetric)
		}
		v, err := toFloat(raw)
		if err != nil {
			return e.onCoercionFailure(f, &CoercionError{Metric: c, Value: raw, Cause: err})
		}
		sum += v * v
	}
	return math.Sqrt(sum), nil
}

func (e *Extractor) vectorMagnitude(f Feature, metrics map[string]any) (float64, error) {
	raw, ok := metrics[f.Metric]
	if !ok || raw == nil {
		if f.Default != nil {
			return *f.Default, nil
		}
		return 0, fmt.Errorf("metric %q: %w", f.Metric, ErrMissingMetric)
	}

	items, err := toSlice(raw)
	if err != nil {
		return e.onCoercionFailure(f, &CoercionError{Metric: f.Metric, Value: raw, Cause: err})
	}
	if len(items) == 0 {
		return e.onCoercionFailure(f, &CoercionError{Metric: f.Metric, Value: raw, Cause: ErrEmptyVector})
	}

	var sum float64
	for _, item := range items {
		v, err := toFloat(item)
		if err != nil {
			return e.onCoercionFailure(f, &CoercionError{Metric: f.Metric, Value: raw, Cause: err})
		}
		sum += v * v
	}
	return math.Sqrt(sum), nil
}

func (e *Extractor) onCoercionFailure(f Feature, cErr *CoercionError) (float64, error) {
	if e.schema.Policy == PolicyReject {
		return 0, cErr
	}
	if f.Default != nil {
		return *f.Default, nil
	}
	return e.schema.DefaultValue, nil
}

func toFloat(raw any) (float64, error) {
	v, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrNotFinite
	}
	return v, nil
}

func toSlice(raw any) ([]any, error) {
	switch v := raw.(type) {
	case []any:
		return v, nil
	case []float64:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, nil
	default:
		return cast.ToSliceE(raw)
	}
}
