package features

import (
	"fmt"

	"github.com/xela07ax/spaceai-telemetry-guard/internal/infra"
)

// Policy - что делать с нечисловым значением обязательной метрики.
type Policy string

const (
	PolicyDefault Policy = "default"
	PolicyReject  Policy = "reject"
)

type Transform string

const (
	TransformIdentity  Transform = "identity"
	TransformAbs       Transform = "abs"
	TransformMagnitude Transform = "magnitude"
)

// Feature - описание одного признака: откуда брать и как преобразовать.
type Feature struct {
	Name      string
	Metric    string
	Transform Transform
	// Components - отдельные метрики-компоненты для magnitude (например, gyro_x, gyro_y, gyro_z)
	Components []string
	Default    *float64
}

// Schema - упорядоченный список признаков. Порядок задает порядок FeatureVector.
type Schema struct {
	Features     []Feature
	Policy       Policy
	DefaultValue float64
}

// SchemaFromConfig переносит конфиг в схему без потери порядка.
func SchemaFromConfig(cfg infra.FeaturesConfig) Schema {
	s := Schema{
		Features:     make([]Feature, 0, len(cfg.Schema)),
		Policy:       Policy(cfg.CoercionPolicy),
		DefaultValue: cfg.DefaultValue,
	}
	for _, f := range cfg.Schema {
		t := Transform(f.Transform)
		if t == "" {
			t = TransformIdentity
		}
		s.Features = append(s.Features, Feature{
			Name:       f.Name,
			Metric:     f.Metric,
			Transform:  t,
			Components: append([]string(nil), f.Components...),
			Default:    f.Default,
		})
	}
	return s
}

// Names - имена признаков в порядке вектора.
func (s Schema) Names() []string {
	names := make([]string, len(s.Features))
	for i, f := range s.Features {
		names[i] = f.Name
	}
	return names
}

func (s Schema) validate() error {
	if len(s.Features) == 0 {
		return fmt.Errorf("schema: no features defined")
	}
	switch s.Policy {
	case PolicyDefault, PolicyReject:
	default:
		return fmt.Errorf("schema: unknown coercion policy %q", s.Policy)
	}

	seen := make(map[string]struct{}, len(s.Features))
	for i, f := range s.Features {
		if f.Name == "" {
			return fmt.Errorf("schema: feature #%d has no name", i)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("schema: duplicate feature %q", f.Name)
		}
		seen[f.Name] = struct{}{}

		switch f.Transform {
		case TransformIdentity, TransformAbs:
			if f.Metric == "" {
				return fmt.Errorf("schema: feature %q needs a metric", f.Name)
			}
		case TransformMagnitude:
			if f.Metric == "" && len(f.Components) == 0 {
				return fmt.Errorf("schema: feature %q needs a metric or components", f.Name)
			}
		default:
			return fmt.Errorf("schema: feature %q has unknown transform %q", f.Name, f.Transform)
		}
	}
	return nil
}
