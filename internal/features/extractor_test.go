package features

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
)

func ptr(v float64) *float64 { return &v }

func sample(metrics map[string]any) domain.TelemetrySample {
	return domain.TelemetrySample{UnitID: "sat-1", Timestamp: time.Now(), Metrics: metrics}
}

func newExtractor(t *testing.T, policy Policy, features ...Feature) *Extractor {
	t.Helper()
	e, err := NewExtractor(Schema{Features: features, Policy: policy, DefaultValue: -1})
	require.NoError(t, err)
	return e
}

func TestExtract_AbsOfNegativeGyro(t *testing.T) {
	e := newExtractor(t, PolicyReject, Feature{Name: "gyro_abs", Metric: "gyro", Transform: TransformAbs})

	fv, err := e.Extract(sample(map[string]any{"gyro": -5.0}))
	require.NoError(t, err)
	assert.Equal(t, []string{"gyro_abs"}, fv.Names)
	assert.Equal(t, []float64{5.0}, fv.Values)
}

func TestExtract_KeepsSchemaOrder(t *testing.T) {
	e := newExtractor(t, PolicyReject,
		Feature{Name: "temp", Metric: "temperature", Transform: TransformIdentity},
		Feature{Name: "volt", Metric: "voltage", Transform: TransformIdentity},
		Feature{Name: "rate", Metric: "gyro", Transform: TransformAbs},
	)

	fv, err := e.Extract(sample(map[string]any{"gyro": -1, "voltage": "7.5", "temperature": int64(40)}))
	require.NoError(t, err)
	assert.Equal(t, []string{"temp", "volt", "rate"}, fv.Names)
	assert.Equal(t, []float64{40, 7.5, 1}, fv.Values)
}

func TestExtract_MagnitudeFromList(t *testing.T) {
	e := newExtractor(t, PolicyReject, Feature{Name: "gyro_mag", Metric: "gyro", Transform: TransformMagnitude})

	fv, err := e.Extract(sample(map[string]any{"gyro": []any{3, "4", 0.0}}))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, fv.Values[0], 1e-9)
}

func TestExtract_MagnitudeFromComponents(t *testing.T) {
	e := newExtractor(t, PolicyReject, Feature{
		Name: "accel", Transform: TransformMagnitude, Components: []string{"ax", "ay"},
	})

	fv, err := e.Extract(sample(map[string]any{"ax": 6, "ay": -8}))
	require.NoError(t, err)
	assert.InDelta(t, 10.0, fv.Values[0], 1e-9)
}

func TestExtract_NonNumeric_DefaultPolicySubstitutes(t *testing.T) {
	e := newExtractor(t, PolicyDefault,
		Feature{Name: "temp", Metric: "temperature", Transform: TransformIdentity, Default: ptr(20)},
		Feature{Name: "volt", Metric: "voltage", Transform: TransformIdentity},
	)

	var fv domain.FeatureVector
	var err error
	assert.NotPanics(t, func() {
		fv, err = e.Extract(sample(map[string]any{"temperature": "hot", "voltage": map[string]int{"a": 1}}))
	})
	require.NoError(t, err)
	// Дефолт признака, затем дефолт схемы
	assert.Equal(t, []float64{20, -1}, fv.Values)
}

func TestExtract_NonNumeric_RejectPolicyReturnsValidationError(t *testing.T) {
	e := newExtractor(t, PolicyReject, Feature{Name: "temp", Metric: "temperature", Transform: TransformIdentity})

	_, err := e.Extract(sample(map[string]any{"temperature": "hot"}))
	require.Error(t, err)

	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "temp", vErr.Feature)
	assert.Equal(t, "sat-1", vErr.UnitID)

	var cErr *CoercionError
	require.True(t, errors.As(err, &cErr))
	assert.Equal(t, "temperature", cErr.Metric)
}

func TestExtract_NaNIsCoercionFailure(t *testing.T) {
	e := newExtractor(t, PolicyReject, Feature{Name: "temp", Metric: "temperature", Transform: TransformIdentity})

	_, err := e.Extract(sample(map[string]any{"temperature": math.NaN()}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFinite)

	_, err = e.Extract(sample(map[string]any{"temperature": "NaN"}))
	assert.ErrorIs(t, err, ErrNotFinite)
}

func TestExtract_MissingMetric(t *testing.T) {
	e := newExtractor(t, PolicyDefault,
		Feature{Name: "temp", Metric: "temperature", Transform: TransformIdentity},
	)

	_, err := e.Extract(sample(map[string]any{"voltage": 1}))
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.ErrorIs(t, err, ErrMissingMetric)
}

func TestExtract_MissingMetricWithDefault(t *testing.T) {
	e := newExtractor(t, PolicyReject,
		Feature{Name: "temp", Metric: "temperature", Transform: TransformIdentity, Default: ptr(15)},
	)

	fv, err := e.Extract(sample(map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, []float64{15}, fv.Values)
}

func TestExtract_EmptyVector(t *testing.T) {
	e := newExtractor(t, PolicyReject, Feature{Name: "gyro_mag", Metric: "gyro", Transform: TransformMagnitude})

	_, err := e.Extract(sample(map[string]any{"gyro": []any{}}))
	assert.ErrorIs(t, err, ErrEmptyVector)
}

func TestExtract_GarbageNeverPanics(t *testing.T) {
	e := newExtractor(t, PolicyReject,
		Feature{Name: "a", Metric: "a", Transform: TransformIdentity},
		Feature{Name: "b", Metric: "b", Transform: TransformMagnitude},
	)

	inputs := []map[string]any{
		{"a": struct{}{}, "b": 1},
		{"a": []byte("x"), "b": "not-a-list"},
		{"a": 1, "b": []any{nil, "y"}},
		{"a": 1, "b": map[string]any{"x": 1}},
		nil,
	}
	for _, m := range inputs {
		assert.NotPanics(t, func() {
			_, err := e.Extract(sample(m))
			if err != nil {
				assert.True(t, IsValidationError(err), "unexpected error type: %T", err)
			}
		})
	}
}

func TestNewExtractor_RejectsBadSchema(t *testing.T) {
	cases := map[string]Schema{
		"empty":     {Policy: PolicyDefault},
		"policy":    {Policy: "ignore", Features: []Feature{{Name: "a", Metric: "a", Transform: TransformIdentity}}},
		"duplicate": {Policy: PolicyDefault, Features: []Feature{{Name: "a", Metric: "a", Transform: TransformIdentity}, {Name: "a", Metric: "b", Transform: TransformIdentity}}},
		"transform": {Policy: PolicyDefault, Features: []Feature{{Name: "a", Metric: "a", Transform: "log"}}},
		"magnitude": {Policy: PolicyDefault, Features: []Feature{{Name: "a", Transform: TransformMagnitude}}},
		"no metric": {Policy: PolicyDefault, Features: []Feature{{Name: "a", Transform: TransformAbs}}},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewExtractor(s)
			assert.Error(t, err)
		})
	}
}
