package features

import (
	"errors"
	"fmt"
)

var (
	ErrMissingMetric = errors.New("metric is missing")
	ErrNotFinite     = errors.New("value is not finite")
	ErrEmptyVector   = errors.New("vector metric is empty")
)

// CoercionError - значение метрики не приводится к float64.
// При политике "default" оно заменяется дефолтом, при "reject" заворачивается в ValidationError.
type CoercionError struct {
	Metric string
	Value  any
	Cause  error
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("coercion: metric %q value %v (%T) is not numeric: %v", e.Metric, e.Value, e.Value, e.Cause)
}

func (e *CoercionError) Unwrap() error { return e.Cause }

// ValidationError - образец нельзя превратить в вектор признаков. Для вызова это фатально.
type ValidationError struct {
	UnitID  string
	Feature string
	Cause   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: unit %q feature %q: %v", e.UnitID, e.Feature, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// IsValidationError - короткая проверка для транспортных слоев.
func IsValidationError(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}
