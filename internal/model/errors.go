package model

import (
	"errors"
	"fmt"
)

var (
	// ErrModelUnavailable - модель еще не Ready (или уже Failed).
	ErrModelUnavailable = errors.New("model: not ready")
	ErrArtifactNotFound = errors.New("model: artifact not found")
	ErrDigestMismatch   = errors.New("model: artifact digest mismatch")
)

// LoadError - артефакт не удалось получить или десериализовать. Терминально для процесса.
type LoadError struct {
	Location string
	Cause    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("model load from %s failed: %v", e.Location, e.Cause)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// InferenceError - сбой одного вызова инференса. Состояние модели не меняет.
type InferenceError struct {
	Op    string // predict, score
	Cause error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("model %s failed: %v", e.Op, e.Cause)
}

func (e *InferenceError) Unwrap() error { return e.Cause }
