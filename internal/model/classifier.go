package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
	"go.uber.org/zap"
)

// modelClassifier - адаптер Ready-модели к domain.Classifier.
// Сбой инференса локален для вызова: ответ дает эвристика, состояние модели не меняется.
type modelClassifier struct {
	model *StatisticalModel
}

type inference struct {
	label bool
	score float64
}

func (c *modelClassifier) Classify(ctx context.Context, fv domain.FeatureVector) (domain.Classification, error) {
	sm := c.model

	res, err := sm.cb.Execute(func() (interface{}, error) {
		label, score, err := sm.Detect(ctx, fv)
		if err != nil {
			return nil, err
		}
		return inference{label: label, score: score}, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Classification{}, ctxErr
		}

		reason := domain.DegradedInferenceError
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			reason = domain.DegradedBreakerOpen
		} else {
			sm.metrics.InferenceErrors.Inc()
			sm.logger.Warn("model inference failed, falling back to heuristic", zap.Error(err))
		}
		return degrade(ctx, sm.fallback, fv, reason)
	}

	out := res.(inference)
	return domain.Classification{
		IsAnomaly: out.label,
		Severity:  domain.SeverityFromScore(out.label, out.score),
		Score:     out.score,
		Source:    domain.SourceModel,
		Factors:   []string{fmt.Sprintf("statistical model anomaly score %.3f", out.score)},
	}, nil
}

// degradedClassifier - «нулевой» адаптер модели: та же форма, ответ эвристики с причиной деградации.
type degradedClassifier struct {
	next   domain.Classifier
	reason string
}

func (c *degradedClassifier) Classify(ctx context.Context, fv domain.FeatureVector) (domain.Classification, error) {
	return degrade(ctx, c.next, fv, c.reason)
}

func degrade(ctx context.Context, next domain.Classifier, fv domain.FeatureVector, reason string) (domain.Classification, error) {
	cls, err := next.Classify(ctx, fv)
	if err != nil {
		return domain.Classification{}, err
	}
	cls.Degraded = reason
	return cls, nil
}
