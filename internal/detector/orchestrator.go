// Package detector - Hot Path детекции: признаки, ресурсы и классификация за один вызов.
package detector

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/confidence"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FeatureExtractor превращает сырой образец в вектор признаков.
type FeatureExtractor interface {
	Extract(s domain.TelemetrySample) (domain.FeatureVector, error)
}

// ResourceSource отдает (возможно, закэшированный) снимок ресурсов.
type ResourceSource interface {
	Status(ctx context.Context) (*domain.ResourceStatus, error)
}

// ClassifierProvider выбирает классификатор на текущий вызов (модель или эвристику).
type ClassifierProvider interface {
	Classifier(ctx context.Context) domain.Classifier
}

// ResultRecorder - асинхронный получатель готовых результатов (sink). Не должен блокировать.
type ResultRecorder interface {
	Record(res *domain.AnomalyResult)
}

// Recorders раздает результат нескольким получателям по порядку.
type Recorders []ResultRecorder

func (rs Recorders) Record(res *domain.AnomalyResult) {
	for _, r := range rs {
		r.Record(res)
	}
}

// HeuristicOnly - провайдер для model.enabled=false: всегда эвристика с пометкой heuristic_only.
type HeuristicOnly struct {
	Heuristic domain.Classifier
}

func (h HeuristicOnly) Classifier(context.Context) domain.Classifier { return h }

func (h HeuristicOnly) Classify(ctx context.Context, fv domain.FeatureVector) (domain.Classification, error) {
	cls, err := h.Heuristic.Classify(ctx, fv)
	if err != nil {
		return cls, err
	}
	cls.Degraded = domain.DegradedHeuristicOnly
	return cls, nil
}

type Orchestrator struct {
	extractor  FeatureExtractor
	resources  ResourceSource
	classifier ClassifierProvider
	scorer     *confidence.Scorer
	recorder   ResultRecorder
	batchLimit int
	logger     *zap.Logger
	metrics    *metrics.Metrics

	now func() time.Time
}

type Option func(*Orchestrator)

// WithRecorder подключает sink для готовых результатов.
func WithRecorder(r ResultRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithBatchLimit ограничивает число образцов батча в работе одновременно.
func WithBatchLimit(n int) Option {
	return func(o *Orchestrator) { o.batchLimit = n }
}

func NewOrchestrator(ex FeatureExtractor, rs ResourceSource, cp ClassifierProvider, scorer *confidence.Scorer, logger *zap.Logger, m *metrics.Metrics, opts ...Option) *Orchestrator {
	if m == nil {
		m = metrics.New(nil)
	}
	o := &Orchestrator{
		extractor:  ex,
		resources:  rs,
		classifier: cp,
		scorer:     scorer,
		batchLimit: 8,
		logger:     logger.Named("detector"),
		metrics:    m,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DetectAnomaly - один образец, один результат. Между вызовами состояния нет.
func (o *Orchestrator) DetectAnomaly(ctx context.Context, s domain.TelemetrySample) (*domain.AnomalyResult, error) {
	start := o.now()

	// 1. Признаки. Невалидный образец - сразу ошибка вызывающему, без деградации
	fv, err := o.extractor.Extract(s)
	if err != nil {
		o.metrics.ValidationErrors.Inc()
		return nil, err
	}

	// Вызывающий уже ушел: ресурсы не опрашиваем
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 2. Ресурсы и классификация параллельно: задержка равна большему из двух
	var (
		status *domain.ResourceStatus
		cls    domain.Classification
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st, err := o.resources.Status(gctx)
		if err != nil {
			return err
		}
		status = st
		return nil
	})
	g.Go(func() error {
		c, err := o.classifier.Classifier(gctx).Classify(gctx, fv)
		if err != nil {
			return err
		}
		cls = c
		return nil
	})
	if err := g.Wait(); err != nil {
		// Отмена вызывающего важнее ошибки, которую она вызвала внутри группы
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	// 3. Критическая загрузка только наблюдается: детекция не блокируется
	if status.Overall == domain.HealthCritical {
		o.metrics.ResourceCritical.Inc()
		o.logger.Warn("detection under critical resource load",
			zap.String("unit_id", s.UnitID),
			zap.Float64("cpu", status.CPULoad),
			zap.Float64("mem", status.MemoryLoad),
		)
	}

	res := o.compose(s, cls, *status, start)

	o.metrics.DetectionDuration.WithLabelValues(string(res.Source)).Observe(res.Latency.Seconds())
	o.metrics.DetectionsTotal.WithLabelValues(string(res.Source), boolLabel(res.IsAnomaly)).Inc()
	if res.Degraded != "" {
		o.metrics.DegradedTotal.WithLabelValues(res.Degraded).Inc()
	}
	if res.IsAnomaly {
		o.logger.Info("anomaly detected",
			zap.String("id", res.ID),
			zap.String("unit_id", res.UnitID),
			zap.String("severity", string(res.Severity)),
			zap.String("source", string(res.Source)),
			zap.Float64("score", res.Score),
		)
	}

	if o.recorder != nil {
		o.recorder.Record(res)
	}
	return res, nil
}

func (o *Orchestrator) compose(s domain.TelemetrySample, cls domain.Classification, status domain.ResourceStatus, start time.Time) *domain.AnomalyResult {
	now := o.now()

	phase := s.Phase
	if phase == "" {
		phase = confidence.PhaseNominalOps
	}
	var age time.Duration
	if !s.Timestamp.IsZero() {
		age = now.Sub(s.Timestamp)
	}
	// Повторения и политика в ядре не отслеживаются: 0 и «разрешено»
	conf := o.scorer.Calculate(confidence.Input{
		AnomalyScore:  cls.Score,
		Phase:         phase,
		PolicyAllowed: true,
		TemporalDecay: o.scorer.Decay(age),
	})

	return &domain.AnomalyResult{
		ID:             uuid.New().String(),
		UnitID:         s.UnitID,
		SampleTime:     s.Timestamp,
		IsAnomaly:      cls.IsAnomaly,
		Severity:       cls.Severity,
		Score:          cls.Score,
		Source:         cls.Source,
		Degraded:       cls.Degraded,
		ResourceStatus: status,
		Latency:        now.Sub(start),
		Confidence:     conf,
		Explanation:    confidence.BuildExplanation(cls.Factors, phase, conf),
		DetectedAt:     now,
	}
}

// BatchItem - результат одного образца батча: либо Result, либо Err.
type BatchItem struct {
	Result *domain.AnomalyResult
	Err    error
}

// DetectBatch обрабатывает образцы параллельно; порядок ответов совпадает с порядком входа.
// Ошибка одного образца не влияет на остальные.
func (o *Orchestrator) DetectBatch(ctx context.Context, samples []domain.TelemetrySample) []BatchItem {
	items := make([]BatchItem, len(samples))

	var g errgroup.Group
	g.SetLimit(max(o.batchLimit, 1))
	for i := range samples {
		i := i
		g.Go(func() error {
			res, err := o.DetectAnomaly(ctx, samples[i])
			items[i] = BatchItem{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return items
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
