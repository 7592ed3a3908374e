package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/infra"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/metrics"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/workerpool"
	"go.uber.org/zap"
)

const loadTimeout = 30 * time.Second

// Options - все, что нужно модели, передается явно: никаких глобальных синглтонов.
type Options struct {
	Store         ArtifactStore
	Decoder       Decoder
	FeatureNames  []string
	Digest        string
	FetchAttempts uint

	// Circuit Breaker инференса
	CBMaxRequests         uint32
	CBInterval            time.Duration
	CBTimeout             time.Duration
	CBConsecutiveFailures uint32
}

// OptionsFromConfig собирает Options из конфига; store выбирается вызывающим.
func OptionsFromConfig(cfg infra.ModelConfig, store ArtifactStore, featureNames []string) Options {
	return Options{
		Store:                 store,
		Decoder:               DecodeLinearModel,
		FeatureNames:          featureNames,
		Digest:                cfg.Blake2b,
		FetchAttempts:         cfg.FetchAttempts,
		CBMaxRequests:         cfg.CBMaxRequests,
		CBInterval:            cfg.CBInterval,
		CBTimeout:             cfg.CBTimeout,
		CBConsecutiveFailures: cfg.CBConsecutiveFailures,
	}
}

// StatisticalModel владеет жизненным циклом предобученной модели:
// Unloaded → Loading → Ready | Failed. Загрузка выполняется не более одного раза за
// жизнь экземпляра; Failed терминален, модель больше не перезагружается.
type StatisticalModel struct {
	opts     Options
	pool     *workerpool.Pool
	fallback domain.Classifier
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cb       *gobreaker.CircuitBreaker

	state    atomic.Int32
	attempts atomic.Int64
	loadOnce sync.Once
	loaded   chan struct{} // закрывается после перехода в Ready или Failed

	// Пишутся до close(loaded), дальше только читаются
	predictor Predictor
	loadErr   error

	ready       *modelClassifier
	unavailable *degradedClassifier
	failed      *degradedClassifier
}

func NewStatisticalModel(opts Options, pool *workerpool.Pool, fallback domain.Classifier, logger *zap.Logger, m *metrics.Metrics) *StatisticalModel {
	if opts.Decoder == nil {
		opts.Decoder = DecodeLinearModel
	}
	if m == nil {
		m = metrics.New(nil)
	}

	sm := &StatisticalModel{
		opts:     opts,
		pool:     pool,
		fallback: fallback,
		logger:   logger.Named("model"),
		metrics:  m,
		loaded:   make(chan struct{}),
	}
	sm.cb = gobreaker.NewCircuitBreaker(sm.breakerSettings())
	sm.ready = &modelClassifier{model: sm}
	sm.unavailable = &degradedClassifier{next: fallback, reason: domain.DegradedModelUnavailable}
	sm.failed = &degradedClassifier{next: fallback, reason: domain.DegradedModelFailed}
	m.ModelState.Set(float64(domain.ModelUnloaded))
	return sm
}

func (sm *StatisticalModel) breakerSettings() gobreaker.Settings {
	maxReq := sm.opts.CBMaxRequests
	if maxReq == 0 {
		maxReq = 3
	}
	threshold := sm.opts.CBConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.Settings{
		Name:        "model-inference",
		MaxRequests: maxReq,
		Interval:    sm.opts.CBInterval,
		Timeout:     sm.opts.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Отмена со стороны вызывающего - не вина модели
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			sm.metrics.CircuitBreakerState.Set(float64(to))
			sm.logger.Warn("inference circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
}

// State - текущее состояние жизненного цикла.
func (sm *StatisticalModel) State() domain.ModelState {
	return domain.ModelState(sm.state.Load())
}

// Attempts - сколько раз запускалась загрузка (для одного экземпляра всегда 0 или 1).
func (sm *StatisticalModel) Attempts() int64 { return sm.attempts.Load() }

// LoadErr - причина перехода в Failed (nil в остальных состояниях).
func (sm *StatisticalModel) LoadErr() error {
	if sm.State() != domain.ModelFailed {
		return nil
	}
	return sm.loadErr
}

// Warmup запускает загрузку вне Hot Path (при старте процесса) и не ждет ее.
func (sm *StatisticalModel) Warmup() {
	sm.startLoad()
}

// WaitLoaded ждет Ready/Failed или отмены ctx.
func (sm *StatisticalModel) WaitLoaded(ctx context.Context) (domain.ModelState, error) {
	sm.startLoad()
	select {
	case <-sm.loaded:
		return sm.State(), nil
	case <-ctx.Done():
		return sm.State(), ctx.Err()
	}
}

// Classifier возвращает классификатор для текущего состояния. Обе реализации имеют одну форму,
// поэтому оркестратор не ветвится на «есть ли модель». До Ready/Failed вызов только запускает
// загрузку и сразу отдает эвристику: Hot Path никогда не ждет модель.
func (sm *StatisticalModel) Classifier(context.Context) domain.Classifier {
	switch sm.State() {
	case domain.ModelReady:
		return sm.ready
	case domain.ModelFailed:
		return sm.failed
	}
	sm.startLoad()
	return sm.unavailable
}

// Detect - контракт модели: метка и скор, только в состоянии Ready.
// predict и score уходят в пул одновременно, задержка равна максимуму из двух.
func (sm *StatisticalModel) Detect(ctx context.Context, fv domain.FeatureVector) (bool, float64, error) {
	if sm.State() != domain.ModelReady {
		return false, 0, ErrModelUnavailable
	}

	features := fv.Values
	p := sm.predictor
	labelF := workerpool.Submit(sm.pool, func() (bool, error) { return p.PredictLabel(ctx, features) })
	scoreF := workerpool.Submit(sm.pool, func() (float64, error) { return p.Score(ctx, features) })

	label, lErr := labelF.Await(ctx)
	score, sErr := scoreF.Await(ctx)
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	if lErr != nil {
		return false, 0, &InferenceError{Op: "predict", Cause: lErr}
	}
	if sErr != nil {
		return false, 0, &InferenceError{Op: "score", Cause: sErr}
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return false, 0, &InferenceError{Op: "score", Cause: fmt.Errorf("non-finite score %v", score)}
	}
	return label, math.Max(0, math.Min(1, score)), nil
}

func (sm *StatisticalModel) startLoad() {
	sm.loadOnce.Do(func() {
		sm.setState(domain.ModelLoading)
		go sm.load()
	})
}

// load работает на отвязанном контексте: результат нужен всем последующим вызовам.
func (sm *StatisticalModel) load() {
	defer close(sm.loaded)

	sm.attempts.Add(1)
	sm.metrics.ModelLoadAttempts.Inc()
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	location := "<none>"
	if sm.opts.Store != nil {
		location = sm.opts.Store.Location()
	}

	predictor, err := sm.fetchAndDecode(ctx)
	if err != nil {
		sm.loadErr = &LoadError{Location: location, Cause: err}
		sm.setState(domain.ModelFailed)
		sm.logger.Error("model load failed, heuristic path will serve all detections",
			zap.String("location", location),
			zap.Error(err),
		)
		return
	}

	sm.predictor = predictor
	sm.setState(domain.ModelReady)
	sm.logger.Info("model loaded",
		zap.String("location", location),
		zap.Duration("took", time.Since(start)),
	)
}

func (sm *StatisticalModel) fetchAndDecode(ctx context.Context) (p Predictor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoder panicked: %v", r)
		}
	}()

	if sm.opts.Store == nil {
		return nil, errors.New("no artifact store configured")
	}
	blob, err := fetchWithRetry(ctx, sm.opts.Store, sm.opts.FetchAttempts)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if err := verifyDigest(blob, sm.opts.Digest); err != nil {
		return nil, err
	}
	return sm.opts.Decoder(blob, sm.opts.FeatureNames)
}

func (sm *StatisticalModel) setState(s domain.ModelState) {
	sm.state.Store(int32(s))
	sm.metrics.ModelState.Set(float64(s))
}
