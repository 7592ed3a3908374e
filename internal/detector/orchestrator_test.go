package detector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/confidence"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/features"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/heuristic"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/model"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/resource"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/workerpool"
	"go.uber.org/zap"
)

func ptr(v float64) *float64 { return &v }

type env struct {
	extractor *features.Extractor
	heuristic *heuristic.Evaluator
	monitor   *resource.Monitor
	probes    *atomic.Int32
}

func newEnv(t *testing.T, cpu, mem float64) *env {
	t.Helper()
	ex, err := features.NewExtractor(features.Schema{
		Features: []features.Feature{
			{Name: "gyro_abs", Metric: "gyro", Transform: features.TransformAbs},
			{Name: "temperature", Metric: "temperature", Transform: features.TransformIdentity},
		},
		Policy: features.PolicyReject,
	})
	require.NoError(t, err)

	h, err := heuristic.NewEvaluator(ex.Names(), []heuristic.Threshold{
		{Feature: "gyro_abs", Max: ptr(10)},
		{Feature: "temperature", Max: ptr(80), Min: ptr(-40)},
	})
	require.NoError(t, err)

	var probes atomic.Int32
	mon := resource.NewMonitor(resource.ProbeFunc(func(context.Context) (float64, float64, error) {
		probes.Add(1)
		return cpu, mem, nil
	}), resource.Config{TTL: time.Minute}, zap.NewNop(), nil)

	return &env{extractor: ex, heuristic: h, monitor: mon, probes: &probes}
}

func (e *env) orchestrator(cp ClassifierProvider, opts ...Option) *Orchestrator {
	scorer := confidence.NewScorer(confidence.DefaultWeights(), 0, zap.NewNop())
	return NewOrchestrator(e.extractor, e.monitor, cp, scorer, zap.NewNop(), nil, opts...)
}

func gyroSample(gyro float64) domain.TelemetrySample {
	return domain.TelemetrySample{
		UnitID:    "sat-1",
		Timestamp: time.Now(),
		Metrics:   map[string]any{"gyro": gyro, "temperature": 25},
	}
}

type recorder struct {
	mu  sync.Mutex
	got []*domain.AnomalyResult
}

func (r *recorder) Record(res *domain.AnomalyResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, res)
}

func TestDetectAnomaly_NegativeGyroBelowThreshold(t *testing.T) {
	e := newEnv(t, 10, 10)
	o := e.orchestrator(HeuristicOnly{Heuristic: e.heuristic})

	res, err := o.DetectAnomaly(context.Background(), gyroSample(-5))
	require.NoError(t, err)
	assert.False(t, res.IsAnomaly)
	assert.Equal(t, domain.SourceHeuristic, res.Source)
	assert.Equal(t, domain.DegradedHeuristicOnly, res.Degraded)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "sat-1", res.UnitID)
	assert.Equal(t, confidence.PhaseNominalOps, res.Explanation.MissionPhaseConstraint)
	assert.Greater(t, res.Confidence, 0.0)

	res, err = o.DetectAnomaly(context.Background(), gyroSample(-15))
	require.NoError(t, err)
	assert.True(t, res.IsAnomaly)
	assert.NotEqual(t, domain.SeverityNone, res.Severity)
}

func TestDetectAnomaly_ValidationErrorReturnedImmediately(t *testing.T) {
	e := newEnv(t, 10, 10)
	o := e.orchestrator(HeuristicOnly{Heuristic: e.heuristic})

	_, err := o.DetectAnomaly(context.Background(), domain.TelemetrySample{
		UnitID:  "sat-1",
		Metrics: map[string]any{"gyro": "spinning", "temperature": 20},
	})
	require.Error(t, err)
	assert.True(t, features.IsValidationError(err))
	assert.EqualValues(t, 0, e.probes.Load())
}

func TestDetectAnomaly_CriticalResourcesStillClassify(t *testing.T) {
	e := newEnv(t, 99, 99)
	o := e.orchestrator(HeuristicOnly{Heuristic: e.heuristic})

	res, err := o.DetectAnomaly(context.Background(), gyroSample(20))
	require.NoError(t, err)
	assert.Equal(t, domain.HealthCritical, res.ResourceStatus.Overall)
	assert.True(t, res.IsAnomaly)
}

func TestDetectAnomaly_ResourceStatusCachedAcrossCalls(t *testing.T) {
	e := newEnv(t, 10, 10)
	o := e.orchestrator(HeuristicOnly{Heuristic: e.heuristic})

	first, err := o.DetectAnomaly(context.Background(), gyroSample(1))
	require.NoError(t, err)
	second, err := o.DetectAnomaly(context.Background(), gyroSample(2))
	require.NoError(t, err)

	assert.Equal(t, first.ResourceStatus.SampledAt, second.ResourceStatus.SampledAt)
	assert.EqualValues(t, 1, e.probes.Load())
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDetectAnomaly_FailedModelServesHeuristic(t *testing.T) {
	e := newEnv(t, 10, 10)
	store := &model.BytesStore{Data: []byte("corrupt")}
	sm := model.NewStatisticalModel(model.Options{Store: store, FeatureNames: e.extractor.Names()},
		workerpool.New(2), e.heuristic, zap.NewNop(), nil)
	o := e.orchestrator(sm)

	res, err := o.DetectAnomaly(context.Background(), gyroSample(3))
	require.NoError(t, err)
	assert.Equal(t, domain.SourceHeuristic, res.Source)

	state, err := sm.WaitLoaded(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.ModelFailed, state)

	res, err = o.DetectAnomaly(context.Background(), gyroSample(30))
	require.NoError(t, err)
	assert.Equal(t, domain.SourceHeuristic, res.Source)
	assert.Equal(t, domain.DegradedModelFailed, res.Degraded)
	assert.True(t, res.IsAnomaly)
	assert.EqualValues(t, 1, sm.Attempts())
	assert.Equal(t, domain.ModelFailed, sm.State())
}

func TestDetectAnomaly_RecordsResult(t *testing.T) {
	e := newEnv(t, 10, 10)
	rec := &recorder{}
	o := e.orchestrator(HeuristicOnly{Heuristic: e.heuristic}, WithRecorder(rec))

	res, err := o.DetectAnomaly(context.Background(), gyroSample(1))
	require.NoError(t, err)
	require.Len(t, rec.got, 1)
	assert.Same(t, res, rec.got[0])
}

func TestRecorders_FanOut(t *testing.T) {
	e := newEnv(t, 10, 10)
	first, second := &recorder{}, &recorder{}
	o := e.orchestrator(HeuristicOnly{Heuristic: e.heuristic}, WithRecorder(Recorders{first, second}))

	res, err := o.DetectAnomaly(context.Background(), gyroSample(1))
	require.NoError(t, err)
	require.Len(t, first.got, 1)
	require.Len(t, second.got, 1)
	assert.Same(t, res, second.got[0])
}

func TestDetectBatch_KeepsOrderAndPerItemErrors(t *testing.T) {
	e := newEnv(t, 10, 10)
	o := e.orchestrator(HeuristicOnly{Heuristic: e.heuristic}, WithBatchLimit(2))

	bad := domain.TelemetrySample{UnitID: "sat-bad", Metrics: map[string]any{"gyro": 1}}
	samples := []domain.TelemetrySample{gyroSample(1), bad, gyroSample(50), gyroSample(2)}

	items := o.DetectBatch(context.Background(), samples)
	require.Len(t, items, 4)

	require.NoError(t, items[0].Err)
	assert.False(t, items[0].Result.IsAnomaly)
	assert.Error(t, items[1].Err)
	assert.Nil(t, items[1].Result)
	require.NoError(t, items[2].Err)
	assert.True(t, items[2].Result.IsAnomaly)
	require.NoError(t, items[3].Err)
}

func TestDetectAnomaly_CanceledContext(t *testing.T) {
	e := newEnv(t, 10, 10)
	o := e.orchestrator(HeuristicOnly{Heuristic: e.heuristic})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.DetectAnomaly(ctx, gyroSample(1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, e.probes.Load())
}

func TestDetectAnomaly_LoadingModelDoesNotConsumeDeadline(t *testing.T) {
	e := newEnv(t, 10, 10)
	release := make(chan struct{})
	defer close(release)
	sm := model.NewStatisticalModel(model.Options{
		Store:        &model.BytesStore{Data: []byte("x")},
		FeatureNames: e.extractor.Names(),
		Decoder: func([]byte, []string) (model.Predictor, error) {
			select {
			case <-release:
			case <-time.After(500 * time.Millisecond):
			}
			return nil, errors.New("decoder gave up")
		},
	}, workerpool.New(2), e.heuristic, zap.NewNop(), nil)
	sm.Warmup()
	o := e.orchestrator(sm)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := o.DetectAnomaly(ctx, gyroSample(2))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, domain.SourceHeuristic, res.Source)
	assert.Equal(t, domain.DegradedModelUnavailable, res.Degraded)
	assert.Less(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, domain.ModelLoading, sm.State())
}
