package evaluation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func result(unit string, at time.Time, anomaly bool, src domain.Source, conf float64) *domain.AnomalyResult {
	return &domain.AnomalyResult{UnitID: unit, SampleTime: at, IsAnomaly: anomaly, Source: src, Confidence: conf}
}

func TestTracker_PrecisionRecallF1(t *testing.T) {
	tr := NewTracker(0, zap.NewNop())
	require.NoError(t, tr.RecordGroundTruth(GroundTruth{UnitID: "sat-1", At: t0}))
	require.NoError(t, tr.RecordGroundTruth(GroundTruth{UnitID: "sat-1", At: t0.Add(10 * time.Second), FaultType: "gyro_drift"}))
	require.NoError(t, tr.RecordGroundTruth(GroundTruth{UnitID: "sat-1", At: t0.Add(20 * time.Second)}))

	tr.Record(result("sat-1", t0.Add(1*time.Second), false, domain.SourceModel, 0.9))  // TN
	tr.Record(result("sat-1", t0.Add(2*time.Second), true, domain.SourceModel, 0.5))   // FP
	tr.Record(result("sat-1", t0.Add(11*time.Second), true, domain.SourceModel, 0.8))  // TP
	tr.Record(result("sat-1", t0.Add(12*time.Second), true, domain.SourceModel, 0.8))  // TP
	tr.Record(result("sat-1", t0.Add(13*time.Second), false, domain.SourceModel, 0.3)) // FN
	tr.Record(result("sat-1", t0.Add(25*time.Second), false, domain.SourceModel, 0.9)) // TN

	s := tr.Summary()
	assert.Equal(t, 3, s.GroundTruthEvents)
	assert.Equal(t, 6, s.Classifications)
	assert.Equal(t, 0, s.Unlabeled)

	o := s.Overall
	assert.Equal(t, 2, o.TruePositives)
	assert.Equal(t, 1, o.FalsePositives)
	assert.Equal(t, 1, o.FalseNegatives)
	assert.Equal(t, 2, o.TrueNegatives)
	assert.Equal(t, 4, o.Correct)
	assert.InDelta(t, 4.0/6, o.Accuracy, 1e-9)
	assert.InDelta(t, 2.0/3, o.Precision, 1e-9)
	assert.InDelta(t, 2.0/3, o.Recall, 1e-9)
	assert.InDelta(t, 2.0/3, o.F1, 1e-9)
	assert.InDelta(t, 0.7, o.ConfidenceMean, 1e-9)

	require.Contains(t, s.ByFaultType, "gyro_drift")
	assert.Equal(t, 3, s.ByFaultType["gyro_drift"].Occurrences)
	assert.Equal(t, 2, s.ByFaultType["gyro_drift"].Detected)
	assert.InDelta(t, 2.0/3, s.ByFaultType["gyro_drift"].Recall, 1e-9)

	assert.Equal(t, 2, s.Confusion["anomaly"]["gyro_drift"])
	assert.Equal(t, 1, s.Confusion["anomaly"][Nominal])
	assert.Equal(t, 1, s.Confusion[Nominal]["gyro_drift"])
	assert.Equal(t, 2, s.Confusion[Nominal][Nominal])
}

func TestTracker_UnlabeledUnitsSkipped(t *testing.T) {
	tr := NewTracker(0, zap.NewNop())
	require.NoError(t, tr.RecordGroundTruth(GroundTruth{UnitID: "sat-1", At: t0, FaultType: "thermal"}))

	tr.Record(result("sat-2", t0.Add(time.Second), true, domain.SourceHeuristic, 0.6))
	tr.Record(result("sat-1", t0.Add(-time.Second), true, domain.SourceHeuristic, 0.6)) // до первой отметки - номинал

	s := tr.Summary()
	assert.Equal(t, 1, s.Unlabeled)
	assert.Equal(t, 1, s.Overall.Total)
	assert.Equal(t, 1, s.Overall.FalsePositives)
	assert.NotContains(t, s.ByUnit, "sat-2")
}

func TestTracker_LateGroundTruthCounts(t *testing.T) {
	tr := NewTracker(0, zap.NewNop())
	tr.Record(result("sat-1", t0.Add(5*time.Second), true, domain.SourceModel, 0.7))

	assert.Equal(t, 1, tr.Summary().Unlabeled)

	// Отметки приходят не по порядку
	require.NoError(t, tr.RecordGroundTruth(GroundTruth{UnitID: "sat-1", At: t0.Add(10 * time.Second)}))
	require.NoError(t, tr.RecordGroundTruth(GroundTruth{UnitID: "sat-1", At: t0, FaultType: "power_sag"}))

	s := tr.Summary()
	assert.Equal(t, 0, s.Unlabeled)
	assert.Equal(t, 1, s.Overall.TruePositives)
}

func TestTracker_BySourceAndUnit(t *testing.T) {
	tr := NewTracker(0, zap.NewNop())
	require.NoError(t, tr.RecordGroundTruth(GroundTruth{UnitID: "sat-1", At: t0, FaultType: "gyro_drift"}))
	require.NoError(t, tr.RecordGroundTruth(GroundTruth{UnitID: "sat-2", At: t0}))

	tr.Record(result("sat-1", t0.Add(time.Second), true, domain.SourceModel, 0.9))
	tr.Record(result("sat-1", t0.Add(2*time.Second), false, domain.SourceHeuristic, 0.4))
	tr.Record(result("sat-2", t0.Add(time.Second), false, domain.SourceHeuristic, 0.8))

	s := tr.Summary()
	require.Contains(t, s.BySource, domain.SourceModel)
	assert.InDelta(t, 1.0, s.BySource[domain.SourceModel].Recall, 1e-9)
	assert.InDelta(t, 0.0, s.BySource[domain.SourceHeuristic].Recall, 1e-9)
	assert.Equal(t, 2, s.ByUnit["sat-1"].Total)
	assert.InDelta(t, 1.0, s.ByUnit["sat-2"].Accuracy, 1e-9)
}

func TestTracker_EvictsOldestAndResets(t *testing.T) {
	tr := NewTracker(2, zap.NewNop())
	require.NoError(t, tr.RecordGroundTruth(GroundTruth{UnitID: "sat-1", At: t0}))
	for i := 0; i < 5; i++ {
		tr.Record(result("sat-1", t0.Add(time.Duration(i)*time.Second), false, domain.SourceModel, 0.5))
	}
	assert.Equal(t, 2, tr.Summary().Classifications)

	tr.Reset()
	s := tr.Summary()
	assert.Zero(t, s.Classifications)
	assert.Zero(t, s.GroundTruthEvents)
	assert.Zero(t, s.Overall.F1)
}

func TestTracker_RejectsIncompleteGroundTruth(t *testing.T) {
	tr := NewTracker(0, zap.NewNop())
	assert.ErrorIs(t, tr.RecordGroundTruth(GroundTruth{At: t0}), ErrInvalidGroundTruth)
	assert.ErrorIs(t, tr.RecordGroundTruth(GroundTruth{UnitID: "sat-1"}), ErrInvalidGroundTruth)
}

func TestTracker_ConcurrentRecord(t *testing.T) {
	tr := NewTracker(0, zap.NewNop())
	require.NoError(t, tr.RecordGroundTruth(GroundTruth{UnitID: "sat-1", At: t0}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record(result("sat-1", t0.Add(time.Second), false, domain.SourceModel, 0.5))
			_ = tr.Summary()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, tr.Summary().Overall.TrueNegatives)
}
