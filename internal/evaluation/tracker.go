// Package evaluation сверяет результаты детекции с размеченной истиной (стенды, сценарии HIL)
// и считает precision/recall/F1 по юнитам, источникам и типам отказов.
package evaluation

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
	"go.uber.org/zap"
)

// Nominal - метка «отказа нет» в разметке и в матрице ошибок.
const Nominal = "nominal"

const predictedAnomaly = "anomaly"

const defaultMaxRecords = 10000

var ErrInvalidGroundTruth = errors.New("evaluation: unit_id and at are required")

// GroundTruth - ожидаемое состояние юнита начиная с момента At (до следующей отметки).
// Пустой FaultType - номинал.
type GroundTruth struct {
	UnitID    string    `json:"unit_id"`
	At        time.Time `json:"at"`
	FaultType string    `json:"fault_type,omitempty"`
}

func (g GroundTruth) faulty() bool { return g.FaultType != "" && g.FaultType != Nominal }

// Stats - бинарная сверка «аномалия / номинал».
type Stats struct {
	Total          int     `json:"total"`
	Correct        int     `json:"correct"`
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	TrueNegatives  int     `json:"true_negatives"`
	Accuracy       float64 `json:"accuracy"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
	ConfidenceMean float64 `json:"confidence_mean"`
	ConfidenceStd  float64 `json:"confidence_std"`

	confSum, confSqSum float64
}

// FaultStats - насколько хорошо ловится конкретный тип отказа.
type FaultStats struct {
	Occurrences   int     `json:"occurrences"`
	Detected      int     `json:"detected"`
	Recall        float64 `json:"recall"`
	AvgConfidence float64 `json:"avg_confidence"`

	confSum float64
}

type Summary struct {
	GroundTruthEvents int                      `json:"ground_truth_events"`
	Classifications   int                      `json:"classifications"`
	Unlabeled         int                      `json:"unlabeled"`
	Overall           Stats                    `json:"overall"`
	ByUnit            map[string]*Stats        `json:"by_unit"`
	BySource          map[domain.Source]*Stats `json:"by_source"`
	ByFaultType       map[string]*FaultStats   `json:"by_fault_type"`
	// Confusion[предсказание][истина]
	Confusion map[string]map[string]int `json:"confusion"`
}

type record struct {
	unitID     string
	at         time.Time
	isAnomaly  bool
	source     domain.Source
	confidence float64
}

// Tracker копит разметку и результаты; сверка выполняется при запросе Summary,
// поэтому разметка, пришедшая позже результата, тоже учитывается.
type Tracker struct {
	mu         sync.Mutex
	truth      map[string][]GroundTruth
	sorted     map[string]bool
	events     int
	records    []record
	maxRecords int
	logger     *zap.Logger
}

// NewTracker: maxRecords ограничивает память, старые результаты вытесняются первыми.
func NewTracker(maxRecords int, logger *zap.Logger) *Tracker {
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}
	return &Tracker{
		truth:      make(map[string][]GroundTruth),
		sorted:     make(map[string]bool),
		maxRecords: maxRecords,
		logger:     logger.Named("evaluation"),
	}
}

func (t *Tracker) RecordGroundTruth(g GroundTruth) error {
	if g.UnitID == "" || g.At.IsZero() {
		return ErrInvalidGroundTruth
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.truth[g.UnitID] = append(t.truth[g.UnitID], g)
	t.sorted[g.UnitID] = false
	t.events++
	return nil
}

// Record - получатель результатов оркестратора. Не блокирует дольше мьютекса.
func (t *Tracker) Record(res *domain.AnomalyResult) {
	if res == nil {
		return
	}
	at := res.SampleTime
	if at.IsZero() {
		at = res.DetectedAt
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.records) >= t.maxRecords {
		drop := len(t.records) - t.maxRecords + 1
		t.records = append(t.records[:0], t.records[drop:]...)
	}
	t.records = append(t.records, record{
		unitID:     res.UnitID,
		at:         at,
		isAnomaly:  res.IsAnomaly,
		source:     res.Source,
		confidence: res.Confidence,
	})
}

func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	sum := Summary{
		GroundTruthEvents: t.events,
		Classifications:   len(t.records),
		ByUnit:            make(map[string]*Stats),
		BySource:          make(map[domain.Source]*Stats),
		ByFaultType:       make(map[string]*FaultStats),
		Confusion:         make(map[string]map[string]int),
	}

	for _, r := range t.records {
		truth, ok := t.lookup(r.unitID, r.at)
		if !ok {
			sum.Unlabeled++
			continue
		}
		actual := Nominal
		if truth.faulty() {
			actual = truth.FaultType
		}

		unit := sum.ByUnit[r.unitID]
		if unit == nil {
			unit = &Stats{}
			sum.ByUnit[r.unitID] = unit
		}
		src := sum.BySource[r.source]
		if src == nil {
			src = &Stats{}
			sum.BySource[r.source] = src
		}
		for _, s := range []*Stats{&sum.Overall, unit, src} {
			s.add(r.isAnomaly, truth.faulty(), r.confidence)
		}

		if truth.faulty() {
			fs := sum.ByFaultType[actual]
			if fs == nil {
				fs = &FaultStats{}
				sum.ByFaultType[actual] = fs
			}
			fs.Occurrences++
			fs.confSum += r.confidence
			if r.isAnomaly {
				fs.Detected++
			}
		}

		predicted := Nominal
		if r.isAnomaly {
			predicted = predictedAnomaly
		}
		if sum.Confusion[predicted] == nil {
			sum.Confusion[predicted] = make(map[string]int)
		}
		sum.Confusion[predicted][actual]++
	}

	sum.Overall.finish()
	for _, s := range sum.ByUnit {
		s.finish()
	}
	for _, s := range sum.BySource {
		s.finish()
	}
	for _, fs := range sum.ByFaultType {
		fs.Recall = ratio(fs.Detected, fs.Occurrences)
		fs.AvgConfidence = fs.confSum / float64(fs.Occurrences)
	}
	return sum
}

// Reset очищает разметку и результаты (между прогонами сценариев).
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.truth = make(map[string][]GroundTruth)
	t.sorted = make(map[string]bool)
	t.events = 0
	t.records = nil
	t.logger.Info("evaluation data reset")
}

// lookup: последняя отметка юнита не позже at. Юнит без разметки не оценивается,
// момент до первой отметки считается номиналом.
func (t *Tracker) lookup(unitID string, at time.Time) (GroundTruth, bool) {
	events := t.truth[unitID]
	if len(events) == 0 {
		return GroundTruth{}, false
	}
	if !t.sorted[unitID] {
		sort.SliceStable(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
		t.sorted[unitID] = true
	}
	idx := sort.Search(len(events), func(i int) bool { return events[i].At.After(at) }) - 1
	if idx < 0 {
		return GroundTruth{UnitID: unitID, At: at}, true
	}
	return events[idx], true
}

func (s *Stats) add(predicted, actual bool, confidence float64) {
	s.Total++
	s.confSum += confidence
	s.confSqSum += confidence * confidence
	switch {
	case predicted && actual:
		s.TruePositives++
	case predicted && !actual:
		s.FalsePositives++
	case !predicted && actual:
		s.FalseNegatives++
	default:
		s.TrueNegatives++
	}
}

func (s *Stats) finish() {
	if s.Total == 0 {
		return
	}
	s.Correct = s.TruePositives + s.TrueNegatives
	s.Accuracy = ratio(s.Correct, s.Total)
	s.Precision = ratio(s.TruePositives, s.TruePositives+s.FalsePositives)
	s.Recall = ratio(s.TruePositives, s.TruePositives+s.FalseNegatives)
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	n := float64(s.Total)
	s.ConfidenceMean = s.confSum / n
	// Отклонение по всей выборке (делитель n)
	s.ConfidenceStd = math.Sqrt(math.Max(0, s.confSqSum/n-s.ConfidenceMean*s.ConfidenceMean))
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}
