package resource

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/infra"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL   = 3 * time.Second
	probeTimeout = 2 * time.Second
	flightKey    = "probe"
)

// SamplingError - проба ресурсов не удалась. Наружу не пробрасывается, только логируется.
type SamplingError struct {
	Cause error
}

func (e *SamplingError) Error() string { return fmt.Sprintf("resource sampling failed: %v", e.Cause) }

func (e *SamplingError) Unwrap() error { return e.Cause }

// Thresholds - пороги перехода в warning/critical (проценты).
type Thresholds struct {
	CPUWarning     float64
	CPUCritical    float64
	MemoryWarning  float64
	MemoryCritical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{CPUWarning: 70, CPUCritical: 90, MemoryWarning: 75, MemoryCritical: 90}
}

// Classify выводит Overall из загрузки.
func (t Thresholds) Classify(cpuLoad, memoryLoad float64) domain.Health {
	switch {
	case cpuLoad >= t.CPUCritical || memoryLoad >= t.MemoryCritical:
		return domain.HealthCritical
	case cpuLoad >= t.CPUWarning || memoryLoad >= t.MemoryWarning:
		return domain.HealthWarning
	default:
		return domain.HealthNominal
	}
}

type Config struct {
	TTL        time.Duration
	Thresholds Thresholds
}

func ConfigFromInfra(cfg infra.ResourceConfig) Config {
	return Config{
		TTL: cfg.CacheTTL,
		Thresholds: Thresholds{
			CPUWarning:     cfg.CPUWarning,
			CPUCritical:    cfg.CPUCritical,
			MemoryWarning:  cfg.MemoryWarning,
			MemoryCritical: cfg.MemoryCritical,
		},
	}
}

// Monitor кэширует снимок ресурсов на TTL и схлопывает конкурентные пробы в одну (single-flight).
//
// Чтение свежего кэша идет под RLock и не блокируется пробой. Решение «запустить пробу»
// принимает singleflight: первый вызывающий стартует пробу, остальные ждут тот же хендл
// и получают тот же *ResourceStatus.
type Monitor struct {
	prober  Prober
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	group singleflight.Group

	mu   sync.RWMutex
	last *domain.ResourceStatus // последний успешный снимок

	probes atomic.Int64
	now    func() time.Time
}

func NewMonitor(prober Prober, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Monitor{
		prober:  prober,
		cfg:     cfg,
		logger:  logger.Named("resource"),
		metrics: m,
		now:     time.Now,
	}
}

// Status отдает кэш, если он моложе TTL, иначе присоединяется к единственной пробе.
// Ошибка возвращается только при отмене ctx; сама проба при этом доработает и заполнит кэш.
func (m *Monitor) Status(ctx context.Context) (*domain.ResourceStatus, error) {
	if s := m.fresh(); s != nil {
		return s, nil
	}

	ch := m.group.DoChan(flightKey, func() (interface{}, error) {
		// Пока мы ждали слот, соседний полет мог уже обновить кэш
		if s := m.fresh(); s != nil {
			return s, nil
		}
		return m.sample(), nil
	})

	select {
	case res := <-ch:
		return res.Val.(*domain.ResourceStatus), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ProbeCount - сколько реальных проб было выполнено (для тестов и диагностики).
func (m *Monitor) ProbeCount() int64 { return m.probes.Load() }

func (m *Monitor) fresh() *domain.ResourceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last != nil && m.now().Sub(m.last.SampledAt) < m.cfg.TTL {
		return m.last
	}
	return nil
}

// sample выполняет пробу на отвязанном контексте: ее результат нужен всем, а не одному вызову.
func (m *Monitor) sample() *domain.ResourceStatus {
	m.probes.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	cpuLoad, memoryLoad, err := m.safeProbe(ctx)
	if err != nil {
		return m.onFailure(&SamplingError{Cause: err})
	}

	status := &domain.ResourceStatus{
		CPULoad:    cpuLoad,
		MemoryLoad: memoryLoad,
		Overall:    m.cfg.Thresholds.Classify(cpuLoad, memoryLoad),
		SampledAt:  m.now(),
	}

	m.mu.Lock()
	m.last = status
	m.mu.Unlock()

	m.metrics.ResourceProbes.WithLabelValues("ok").Inc()
	m.metrics.ResourceLoad.WithLabelValues("cpu").Set(cpuLoad)
	m.metrics.ResourceLoad.WithLabelValues("memory").Set(memoryLoad)

	if status.Overall == domain.HealthCritical {
		m.logger.Warn("local resources critical",
			zap.Float64("cpu_load", cpuLoad),
			zap.Float64("memory_load", memoryLoad),
		)
	}
	return status
}

func (m *Monitor) safeProbe(ctx context.Context) (cpuLoad, memoryLoad float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("prober panicked: %v", r)
		}
	}()
	return m.prober.Probe(ctx)
}

// onFailure: последний известный снимок с пометкой Stale, либо дефолтный nominal.
// Неудача не кэшируется, следующий вызов попробует снова.
func (m *Monitor) onFailure(err error) *domain.ResourceStatus {
	m.metrics.ResourceProbes.WithLabelValues("error").Inc()

	m.mu.RLock()
	last := m.last
	m.mu.RUnlock()

	if last != nil {
		m.logger.Warn("resource probe failed, serving last known status",
			zap.Error(err), zap.Time("sampled_at", last.SampledAt))
		stale := last.Copy()
		stale.Stale = true
		return stale
	}

	m.logger.Warn("resource probe failed, no status yet", zap.Error(err))
	return &domain.ResourceStatus{Overall: domain.HealthNominal, Stale: true}
}
