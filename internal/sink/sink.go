package sink

/*
Файл sink.go - асинхронная запись результатов детекции в хранилище.

- Non-blocking: Record только кладет результат в буферизованный канал, Hot Path не ждет БД.
- Batching: пачка уходит в хранилище по достижении лимита или по таймеру.
- Load Shedding: при переполнении буфера результат сбрасывается с ошибкой в лог и метрикой.
- Drain: Stop закрывает вход, воркер вычитывает остаток и делает финальный flush.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/infra"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultBufferSize    = 10000
	defaultBatchSize     = 100
	defaultFlushInterval = 500 * time.Millisecond
	flushTimeout         = 10 * time.Second
)

// Storage определяет, куда физически сохраняются результаты
type Storage interface {
	// WriteBatch сохраняет пачку результатов за один раз
	WriteBatch(ctx context.Context, results []*domain.AnomalyResult) error
}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func ConfigFromInfra(cfg infra.SinkConfig) Config {
	return Config{BufferSize: cfg.BufferSize, BatchSize: cfg.BatchSize, FlushInterval: cfg.FlushInterval}
}

type ResultSink struct {
	ch      chan *domain.AnomalyResult
	repo    Storage
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup

	// mu защищает закрытие канала от гонки с Record
	mu     sync.RWMutex
	closed bool
}

func NewResultSink(repo Storage, cfg Config, logger *zap.Logger, m *metrics.Metrics) *ResultSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &ResultSink{
		ch:      make(chan *domain.AnomalyResult, cfg.BufferSize),
		repo:    repo,
		cfg:     cfg,
		logger:  logger.With(zap.String("mod", "sink")),
		metrics: m,
	}
}

func (s *ResultSink) Start() {
	s.wg.Add(1)
	go s.worker()
}

// Stop запирает вход и ждет, пока воркер все допишет.
func (s *ResultSink) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.logger.Info("stopping sink: flushing buffer...")
	s.wg.Wait()
	s.logger.Info("sink stopped gracefully")
}

// Record не блокирует: при переполнении результат сбрасывается.
func (s *ResultSink) Record(res *domain.AnomalyResult) {
	if res == nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.metrics.SinkDropped.Inc()
		s.logger.Warn("result dropped: sink is stopping", zap.String("id", res.ID))
		return
	}

	select {
	case s.ch <- res:
		s.metrics.SinkBufferFill.Set(float64(len(s.ch)) / float64(cap(s.ch)))
	default:
		s.metrics.SinkDropped.Inc()
		s.logger.Error("sink_buffer_overflow",
			zap.String("id", res.ID),
			zap.String("unit_id", res.UnitID),
		)
	}
}

func (s *ResultSink) worker() {
	defer s.wg.Done()

	batch := make([]*domain.AnomalyResult, 0, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст вызывающих к этому моменту может быть уже закрыт
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := s.repo.WriteBatch(ctx, batch); err != nil {
			s.logger.Error("sink flush failed", zap.Int("size", len(batch)), zap.Error(err))
		}
		// Хранилище могло сохранить ссылку на слайс: новый буфер вместо batch[:0]
		batch = make([]*domain.AnomalyResult, 0, s.cfg.BatchSize)
		s.metrics.SinkBufferFill.Set(float64(len(s.ch)) / float64(cap(s.ch)))
	}

	for {
		select {
		case res, ok := <-s.ch:
			if !ok {
				// Канал закрыт в Stop: остаток уже вычитан, финальный сброс
				flush()
				return
			}
			batch = append(batch, res)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
