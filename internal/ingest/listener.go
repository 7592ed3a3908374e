// Package ingest принимает телеметрию из Redis Pub/Sub и публикует результаты детекции.
package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/features"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/infra"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Исходы обработки сообщения (метка метрики)
const (
	outcomeOK       = "ok"
	outcomeInvalid  = "invalid"
	outcomeError    = "error"
	outcomeDropped  = "dropped"
	outcomePublishE = "publish_error"
)

type Detector interface {
	DetectAnomaly(ctx context.Context, s domain.TelemetrySample) (*domain.AnomalyResult, error)
}

// Publisher отправляет готовый результат подписчикам.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher - Publisher поверх go-redis.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.rdb.Publish(ctx, channel, payload).Err()
}

type Listener struct {
	rdb       *redis.Client
	detector  Detector
	publisher Publisher
	limiter   *rate.Limiter
	cfg       infra.IngestConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewListener(rdb *redis.Client, det Detector, pub Publisher, cfg infra.IngestConfig, logger *zap.Logger, m *metrics.Metrics) *Listener {
	if cfg.SamplesChannel == "" {
		cfg.SamplesChannel = infra.RedisChanSamples
	}
	if cfg.ResultsChannel == "" {
		cfg.ResultsChannel = infra.RedisChanResults
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if m == nil {
		m = metrics.New(nil)
	}
	l := &Listener{
		rdb:       rdb,
		detector:  det,
		publisher: pub,
		cfg:       cfg,
		logger:    logger.Named("ingest"),
		metrics:   m,
	}
	if cfg.RateLimit > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(int(cfg.RateLimit), 1))
	}
	return l
}

// Run блокируется до отмены ctx и дожидается обработчиков, которые уже в работе.
// Сообщения обрабатываются параллельно (не больше cfg.Concurrency), порядок публикации не гарантирован.
func (l *Listener) Run(ctx context.Context) {
	l.logger.Info("ingest listener started",
		zap.String("chan", l.cfg.SamplesChannel),
		zap.Int("concurrency", l.cfg.Concurrency),
	)
	g := l.workers()
	listenResilient(ctx, l.rdb, l.logger, l.cfg.SamplesChannel, func(payload string) {
		l.dispatch(ctx, g, payload)
	})
	_ = g.Wait()
	l.logger.Info("ingest listener stopped")
}

func (l *Listener) workers() *errgroup.Group {
	g := &errgroup.Group{}
	g.SetLimit(l.cfg.Concurrency)
	return g
}

// dispatch отдает сообщение свободному обработчику. Блокируется только когда заняты все слоты.
func (l *Listener) dispatch(ctx context.Context, g *errgroup.Group, payload string) {
	g.Go(func() error {
		l.handle(ctx, []byte(payload))
		return nil
	})
}

func (l *Listener) handle(ctx context.Context, payload []byte) {
	var sample domain.TelemetrySample
	if err := json.Unmarshal(payload, &sample); err != nil {
		l.metrics.IngestMessages.WithLabelValues(outcomeInvalid).Inc()
		l.logger.Warn("invalid sample payload", zap.Error(err))
		return
	}

	// Лимит защищает ядро от шторма сообщений: ждем токен, пока жив ctx
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			l.metrics.IngestMessages.WithLabelValues(outcomeDropped).Inc()
			return
		}
	}

	dctx := ctx
	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}

	res, err := l.detector.DetectAnomaly(dctx, sample)
	if err != nil {
		var vErr *features.ValidationError
		if errors.As(err, &vErr) {
			l.metrics.IngestMessages.WithLabelValues(outcomeInvalid).Inc()
			l.logger.Warn("sample rejected", zap.String("unit_id", sample.UnitID), zap.Error(err))
			return
		}
		l.metrics.IngestMessages.WithLabelValues(outcomeError).Inc()
		l.logger.Error("detection failed", zap.String("unit_id", sample.UnitID), zap.Error(err))
		return
	}

	out, err := json.Marshal(res)
	if err != nil {
		l.metrics.IngestMessages.WithLabelValues(outcomeError).Inc()
		l.logger.Error("encode result", zap.Error(err))
		return
	}

	// Общий канал и канал юнита
	channels := []string{l.cfg.ResultsChannel}
	if res.UnitID != "" {
		channels = append(channels, infra.GetUnitResultsChannel(res.UnitID))
	}
	for _, ch := range channels {
		if err := l.publisher.Publish(ctx, ch, out); err != nil {
			l.metrics.IngestMessages.WithLabelValues(outcomePublishE).Inc()
			l.logger.Error("publish result failed", zap.String("chan", ch), zap.Error(err))
			return
		}
	}
	l.metrics.IngestMessages.WithLabelValues(outcomeOK).Inc()
}
