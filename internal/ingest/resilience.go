package ingest

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// listenResilient - «живучая» подписка на канал Redis.
// Переподключается с экспоненциальной паузой, пока не отменен ctx.
func listenResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onMessage func(payload string), // Callback для обработки сообщения
) {
	backoff := initialBackoff
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Duration("retry_in", backoff), zap.Error(err))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		logger.Info("subscribed", zap.String("chan", channel))
		backoff = initialBackoff
		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(msg.Payload)
			}
		}

		pubsub.Close()
		logger.Warn("subscription lost, reconnecting", zap.String("chan", channel))
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

// sleepCtx - пауза, прерываемая отменой; false, если ctx отменен.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
