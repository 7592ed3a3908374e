// Package workerpool - ограниченный пул для блокирующих вызовов с Future-хендлами.
//
// Submit возвращается сразу; задача ждет свободный слот и всегда доводится до конца,
// даже если вызывающий перестал ждать. Отмена контекста прерывает только Await.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var ErrPoolClosed = errors.New("workerpool: pool is closed")

type Pool struct {
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	closed   atomic.Bool
}

func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// InFlight - задачи, которые уже отправлены и еще не завершились (включая ожидающие слот).
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

// Close запрещает новые задачи. Уже отправленные доработают.
func (p *Pool) Close() { p.closed.Store(true) }

// Future - результат задачи, доступный после ее завершения.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Submit отправляет fn в пул. Паника внутри задачи превращается в ошибку Future.
func Submit[T any](p *Pool, fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	if p.closed.Load() {
		f.err = ErrPoolClosed
		close(f.done)
		return f
	}

	p.inFlight.Add(1)
	go func() {
		defer close(f.done)
		defer p.inFlight.Add(-1)

		// Background: слот нужен задаче, а не конкретному вызывающему
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)

		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("workerpool: task panicked: %v", r)
			}
		}()
		f.val, f.err = fn()
	}()
	return f
}

// Await ждет результат или отмену ctx (задача при этом продолжает работу).
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
