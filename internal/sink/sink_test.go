package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
	"go.uber.org/zap"
)

type memStorage struct {
	mu      sync.Mutex
	batches [][]*domain.AnomalyResult
	fail    bool
	block   chan struct{}
}

func (m *memStorage) WriteBatch(ctx context.Context, results []*domain.AnomalyResult) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("db down")
	}
	m.batches = append(m.batches, results)
	return nil
}

func (m *memStorage) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func result(i int) *domain.AnomalyResult {
	return &domain.AnomalyResult{ID: fmt.Sprintf("r-%d", i), UnitID: "sat-1"}
}

func TestResultSink_FlushesByBatchSize(t *testing.T) {
	repo := &memStorage{}
	s := NewResultSink(repo, Config{BatchSize: 3, FlushInterval: time.Hour}, zap.NewNop(), nil)
	s.Start()
	defer s.Stop()

	for i := 0; i < 3; i++ {
		s.Record(result(i))
	}
	require.Eventually(t, func() bool { return repo.total() == 3 }, time.Second, 5*time.Millisecond)
}

func TestResultSink_FlushesByTimer(t *testing.T) {
	repo := &memStorage{}
	s := NewResultSink(repo, Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, zap.NewNop(), nil)
	s.Start()
	defer s.Stop()

	s.Record(result(1))
	require.Eventually(t, func() bool { return repo.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestResultSink_StopDrainsBuffer(t *testing.T) {
	repo := &memStorage{}
	s := NewResultSink(repo, Config{BatchSize: 1000, FlushInterval: time.Hour}, zap.NewNop(), nil)
	s.Start()

	for i := 0; i < 250; i++ {
		s.Record(result(i))
	}
	s.Stop()
	assert.Equal(t, 250, repo.total())

	// После остановки результаты отбрасываются без паники
	s.Record(result(999))
	s.Stop()
	assert.Equal(t, 250, repo.total())
}

func TestResultSink_OverflowSheds(t *testing.T) {
	repo := &memStorage{block: make(chan struct{})}
	s := NewResultSink(repo, Config{BufferSize: 2, BatchSize: 1, FlushInterval: time.Hour}, zap.NewNop(), nil)
	s.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			s.Record(result(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}

	close(repo.block)
	s.Stop()
	assert.Less(t, repo.total(), 50)
}

func TestResultSink_StorageErrorDoesNotStopWorker(t *testing.T) {
	repo := &memStorage{fail: true}
	s := NewResultSink(repo, Config{BatchSize: 1, FlushInterval: time.Hour}, zap.NewNop(), nil)
	s.Start()

	s.Record(result(1))
	time.Sleep(20 * time.Millisecond)

	repo.mu.Lock()
	repo.fail = false
	repo.mu.Unlock()

	s.Record(result(2))
	require.Eventually(t, func() bool { return repo.total() == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
}
