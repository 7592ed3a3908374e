package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(p Prober, clk *fakeClock) *Monitor {
	m := NewMonitor(p, Config{TTL: 3 * time.Second}, zap.NewNop(), nil)
	m.now = clk.Now
	return m
}

func staticProbe(cpu, mem float64) ProbeFunc {
	return func(context.Context) (float64, float64, error) { return cpu, mem, nil }
}

func TestStatus_CachedWithinTTL(t *testing.T) {
	clk := newFakeClock()
	m := newTestMonitor(staticProbe(10, 20), clk)
	ctx := context.Background()

	first, err := m.Status(ctx)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	second, err := m.Status(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.SampledAt, second.SampledAt)
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), m.ProbeCount())
}

func TestStatus_ResampledAfterTTL(t *testing.T) {
	clk := newFakeClock()
	m := newTestMonitor(staticProbe(10, 20), clk)
	ctx := context.Background()

	first, err := m.Status(ctx)
	require.NoError(t, err)

	clk.Advance(3 * time.Second)
	second, err := m.Status(ctx)
	require.NoError(t, err)

	assert.True(t, second.SampledAt.After(first.SampledAt))
	assert.Equal(t, int64(2), m.ProbeCount())
}

func TestStatus_SingleFlightUnderConcurrency(t *testing.T) {
	clk := newFakeClock()
	release := make(chan struct{})
	var calls atomic.Int64
	m := newTestMonitor(ProbeFunc(func(context.Context) (float64, float64, error) {
		calls.Add(1)
		<-release
		return 50, 50, nil
	}), clk)

	const callers = 32
	results := make([]*domain.ResourceStatus, callers)
	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			s, err := m.Status(context.Background())
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}

	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), m.ProbeCount())
	for i := 1; i < callers; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestStatus_CallerDeadlineDoesNotAbortProbe(t *testing.T) {
	clk := newFakeClock()
	m := newTestMonitor(ProbeFunc(func(context.Context) (float64, float64, error) {
		time.Sleep(60 * time.Millisecond)
		return 30, 40, nil
	}), clk)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := m.Status(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Проба доработала и заполнила кэш для следующих вызовов
	require.Eventually(t, func() bool { return m.fresh() != nil }, time.Second, 5*time.Millisecond)

	s, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30.0, s.CPULoad)
	assert.Equal(t, int64(1), m.ProbeCount())
}

func TestStatus_FailureWithoutHistoryReturnsDefault(t *testing.T) {
	clk := newFakeClock()
	m := newTestMonitor(ProbeFunc(func(context.Context) (float64, float64, error) {
		return 0, 0, errors.New("procfs unavailable")
	}), clk)

	s, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.HealthNominal, s.Overall)
	assert.True(t, s.Stale)

	// Неудача не кэшируется
	_, err = m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.ProbeCount())
}

func TestStatus_FailureServesLastKnown(t *testing.T) {
	clk := newFakeClock()
	var fail atomic.Bool
	m := newTestMonitor(ProbeFunc(func(context.Context) (float64, float64, error) {
		if fail.Load() {
			return 0, 0, errors.New("timeout")
		}
		return 80, 10, nil
	}), clk)

	good, err := m.Status(context.Background())
	require.NoError(t, err)

	fail.Store(true)
	clk.Advance(5 * time.Second)
	stale, err := m.Status(context.Background())
	require.NoError(t, err)

	assert.True(t, stale.Stale)
	assert.False(t, good.Stale, "cached instance must not be mutated")
	assert.Equal(t, good.SampledAt, stale.SampledAt)
	assert.Equal(t, domain.HealthWarning, stale.Overall)
}

func TestStatus_ProberPanicIsRecovered(t *testing.T) {
	clk := newFakeClock()
	m := newTestMonitor(ProbeFunc(func(context.Context) (float64, float64, error) {
		panic("driver bug")
	}), clk)

	s, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Stale)
}

func TestStatus_CriticalLoad(t *testing.T) {
	clk := newFakeClock()
	m := newTestMonitor(staticProbe(95, 90), clk)

	s, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.HealthCritical, s.Overall)
}

func TestThresholds_Classify(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		cpu, mem float64
		want     domain.Health
	}{
		{10, 10, domain.HealthNominal},
		{70, 10, domain.HealthWarning},
		{10, 75, domain.HealthWarning},
		{90, 10, domain.HealthCritical},
		{10, 90, domain.HealthCritical},
		{95, 90, domain.HealthCritical},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, th.Classify(c.cpu, c.mem), "cpu=%v mem=%v", c.cpu, c.mem)
	}
}
