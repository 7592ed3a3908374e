package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

// Prober снимает текущую загрузку CPU и памяти в процентах. Вызов блокирующий.
type Prober interface {
	Probe(ctx context.Context) (cpuLoad, memoryLoad float64, err error)
}

// ProbeFunc - адаптер функции к Prober (тесты, альтернативные источники).
type ProbeFunc func(ctx context.Context) (float64, float64, error)

func (f ProbeFunc) Probe(ctx context.Context) (float64, float64, error) { return f(ctx) }

// GopsutilProber меряет CPU за окно Interval (десятки-сотни мс) и берет снимок памяти.
type GopsutilProber struct {
	Interval time.Duration
}

func NewGopsutilProber(interval time.Duration) *GopsutilProber {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &GopsutilProber{Interval: interval}
}

func (p *GopsutilProber) Probe(ctx context.Context) (float64, float64, error) {
	percents, err := cpu.PercentWithContext(ctx, p.Interval, false)
	if err != nil {
		return 0, 0, fmt.Errorf("cpu percent: %w", err)
	}
	if len(percents) == 0 {
		return 0, 0, fmt.Errorf("cpu percent: empty result")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("virtual memory: %w", err)
	}
	return percents[0], vm.UsedPercent, nil
}
