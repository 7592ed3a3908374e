package domain

import "time"

// Health - агрегированное состояние локальных ресурсов.
type Health string

const (
	HealthNominal  Health = "nominal"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// ResourceStatus - снимок загрузки CPU/памяти в процентах.
// Stale выставляется, когда проба не удалась и отдается последнее известное (или дефолтное) значение.
type ResourceStatus struct {
	CPULoad    float64   `json:"cpu_load"`
	MemoryLoad float64   `json:"memory_load"`
	Overall    Health    `json:"overall"`
	SampledAt  time.Time `json:"sampled_at"`
	Stale      bool      `json:"stale,omitempty"`
}

// Copy возвращает копию снимка, чтобы не трогать закэшированный экземпляр.
func (s *ResourceStatus) Copy() *ResourceStatus {
	if s == nil {
		return nil
	}
	dup := *s
	return &dup
}
