package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "tguard"
)

// Ключи (состояние)
const (
	RedisKeyModelArtifact = RedisNamespace + ":model:artifact"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanSamples - входящие образцы телеметрии (JSON TelemetrySample).
	RedisChanSamples = RedisNamespace + ":telemetry:samples"
	// RedisChanResults - результаты детекции (JSON AnomalyResult).
	RedisChanResults = RedisNamespace + ":telemetry:results"
)

// GetUnitResultsChannel - канал результатов конкретного юнита (для подписчиков-дашбордов)
func GetUnitResultsChannel(unitID string) string {
	return fmt.Sprintf("%s:telemetry:results:%s", RedisNamespace, unitID)
}
