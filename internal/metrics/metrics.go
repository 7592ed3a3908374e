package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: полное время DetectAnomaly по пути классификации
	DetectionDuration *prometheus.HistogramVec

	// Traffic: решения по источнику и вердикту
	DetectionsTotal *prometheus.CounterVec

	// Errors: отклоненные образцы (ValidationError)
	ValidationErrors prometheus.Counter

	// Degradation: почему ответила эвристика вместо модели
	DegradedTotal *prometheus.CounterVec

	// Saturation: загрузка CPU/памяти из последней пробы
	ResourceLoad *prometheus.GaugeVec
	// Пробы ресурсов: ok / error
	ResourceProbes *prometheus.CounterVec
	// Детекции, выполненные при critical (только наблюдение, не гейт)
	ResourceCritical prometheus.Counter

	// Модель: состояние (0-unloaded, 1-loading, 2-ready, 3-failed), попытки загрузки, ошибки инференса
	ModelState        prometheus.Gauge
	ModelLoadAttempts prometheus.Counter
	InferenceErrors   prometheus.Counter
	// Состояние Circuit Breaker инференса (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState prometheus.Gauge

	// Sink: заполненность буфера (backpressure) и сброшенные результаты
	SinkBufferFill prometheus.Gauge
	SinkDropped    prometheus.Counter

	// Ingest: сообщения из Pub/Sub по исходу
	IngestMessages *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		DetectionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tguard_detection_duration_seconds",
			Help:    "Histogram of DetectAnomaly latencies.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"source"}),

		DetectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tguard_detections_total",
			Help: "Total number of detection results.",
		}, []string{"source", "anomaly"}),

		ValidationErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "tguard_validation_errors_total",
			Help: "Samples rejected by the feature extractor.",
		}),

		DegradedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tguard_degraded_total",
			Help: "Detections served by the heuristic path, by reason.",
		}, []string{"reason"}),

		ResourceLoad: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tguard_resource_load_percent",
			Help: "Last sampled local load.",
		}, []string{"kind"}),

		ResourceProbes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tguard_resource_probes_total",
			Help: "Resource probes by result.",
		}, []string{"result"}),

		ResourceCritical: f.NewCounter(prometheus.CounterOpts{
			Name: "tguard_resource_critical_detections_total",
			Help: "Detections performed while local resources were critical.",
		}),

		ModelState: f.NewGauge(prometheus.GaugeOpts{
			Name: "tguard_model_state",
			Help: "Model lifecycle state (0=unloaded, 1=loading, 2=ready, 3=failed).",
		}),

		ModelLoadAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "tguard_model_load_attempts_total",
			Help: "Model artifact load attempts.",
		}),

		InferenceErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "tguard_model_inference_errors_total",
			Help: "Failed model inference calls.",
		}),

		CircuitBreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "tguard_model_circuit_breaker_state",
			Help: "Inference circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		SinkBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "tguard_sink_buffer_utilization",
			Help: "Current number of results in the sink buffer.",
		}),

		SinkDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "tguard_sink_dropped_total",
			Help: "Results dropped because the sink buffer was full or stopped.",
		}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tguard_ingest_messages_total",
			Help: "Telemetry messages received from Pub/Sub, by outcome.",
		}, []string{"outcome"}),
	}
}
