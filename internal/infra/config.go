package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config - корневая структура конфигурации сервиса детекции.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Detector   DetectorConfig   `mapstructure:"detector"`
	Resource   ResourceConfig   `mapstructure:"resource"`
	Model      ModelConfig      `mapstructure:"model"`
	Features   FeaturesConfig   `mapstructure:"features"`
	Heuristic  HeuristicConfig  `mapstructure:"heuristic"`
	Confidence ConfidenceConfig `mapstructure:"confidence"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RateLimit - запросов в секунду на весь API (0 - без лимита)
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
	// RequestTimeout - дедлайн одного вызова детекции
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MetricsPath    string        `mapstructure:"metrics_path"`
}

// GRPCConfig - порт gRPC-интерфейса детектора.
type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DatabaseConfig описывает подключение к PostgreSQL (хранилище результатов).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub телеметрии и артефакт модели).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig - проверка RS256 токенов клиентов API.
type AuthConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
	// Пустые значения не проверяются
	Issuer   string        `mapstructure:"issuer"`
	Audience string        `mapstructure:"audience"`
	Leeway   time.Duration `mapstructure:"leeway"`
}

// DetectorConfig - параметры оркестратора.
type DetectorConfig struct {
	WorkerPoolSize int `mapstructure:"worker_pool_size"`
}

// ResourceConfig - монитор локальных ресурсов.
type ResourceConfig struct {
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	CPUWarning     float64       `mapstructure:"cpu_warning"`
	CPUCritical    float64       `mapstructure:"cpu_critical"`
	MemoryWarning  float64       `mapstructure:"memory_warning"`
	MemoryCritical float64       `mapstructure:"memory_critical"`
}

// ModelConfig - источник предобученной модели.
type ModelConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Store: "file" или "redis"
	Store        string `mapstructure:"store"`
	ArtifactPath string `mapstructure:"artifact_path"`
	RedisKey     string `mapstructure:"redis_key"`
	// Blake2b - ожидаемый hex blake2b-256 артефакта (пусто - не проверяем)
	Blake2b string `mapstructure:"blake2b"`

	FetchAttempts uint `mapstructure:"fetch_attempts"`

	// Настройки Circuit Breaker для инференса
	CBMaxRequests         uint32        `mapstructure:"cb_max_requests"`
	CBInterval            time.Duration `mapstructure:"cb_interval"`
	CBTimeout             time.Duration `mapstructure:"cb_timeout"`
	CBConsecutiveFailures uint32        `mapstructure:"cb_consecutive_failures"`
}

// FeatureSpec - один признак схемы.
type FeatureSpec struct {
	Name       string   `mapstructure:"name"`
	Metric     string   `mapstructure:"metric"`
	Transform  string   `mapstructure:"transform"` // identity, abs, magnitude
	Components []string `mapstructure:"components"`
	Default    *float64 `mapstructure:"default"`
}

// FeaturesConfig - схема признаков и политика приведения типов.
type FeaturesConfig struct {
	Schema         []FeatureSpec `mapstructure:"schema"`
	CoercionPolicy string        `mapstructure:"coercion_policy"` // default, reject
	DefaultValue   float64       `mapstructure:"default_value"`
}

// ThresholdSpec - порог эвристики для признака (любая граница может отсутствовать).
type ThresholdSpec struct {
	Feature string   `mapstructure:"feature"`
	Max     *float64 `mapstructure:"max"`
	Min     *float64 `mapstructure:"min"`
}

type HeuristicConfig struct {
	Thresholds []ThresholdSpec `mapstructure:"thresholds"`
}

// ConfidenceConfig - веса расчета уверенности.
type ConfidenceConfig struct {
	WeightAnomaly    float64       `mapstructure:"weight_anomaly"`
	WeightRecurrence float64       `mapstructure:"weight_recurrence"`
	WeightPhase      float64       `mapstructure:"weight_phase"`
	WeightPolicy     float64       `mapstructure:"weight_policy"`
	WeightTemporal   float64       `mapstructure:"weight_temporal"`
	HalfLife         time.Duration `mapstructure:"half_life"`
}

// SinkConfig - пакетная запись результатов в PostgreSQL.
type SinkConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// IngestConfig - прием телеметрии из Redis Pub/Sub.
type IngestConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SamplesChannel string        `mapstructure:"samples_channel"`
	ResultsChannel string        `mapstructure:"results_channel"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	// Concurrency - сколько сообщений обрабатывается одновременно
	Concurrency int `mapstructure:"concurrency"`
}

// EvaluationConfig - сверка результатов с размеченной истиной (стенды и прогоны сценариев).
type EvaluationConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	MaxRecords int  `mapstructure:"max_records"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path - необязательный явный путь к файлу (например, из флага -config).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV перекрывает файл: RESOURCE_CACHE_TTL=5s перекроет resource.cache_ttl
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет - работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Публичный ключ из ENV (Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 50)
	v.SetDefault("server.request_timeout", 2*time.Second)
	v.SetDefault("server.metrics_path", "/metrics")

	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.port", 50052)

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("detector.worker_pool_size", 8)

	v.SetDefault("resource.cache_ttl", 3*time.Second)
	v.SetDefault("resource.sample_interval", 100*time.Millisecond)
	v.SetDefault("resource.cpu_warning", 70.0)
	v.SetDefault("resource.cpu_critical", 90.0)
	v.SetDefault("resource.memory_warning", 75.0)
	v.SetDefault("resource.memory_critical", 90.0)

	v.SetDefault("model.enabled", true)
	v.SetDefault("model.store", "file")
	v.SetDefault("model.artifact_path", "./models/anomaly_model.json")
	v.SetDefault("model.redis_key", RedisKeyModelArtifact)
	v.SetDefault("model.fetch_attempts", 3)
	v.SetDefault("model.cb_max_requests", 3)
	v.SetDefault("model.cb_interval", 5*time.Second)
	v.SetDefault("model.cb_timeout", 30*time.Second)
	v.SetDefault("model.cb_consecutive_failures", 5)

	v.SetDefault("features.coercion_policy", "default")
	v.SetDefault("features.default_value", 0.0)

	v.SetDefault("confidence.weight_anomaly", 0.40)
	v.SetDefault("confidence.weight_recurrence", 0.20)
	v.SetDefault("confidence.weight_phase", 0.15)
	v.SetDefault("confidence.weight_policy", 0.15)
	v.SetDefault("confidence.weight_temporal", 0.10)
	v.SetDefault("confidence.half_life", 5*time.Minute)

	v.SetDefault("sink.enabled", false)
	v.SetDefault("sink.buffer_size", 10000)
	v.SetDefault("sink.batch_size", 100)
	v.SetDefault("sink.flush_interval", 500*time.Millisecond)

	v.SetDefault("ingest.enabled", false)
	v.SetDefault("ingest.samples_channel", RedisChanSamples)
	v.SetDefault("ingest.results_channel", RedisChanResults)
	v.SetDefault("ingest.timeout", 2*time.Second)
	v.SetDefault("ingest.concurrency", 8)
	v.SetDefault("evaluation.enabled", false)
	v.SetDefault("evaluation.max_records", 10000)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Validate отсекает конфигурации, с которыми ядро заведомо не сможет работать.
func (c *Config) Validate() error {
	if len(c.Features.Schema) == 0 {
		return errors.New("config: features.schema must not be empty")
	}
	switch c.Features.CoercionPolicy {
	case "default", "reject":
	default:
		return fmt.Errorf("config: unknown features.coercion_policy %q", c.Features.CoercionPolicy)
	}
	if c.Detector.WorkerPoolSize < 1 {
		return fmt.Errorf("config: detector.worker_pool_size must be >= 1, got %d", c.Detector.WorkerPoolSize)
	}
	if c.Resource.CacheTTL <= 0 {
		return fmt.Errorf("config: resource.cache_ttl must be positive, got %s", c.Resource.CacheTTL)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Model.Enabled {
		switch c.Model.Store {
		case "file", "redis":
		default:
			return fmt.Errorf("config: unknown model.store %q", c.Model.Store)
		}
	}
	if c.Auth.Enabled && len(c.Auth.PublicKey) == 0 {
		return errors.New("config: auth.enabled requires a public key")
	}
	return nil
}

// loadKeyResource - ключ из ENV имеет приоритет над файлом
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
