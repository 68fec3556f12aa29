package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/annel0/worldstream/internal/presenter"
	"github.com/annel0/worldstream/internal/streaming"
)

// Переменные окружения
const (
	EnvConfigPath  = "WORLDSTREAM_CONFIG"
	EnvMetricsPort = "WORLDSTREAM_METRICS_PORT"
)

// Config корневая структура конфигурации приложения.
type Config struct {
	Streaming streaming.Config `yaml:"streaming"`
	Presenter presenter.Config `yaml:"presenter"`
	EventBus  EventBusConfig   `yaml:"eventbus"`
	Sync      SyncConfig       `yaml:"sync"`
	Storage   StorageConfig    `yaml:"storage"`
	Cache     CacheConfig      `yaml:"cache"`
	Terrain   TerrainConfig    `yaml:"terrain"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// EventBusConfig шина событий: memory или jetstream
type EventBusConfig struct {
	Backend    string `yaml:"backend"`
	URL        string `yaml:"url"`
	Stream     string `yaml:"stream"`
	Retention  int    `yaml:"retention_hours"`
	BufferSize int    `yaml:"buffer_size"`
}

// RetentionDuration срок хранения событий в стриме
func (c EventBusConfig) RetentionDuration() time.Duration {
	return time.Duration(c.Retention) * time.Hour
}

// SyncConfig отправка изменённых сущностей
type SyncConfig struct {
	ClientID      string        `yaml:"client_id"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Compression   bool          `yaml:"compression"`
}

// StorageConfig хранилище сущностей чанков. Пустой путь - хранение в памяти.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig кэш геометрии. Пустой адрес - кэш в памяти.
type CacheConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"max_entries"`
}

// TerrainConfig генератор рельефа на шуме Перлина
type TerrainConfig struct {
	Seed       int64   `yaml:"seed"`
	Alpha      float64 `yaml:"alpha"`
	Beta       float64 `yaml:"beta"`
	Octaves    int32   `yaml:"octaves"`
	Scale      float64 `yaml:"scale"`
	Amplitude  float64 `yaml:"amplitude"`
	Resolution int     `yaml:"resolution"`
}

// MetricsConfig Prometheus эндпоинт
type MetricsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Port     int           `yaml:"port"`
	Interval time.Duration `yaml:"interval"`
}

// TelemetryConfig трассировка OpenTelemetry
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoggingConfig уровень и файловый вывод
type LoggingConfig struct {
	Level      string `yaml:"level"`
	FileOutput bool   `yaml:"file_output"`
}

// Default возвращает полностью заполненную конфигурацию
func Default() *Config {
	return &Config{
		Streaming: streaming.DefaultConfig(),
		Presenter: presenter.DefaultConfig(),
		EventBus: EventBusConfig{
			Backend:    "memory",
			URL:        "nats://127.0.0.1:4222",
			Stream:     "WORLDSTREAM",
			Retention:  24,
			BufferSize: 1024,
		},
		Sync: SyncConfig{
			ClientID:      "local",
			BatchSize:     100,
			FlushInterval: 250 * time.Millisecond,
			Compression:   true,
		},
		Cache: CacheConfig{
			TTL:        10 * time.Minute,
			MaxEntries: 4096,
		},
		Terrain: TerrainConfig{
			Seed:       42,
			Alpha:      2,
			Beta:       2,
			Octaves:    3,
			Scale:      0.01,
			Amplitude:  32,
			Resolution: 17,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Interval: time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "worldstream",
			Insecure:    true,
			SampleRatio: 1,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate проверяет разделы конфигурации
func (c *Config) Validate() error {
	if err := c.Streaming.Validate(); err != nil {
		return fmt.Errorf("streaming: %w", err)
	}
	if err := c.Presenter.Validate(); err != nil {
		return err
	}
	switch c.EventBus.Backend {
	case "memory", "jetstream":
	default:
		return fmt.Errorf("eventbus: unknown backend %q", c.EventBus.Backend)
	}
	if c.Sync.BatchSize <= 0 || c.Sync.FlushInterval <= 0 {
		return fmt.Errorf("sync: batch_size and flush_interval must be positive")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0, 1]")
	}
	if c.Terrain.Resolution < 2 {
		return fmt.Errorf("terrain: resolution must be at least 2")
	}
	return nil
}

// GetMetricsPort возвращает порт метрик: config -> env -> default
func (m *MetricsConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(m.Port, EnvMetricsPort, 2112)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}
	return defaultPort
}

// Load читает YAML поверх значений по умолчанию.
// Если path == "", берётся WORLDSTREAM_CONFIG; если и он пуст, возвращается Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
