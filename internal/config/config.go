// internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/YaganovValera/tradestream/pkg/backoff"
	"github.com/YaganovValera/tradestream/pkg/httpserver"
	"github.com/YaganovValera/tradestream/pkg/telemetry"
)

/*
   --------------------------------------------------------------------------
   СТРУКТУРЫ
   --------------------------------------------------------------------------
*/

// Config: все настройки сервиса.
type Config struct {
	ServiceName    string `mapstructure:"service_name" validate:"required"`
	ServiceVersion string `mapstructure:"service_version" validate:"required"`

	Feeds  []FeedConfig `mapstructure:"feeds" validate:"required,min=1,dive"`
	Sink   SinkConfig   `mapstructure:"sink"`
	Health HealthConfig `mapstructure:"health"`

	Kafka KafkaConfig `mapstructure:"kafka"`
	AMQP  AMQPConfig  `mapstructure:"amqp"`
	Redis RedisConfig `mapstructure:"redis"`

	Telemetry Telemetry  `mapstructure:"telemetry"`
	Logging   Logging    `mapstructure:"logging"`
	HTTP      HTTPConfig `mapstructure:"http"`
}

// SinkConfig задаёт ёмкость RecentWindow по умолчанию.
type SinkConfig struct {
	DefaultCapacity int `mapstructure:"default_capacity" validate:"gte=0"`
}

// HealthConfig управляет /readyz.
type HealthConfig struct {
	// StaleAfter: фид без фреймов дольше этого считается неготовым; 0 → только состояние.
	StaleAfter time.Duration `mapstructure:"stale_after" validate:"gte=0"`
}

// KafkaConfig хранит настройки Kafka-публикации.
type KafkaConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	Brokers        []string       `mapstructure:"brokers"`
	Topic          string         `mapstructure:"topic"`
	Timeout        time.Duration  `mapstructure:"timeout"`
	Acks           string         `mapstructure:"acks" validate:"oneof=all leader none"`
	Compression    string         `mapstructure:"compression" validate:"oneof=none gzip snappy lz4 zstd"`
	FlushFrequency time.Duration  `mapstructure:"flush_frequency"`
	FlushMessages  int            `mapstructure:"flush_messages"`
	QueueSize      int            `mapstructure:"queue_size" validate:"gte=0"`
	Backoff        backoff.Config `mapstructure:"backoff"`
}

// AMQPConfig хранит настройки публикации в RabbitMQ.
type AMQPConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	URL           string         `mapstructure:"url" validate:"required_if=Enabled true"`
	Exchange      string         `mapstructure:"exchange"`
	RoutingPrefix string         `mapstructure:"routing_prefix"`
	Persistent    bool           `mapstructure:"persistent"`
	QueueSize     int            `mapstructure:"queue_size" validate:"gte=0"`
	Backoff       backoff.Config `mapstructure:"backoff"`
}

// RedisConfig хранит настройки зеркала RecentWindow в Redis.
type RedisConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	URL       string         `mapstructure:"url" validate:"required_if=Enabled true"`
	KeyPrefix string         `mapstructure:"key_prefix"`
	Capacity  int            `mapstructure:"capacity" validate:"gte=0"`
	TTL       time.Duration  `mapstructure:"ttl"`
	QueueSize int            `mapstructure:"queue_size" validate:"gte=0"`
	Backoff   backoff.Config `mapstructure:"backoff"`
}

// Telemetry: секция telemetry, декодируется прямо в конфиг экспортёра.
type Telemetry = telemetry.Config

// Logging хранит настройки логгера.
type Logging struct {
	Level   string      `mapstructure:"level" validate:"oneof=debug info warn error"`
	DevMode bool        `mapstructure:"dev_mode"`
	File    LoggingFile `mapstructure:"file"`
}

// LoggingFile: ротация через lumberjack; пустой Path отключает запись в файл.
type LoggingFile struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// HTTPConfig: секция http, декодируется прямо в конфиг сервера.
type HTTPConfig = httpserver.Config

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// EnvPrefix: префикс переменных окружения (TRADESTREAM_LOGGING_LEVEL, ...).
const EnvPrefix = "TRADESTREAM"

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "tradestream")
	v.SetDefault("service_version", "v1.0.0")

	// без конфигурации слушаем публичный поток сделок Coinbase BTC-USD
	v.SetDefault("feeds", []map[string]any{{"name": "coinbase", "preset": PresetCoinbase}})
	v.SetDefault("sink.default_capacity", 100)
	v.SetDefault("health.stale_after", "30s")

	// Kafka
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "trades")
	v.SetDefault("kafka.acks", "all")
	v.SetDefault("kafka.timeout", "15s")
	v.SetDefault("kafka.compression", "none")
	v.SetDefault("kafka.flush_frequency", "0s")
	v.SetDefault("kafka.flush_messages", 0)
	v.SetDefault("kafka.queue_size", 1024)
	v.SetDefault("kafka.backoff.max_retries", 3)

	// AMQP
	v.SetDefault("amqp.enabled", false)
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "tradestream")
	v.SetDefault("amqp.routing_prefix", "trade")
	v.SetDefault("amqp.queue_size", 1024)
	v.SetDefault("amqp.backoff.max_retries", 5)

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", "tradestream:recent:")
	v.SetDefault("redis.capacity", 100)
	v.SetDefault("redis.ttl", "10m")
	v.SetDefault("redis.queue_size", 1024)
	v.SetDefault("redis.backoff.max_retries", 3)

	// Telemetry
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otel_endpoint", "otel-collector:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sampler_ratio", 1.0)
	v.SetDefault("telemetry.environment", "")
	v.SetDefault("telemetry.timeout", "5s")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age_days", 7)

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")
	v.SetDefault("http.api_prefix", httpserver.DefaultAPIPrefix)
	v.SetDefault("http.cors_origins", []string{})
}

// Flags регистрирует флаги, переопределяющие конфиг. Имена флагов
// совпадают с ключами viper с заменой "." и "_" на "-".
func Flags(fs *pflag.FlagSet) {
	fs.String("log-level", "", "logging level: debug|info|warn|error")
	fs.Bool("log-dev", false, "human-readable console logs")
	fs.Int("http-port", 0, "HTTP port for /metrics, /healthz, /readyz and the API")
	fs.Int("sink-capacity", 0, "default RecentWindow capacity per stream (0 = real-time only)")
	fs.Bool("kafka-enabled", false, "publish trades to Kafka")
	fs.Bool("amqp-enabled", false, "publish trades to RabbitMQ")
	fs.Bool("redis-enabled", false, "mirror recent windows to Redis")
}

var flagKeys = map[string]string{
	"log-level":     "logging.level",
	"log-dev":       "logging.dev_mode",
	"http-port":     "http.port",
	"sink-capacity": "sink.default_capacity",
	"kafka-enabled": "kafka.enabled",
	"amqp-enabled":  "amqp.enabled",
	"redis-enabled": "redis.enabled",
}

// Load загружает и валидирует конфиг. Порядок: defaults → ENV → файл → флаги.
// Пустой path: только ENV и defaults; fs может быть nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// ---------- 1) Defaults ----------
	setDefaults(v)

	// ---------- 2) ENV ----------
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ---------- 3) Optional file ----------
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", v.ConfigFileUsed(), err)
		}
	}

	// ---------- 4) Flags ----------
	if fs != nil {
		for name, key := range flagKeys {
			// только явно заданные флаги перекрывают файл и ENV
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	// ---------- 5) Decode ----------
	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           &cfg,
		DecodeHook:       decodeHook,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// ---------- 6) Presets + Validation ----------
	if err := cfg.resolveFeeds(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// stringToBoolHook разбирает true/false, иначе отдает исходные данные.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

func (c *Config) resolveFeeds() error {
	for i := range c.Feeds {
		if err := c.Feeds[i].resolve(); err != nil {
			return fmt.Errorf("feeds[%d]: %w", i, err)
		}
	}
	return nil
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate проверяет теги validator и перекрёстные правила.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}

	names := make(map[string]struct{}, len(c.Feeds))
	for i, f := range c.Feeds {
		if _, dup := names[f.Name]; dup {
			return fmt.Errorf("feeds[%d]: duplicate feed name %q", i, f.Name)
		}
		names[f.Name] = struct{}{}
		if err := f.check(); err != nil {
			return fmt.Errorf("feeds[%d] (%s): %w", i, f.Name, err)
		}
	}
	return nil
}

// Print выводит конфиг в JSON (для --print-config); пароли в URL скрыты.
func (c *Config) Print() string {
	cp := *c
	cp.AMQP.URL = redactURL(cp.AMQP.URL)
	cp.Redis.URL = redactURL(cp.Redis.URL)
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(b)
}

func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
