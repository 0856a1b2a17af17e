package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Logger      LoggerConfig      `mapstructure:"logger"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Connectors  ConnectorsConfig  `mapstructure:"connectors"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Host            string `mapstructure:"host"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the Graph Store driver and pool limits.
type DatabaseConfig struct {
	Driver             string        `mapstructure:"driver"` // postgres, mysql or sqlite
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	User               string        `mapstructure:"user"`
	Password           string        `mapstructure:"password"`
	Name               string        `mapstructure:"name"`
	SSLMode            string        `mapstructure:"ssl_mode"`
	MaxOpenConns       int           `mapstructure:"max_open_conns"`
	MaxIdleConns       int           `mapstructure:"max_idle_conns"`
	AutoMigrate        bool          `mapstructure:"auto_migrate"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
}

// RedisConfig is optional; when disabled the scheduler and status relay run
// single-replica.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
	Channel  string `mapstructure:"channel"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type AuthConfig struct {
	JWT JWTConfig `mapstructure:"jwt"`
}

type JWTConfig struct {
	SecretKey string `mapstructure:"secret_key"`
	Issuer    string `mapstructure:"issuer"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	JaegerURL    string  `mapstructure:"jaeger_url"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	AddCaller  bool   `mapstructure:"add_caller"`
	Stacktrace bool   `mapstructure:"stacktrace"`
}

// EngineConfig tunes the workflow runner. The zero values of NodeTimeout and
// CircuitBreaker keep the documented contract: no timeout, no breaker.
type EngineConfig struct {
	Ordering          string               `mapstructure:"ordering"`            // array or topological
	UnknownNodePolicy string               `mapstructure:"unknown_node_policy"` // fail or skip
	NodeTimeout       time.Duration        `mapstructure:"node_timeout"`
	CircuitBreaker    CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	OpenTimeout  time.Duration `mapstructure:"open_timeout"`
}

// ConnectorsConfig holds per-connector endpoints and defaults.
type ConnectorsConfig struct {
	Email    EmailConfig    `mapstructure:"email"`
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Solana   SolanaConfig   `mapstructure:"solana"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type EmailConfig struct {
	From string `mapstructure:"from"`
}

type WhatsAppConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type OpenAIConfig struct {
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type SolanaConfig struct {
	RPCURL string `mapstructure:"rpc_url"`
}

type TelegramConfig struct {
	APIEndpoint string `mapstructure:"api_endpoint"`
}

type CredentialsConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

type WebhookConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

type ScheduleConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// Load reads <serviceName>.yaml from ./configs or /etc/relayflow, then applies
// RELAYFLOW_* environment overrides (RELAYFLOW_DATABASE_HOST, ...).
func Load(serviceName string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(serviceName)
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/relayflow")

	setDefaults(v)

	v.SetEnvPrefix("RELAYFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 0) // streaming endpoints stay open
	v.SetDefault("server.shutdown_timeout", 30)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "relayflow")
	v.SetDefault("database.password", "relayflow")
	v.SetDefault("database.name", "relayflow")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.slow_query_threshold", 200*time.Millisecond)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.channel", "relayflow:status")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "relayflow.executions")

	v.SetDefault("auth.jwt.secret_key", "development-secret-key-change-in-production")
	v.SetDefault("auth.jwt.issuer", "relayflow-auth")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.jaeger_url", "http://localhost:14268/api/traces")
	v.SetDefault("telemetry.service_name", "relayflow-engine")
	v.SetDefault("telemetry.sampling_rate", 1.0)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.add_caller", true)
	v.SetDefault("logger.stacktrace", false)

	v.SetDefault("engine.ordering", "array")
	v.SetDefault("engine.unknown_node_policy", "fail")
	v.SetDefault("engine.node_timeout", 0)
	v.SetDefault("engine.circuit_breaker.enabled", false)
	v.SetDefault("engine.circuit_breaker.failure_ratio", 0.5)
	v.SetDefault("engine.circuit_breaker.min_requests", 5)
	v.SetDefault("engine.circuit_breaker.open_timeout", 30*time.Second)

	v.SetDefault("connectors.email.from", "onboarding@resend.dev")
	v.SetDefault("connectors.whatsapp.base_url", "https://graph.facebook.com/v20.0")
	v.SetDefault("connectors.whatsapp.timeout", 30*time.Second)
	v.SetDefault("connectors.openai.model", "gpt-4o-mini")
	v.SetDefault("connectors.solana.rpc_url", "https://api.devnet.solana.com")
	v.SetDefault("connectors.telegram.api_endpoint", "https://api.telegram.org/bot%s/%s")

	v.SetDefault("webhook.rate_per_second", 5)
	v.SetDefault("webhook.burst", 10)

	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.refresh_interval", time.Minute)
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Engine.Ordering {
	case "array", "topological":
	default:
		return fmt.Errorf("engine.ordering must be array or topological, got %q", c.Engine.Ordering)
	}
	switch c.Engine.UnknownNodePolicy {
	case "fail", "skip":
	default:
		return fmt.Errorf("engine.unknown_node_policy must be fail or skip, got %q", c.Engine.UnknownNodePolicy)
	}
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres, mysql or sqlite, got %q", c.Database.Driver)
	}
	return nil
}

// Addr returns host:port.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
