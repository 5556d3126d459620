package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Hub       HubConfig       `mapstructure:"hub"`
	Fallback  FallbackConfig  `mapstructure:"fallback"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Role: all = API + worker，api 只处理请求，worker 只消费队列
	Role string `mapstructure:"role" validate:"oneof=all api worker"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level" validate:"oneof=silent error warn info"`
}

// RedisConfig Addr 为空表示未部署 Redis
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type QueueConfig struct {
	// Driver: redis | memory | none（none 模拟队列未部署，所有入队返回 503）
	Driver     string        `mapstructure:"driver" validate:"oneof=redis memory none"`
	Stream     string        `mapstructure:"stream"`
	Group      string        `mapstructure:"group"`
	BatchSize  int           `mapstructure:"batch_size" validate:"gte=1"`
	Workers    int           `mapstructure:"workers" validate:"gte=1"`
	BufferSize int           `mapstructure:"buffer_size" validate:"gte=1"`
	Block      time.Duration `mapstructure:"block"`
	ClaimIdle  time.Duration `mapstructure:"claim_idle"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

type HubConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer" validate:"gte=1"`
	LastEventTTL      time.Duration `mapstructure:"last_event_ttl"`
}

type FallbackConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwt_secret" validate:"required"`
	CookieName string `mapstructure:"cookie_name" validate:"required"`
	Issuer     string `mapstructure:"issuer"`
}

type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int           `mapstructure:"limit" validate:"gte=1"`
	Window  time.Duration `mapstructure:"window"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.role", "all")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:shelfsync.db?cache=shared")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.stream", "shelfsync:sync-jobs")
	v.SetDefault("queue.group", "sync-workers")
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.buffer_size", 1024)
	v.SetDefault("queue.block", 2*time.Second)
	v.SetDefault("queue.claim_idle", 5*time.Minute)
	v.SetDefault("queue.job_timeout", 10*time.Minute)

	v.SetDefault("hub.enabled", true)
	v.SetDefault("hub.heartbeat_interval", 25*time.Second)
	v.SetDefault("hub.subscriber_buffer", 32)
	v.SetDefault("hub.last_event_ttl", 24*time.Hour)

	v.SetDefault("fallback.poll_interval", 2500*time.Millisecond)

	v.SetDefault("auth.jwt_secret", "shelfsync-dev-secret")
	v.SetDefault("auth.cookie_name", "shelfsync_auth")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.limit", 10)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "shelfsync")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Load 读取配置：config.yaml（可选）+ SHELFSYNC_ 前缀环境变量
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	return load(v)
}

// LoadFile 从指定路径读取配置
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("SHELFSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Queue.Driver == "redis" && !c.Redis.Enabled() {
		return errors.New("invalid config: queue.driver=redis requires redis.addr")
	}
	// 分角色部署时事件只能经 Redis 在进程间转发
	if c.Hub.Enabled && c.Server.Role != "all" && !c.Redis.Enabled() {
		return errors.New("invalid config: hub.enabled with server.role=" + c.Server.Role + " requires redis.addr")
	}
	return nil
}
