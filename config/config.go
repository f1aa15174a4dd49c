package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用全局配置
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Email       EmailConfig       `mapstructure:"email"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	Sentry      SentryConfig      `mapstructure:"sentry"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置；driver 取 postgres 或 sqlite
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig Addr 为空时不启用 issue 缓存
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	IssueTTL time.Duration `mapstructure:"issue_ttl"`
}

// EmailConfig 邮件发送通道；provider 取 postmark、ses 或 log
type EmailConfig struct {
	Provider           string        `mapstructure:"provider"`
	BaseURL            string        `mapstructure:"base_url"`
	Sender             string        `mapstructure:"sender"`
	AuthorizationToken string        `mapstructure:"authorization_token"`
	Timeout            time.Duration `mapstructure:"timeout"`
	SESRegion          string        `mapstructure:"ses_region"`
}

// WorkerConfig 投递 worker 参数。
// MaxSendAttempts 的重试在认领事务内退避；driver=sqlite 时固定为 1 次。
type WorkerConfig struct {
	Count           int           `mapstructure:"count"`
	IdleBackoff     time.Duration `mapstructure:"idle_backoff"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff"`
	MaxSendAttempts int           `mapstructure:"max_send_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	SendRatePerSec  float64       `mapstructure:"send_rate_per_sec"`
}

// IdempotencyConfig 幂等记录保留策略
type IdempotencyConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
}

// MinJWTSecretLength HS256 密钥的最小字节数
const MinJWTSecretLength = 32

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Insecure    bool   `mapstructure:"insecure"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=password dbname=newsletter port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.issue_ttl", 24*time.Hour)

	v.SetDefault("email.provider", "postmark")
	v.SetDefault("email.base_url", "http://localhost:8025")
	v.SetDefault("email.sender", "newsletter@example.com")
	v.SetDefault("email.timeout", 10*time.Second)
	v.SetDefault("email.ses_region", "us-east-2")

	v.SetDefault("worker.count", 1)
	v.SetDefault("worker.idle_backoff", 10*time.Second)
	v.SetDefault("worker.error_backoff", time.Second)
	v.SetDefault("worker.max_send_attempts", 3)
	v.SetDefault("worker.retry_base_delay", time.Second)
	v.SetDefault("worker.send_rate_per_sec", 0)

	v.SetDefault("idempotency.retention", 12*time.Hour)
	v.SetDefault("idempotency.sweep_schedule", "@every 1h")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "newsletter")

	v.SetDefault("tracing.service_name", "newsletter")
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load 读取 config.yaml（可选）并叠加 NEWSLETTER_* 环境变量
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom 与 Load 相同，但可指定配置文件路径；path 为空时按默认目录搜索
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("NEWSLETTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
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

// Validate 检查互斥取值与时长参数
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Email.Provider {
	case "postmark", "ses", "log":
	default:
		return fmt.Errorf("unsupported email provider %q", c.Email.Provider)
	}
	if c.Worker.IdleBackoff <= 0 || c.Worker.ErrorBackoff <= 0 {
		return errors.New("worker backoff durations must be positive")
	}
	if c.Worker.MaxSendAttempts < 1 {
		return errors.New("worker.max_send_attempts must be at least 1")
	}
	if c.Idempotency.Retention <= 0 {
		return errors.New("idempotency.retention must be positive")
	}
	if len(c.JWT.Secret) < MinJWTSecretLength {
		return fmt.Errorf("jwt.secret must be at least %d bytes", MinJWTSecretLength)
	}
	return nil
}
