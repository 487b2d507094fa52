// Package config loads runtime settings from an optional YAML file and
// CLINICORE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DevSigningKey is used when no signing key is configured. Serve refuses it
// outside the development environment.
const DevSigningKey = "dev-secret-key-change-in-production"

type Config struct {
	Environment string    `mapstructure:"environment"`
	Server      Server    `mapstructure:"server"`
	Database    Database  `mapstructure:"database"`
	Policy      Policy    `mapstructure:"policy"`
	Ownership   Ownership `mapstructure:"ownership"`
	Audit       Audit     `mapstructure:"audit"`
	Kafka       Kafka     `mapstructure:"kafka"`
	Outbox      Outbox    `mapstructure:"outbox"`
	Auth        Auth      `mapstructure:"auth"`
	Redis       Redis     `mapstructure:"redis"`
	RateLimit   RateLimit `mapstructure:"ratelimit"`
	Log         Log       `mapstructure:"log"`
}

type Server struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	// TrustedProxies lists CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// Database is optional: an empty URL runs the service on in-memory stores.
type Database struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	TxTimeout       time.Duration `mapstructure:"tx_timeout"`
}

// Policy.File overrides the embedded permission table.
type Policy struct {
	File string `mapstructure:"file"`
}

type Ownership struct {
	NursingEntryWindow time.Duration `mapstructure:"nursing_entry_window"`
}

type Audit struct {
	// AsyncBuffer > 0 queues denied entries instead of writing them inline.
	AsyncBuffer int    `mapstructure:"async_buffer"`
	Topic       string `mapstructure:"topic"`
}

type Kafka struct {
	Brokers           string        `mapstructure:"brokers"`
	Acks              string        `mapstructure:"acks"`
	Retries           int           `mapstructure:"retries"`
	DeliveryTimeout   time.Duration `mapstructure:"delivery_timeout"`
	Partitions        int32         `mapstructure:"partitions"`
	ReplicationFactor int16         `mapstructure:"replication_factor"`
}

type Outbox struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type Auth struct {
	JWTSigningKey string `mapstructure:"jwt_signing_key"`
	Issuer        string `mapstructure:"issuer"`
	Audience      string `mapstructure:"audience"`
}

// Redis is optional; it shares rate limit counters across replicas.
type Redis struct {
	URL         string        `mapstructure:"url"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// RateLimit.Requests <= 0 disables the limiter.
type RateLimit struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type Log struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.tx_timeout", 5*time.Second)
	v.SetDefault("policy.file", "")
	v.SetDefault("ownership.nursing_entry_window", 24*time.Hour)
	v.SetDefault("audit.async_buffer", 0)
	v.SetDefault("audit.topic", "clinicore.audit.entries")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.acks", "all")
	v.SetDefault("kafka.retries", 5)
	v.SetDefault("kafka.delivery_timeout", 30*time.Second)
	v.SetDefault("kafka.partitions", 3)
	v.SetDefault("kafka.replication_factor", 1)
	v.SetDefault("outbox.poll_interval", time.Second)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("auth.jwt_signing_key", DevSigningKey)
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 2*time.Second)
	v.SetDefault("ratelimit.requests", 600)
	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
}

// Load reads path (if non-empty) and applies environment overrides such as
// CLINICORE_DATABASE_URL for database.url.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CLINICORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Auth.JWTSigningKey == "" {
		errs = append(errs, errors.New("auth.jwt_signing_key is required"))
	}
	if c.Auth.JWTSigningKey == DevSigningKey && !c.IsDevelopment() {
		errs = append(errs, errors.New("auth.jwt_signing_key must be set outside development"))
	}
	if c.Ownership.NursingEntryWindow <= 0 {
		errs = append(errs, errors.New("ownership.nursing_entry_window must be positive"))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox.batch_size must be positive"))
	}
	if c.Audit.AsyncBuffer < 0 {
		errs = append(errs, errors.New("audit.async_buffer must not be negative"))
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("ratelimit.window must be positive when ratelimit.requests is set"))
	}
	switch c.Kafka.Acks {
	case "0", "1", "all":
	default:
		errs = append(errs, fmt.Errorf("kafka.acks must be 0, 1 or all, got %q", c.Kafka.Acks))
	}
	return errors.Join(errs...)
}
