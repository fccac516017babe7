package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xela07ax/shared-counter/internal/occ"
	"github.com/xela07ax/shared-counter/internal/security"
)

// Config is the root configuration shared by the counter engine and the console.
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Console  ServerConfig    `mapstructure:"console"`
	Database DatabaseConfig  `mapstructure:"database"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Storage  StorageConfig   `mapstructure:"storage"`
	Counter  CounterConfig   `mapstructure:"counter"`
	Security security.Policy `mapstructure:"security"`
	Ingress  IngressConfig   `mapstructure:"ingress"`
	Breaker  BreakerConfig   `mapstructure:"breaker"`
	Audit    AuditConfig     `mapstructure:"audit"`
	Auth     AuthConfig      `mapstructure:"auth"`
	Logger   LoggerConfig    `mapstructure:"logger"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	// ClientStateTTL expires idle fingerprints in Redis.
	ClientStateTTL time.Duration `mapstructure:"client_state_ttl"`
}

type CounterConfig struct {
	Name  string     `mapstructure:"name"`
	Retry occ.Config `mapstructure:"retry"`
}

// IngressConfig is the per-instance token bucket in front of the gate.
type IngressConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// BreakerConfig configures the circuit breaker around the counter storage.
type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

type AuditConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// AuthConfig holds the console RS256 keys and the static operator list.
type AuthConfig struct {
	PublicKeyPath  string           `mapstructure:"public_key_path"`
	PrivateKeyPath string           `mapstructure:"private_key_path"`
	TokenTTL       time.Duration    `mapstructure:"token_ttl"`
	Issuer         string           `mapstructure:"issuer"`
	Operators      []OperatorConfig `mapstructure:"operators"`
	PublicKey      []byte
	PrivateKey     []byte
}

type OperatorConfig struct {
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"` // bcrypt
	Scopes       []string `mapstructure:"scopes"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoadConfig merges config.yaml (from . or ./configs), ENV and defaults.
// SERVER_PORT=9000 overrides server.port.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// no file: ENV and defaults only
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	cfg.Security = cfg.Security.WithDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// a PEM in ENV wins over the file path (Docker/K8s secrets)
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Redis.Addr == "" {
			return errors.New("config: redis.addr is required for the redis driver")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.New("config: database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("console.host", "")
	v.SetDefault("console.port", 8000)
	v.SetDefault("console.read_timeout", 5*time.Second)
	v.SetDefault("console.write_timeout", 10*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.driver", DriverRedis)
	v.SetDefault("storage.client_state_ttl", 48*time.Hour)

	v.SetDefault("counter.name", "global")
	v.SetDefault("counter.retry.attempts", occ.DefaultAttempts)
	v.SetDefault("counter.retry.base_delay", occ.DefaultBaseDelay)

	p := security.DefaultPolicy()
	v.SetDefault("security.timestamp_tolerance", p.TimestampTolerance)
	v.SetDefault("security.rapid_fire_floor", p.RapidFireFloor)
	v.SetDefault("security.progressive_ceiling", p.ProgressiveCeiling)
	v.SetDefault("security.daily_cap", p.DailyCap)
	v.SetDefault("security.hourly_cap", p.HourlyCap)
	v.SetDefault("security.session_cap", p.SessionCap)
	v.SetDefault("security.rolling_window", p.RollingWindow)
	v.SetDefault("security.session_timeout", p.SessionTimeout)
	v.SetDefault("security.pattern_window", p.PatternWindow)
	v.SetDefault("security.pattern_max_events", p.PatternMaxEvents)
	v.SetDefault("security.pattern_min_samples", p.PatternMinSamples)
	v.SetDefault("security.pattern_max_stddev", p.PatternMaxStdDev)
	v.SetDefault("security.pattern_max_mean", p.PatternMaxMean)
	v.SetDefault("security.violation_threshold", p.ViolationThreshold)
	v.SetDefault("security.block_duration", p.BlockDuration)
	v.SetDefault("security.backoff_base", p.BackoffBase)
	v.SetDefault("security.backoff_max", p.BackoffMax)
	v.SetDefault("security.violation_decay", time.Duration(0))
	v.SetDefault("security.event_retention", p.EventRetention)

	v.SetDefault("ingress.rps", 2000)
	v.SetDefault("ingress.burst", 400)

	v.SetDefault("breaker.max_requests", 3)
	v.SetDefault("breaker.interval", 5*time.Second)
	v.SetDefault("breaker.timeout", 30*time.Second)
	v.SetDefault("breaker.consecutive_failures", 5)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)

	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.private_key_path", "")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("auth.issuer", "shared-counter-console")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("metrics.addr", ":9090")
}

// loadKeyResource reads a key from the ENV variable first, then from path.
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
