package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`

	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
	RedisURL      string `mapstructure:"REDIS_URL"`

	VersionStore       string        `mapstructure:"VERSION_STORE"`
	AuditStore         string        `mapstructure:"AUDIT_STORE"`
	AuditSQLitePath    string        `mapstructure:"AUDIT_SQLITE_PATH"`
	AuditBufferSize    int           `mapstructure:"AUDIT_BUFFER_SIZE"`
	AuditFlushInterval time.Duration `mapstructure:"AUDIT_FLUSH_INTERVAL"`
	KafkaBrokers       []string      `mapstructure:"KAFKA_BROKERS"`
	AuditTopic         string        `mapstructure:"AUDIT_TOPIC"`
	ClassificationFile string        `mapstructure:"CLASSIFICATION_FILE"`

	WriteTimeout    time.Duration `mapstructure:"WRITE_TIMEOUT"`
	AuditTimeout    time.Duration `mapstructure:"AUDIT_TIMEOUT"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"AUTH_MODE", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR", "REDIS_URL",
	"VERSION_STORE", "AUDIT_STORE", "AUDIT_SQLITE_PATH", "AUDIT_BUFFER_SIZE", "AUDIT_FLUSH_INTERVAL",
	"KAFKA_BROKERS", "AUDIT_TOPIC", "CLASSIFICATION_FILE",
	"WRITE_TIMEOUT", "AUDIT_TIMEOUT", "REQUEST_TIMEOUT", "SHUTDOWN_TIMEOUT",
	"BODY_LIMIT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

// Load reads configuration from the environment and an optional .env file.
// It does not validate; call Validate before starting the server.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("VERSION_STORE", StoreMemory)
	v.SetDefault("AUDIT_STORE", StoreMemory)
	v.SetDefault("AUDIT_SQLITE_PATH", "audit.db")
	v.SetDefault("AUDIT_BUFFER_SIZE", 0)
	v.SetDefault("AUDIT_FLUSH_INTERVAL", "1s")
	v.SetDefault("AUDIT_TOPIC", "compliance.audit")
	v.SetDefault("WRITE_TIMEOUT", "5s")
	v.SetDefault("AUDIT_TIMEOUT", "5s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.KafkaBrokers = splitList(strings.Join(cfg.KafkaBrokers, ","))

	if cfg.ResolvedAuthMode() == "development" {
		log.Warn().Msg("development auth is active: every request runs as an ADMIN with phi.access; do not use this configuration in production")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (no token, every request is a dev admin)
//   - AUTH_JWKS_URL set → "jwks" (tokens verified against a remote key set)
//   - Otherwise → "hmac" (tokens signed with AUTH_SIGNING_KEY)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthJWKSURL != "" {
		return "jwks"
	}
	return "hmac"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case "hmac":
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes when AUTH_MODE is \"hmac\"")
		}
	case "jwks":
		if c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_JWKS_URL must be set when AUTH_MODE is \"jwks\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\", \"hmac\", or \"jwks\", got %q", mode)
	}

	switch c.VersionStore {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when VERSION_STORE is %q", StoreRedis)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when VERSION_STORE is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("VERSION_STORE must be memory, redis, or postgres, got %q", c.VersionStore)
	}

	switch c.AuditStore {
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("AUDIT_STORE=memory is not durable and is not allowed when ENV=production")
		}
	case StoreSQLite:
		if c.AuditSQLitePath == "" {
			return fmt.Errorf("AUDIT_SQLITE_PATH is required when AUDIT_STORE is %q", StoreSQLite)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when AUDIT_STORE is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("AUDIT_STORE must be memory, sqlite, or postgres, got %q", c.AuditStore)
	}

	// A record and its audit event commit together only when both live in
	// the same database.
	if c.VersionStore == StorePostgres && c.AuditStore != StorePostgres {
		log.Warn().Str("audit_store", c.AuditStore).Msg("records are in postgres but audit events are not; a write and its audit event will not share a transaction")
	}

	if c.AuditBufferSize < 0 {
		return fmt.Errorf("AUDIT_BUFFER_SIZE must not be negative, got %d", c.AuditBufferSize)
	}
	if c.WriteTimeout <= 0 || c.AuditTimeout <= 0 {
		return fmt.Errorf("WRITE_TIMEOUT and AUDIT_TIMEOUT must be positive")
	}
	if len(c.KafkaBrokers) > 0 && c.AuditTopic == "" {
		return fmt.Errorf("AUDIT_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

// UsesPostgres reports whether any store needs DATABASE_URL.
func (c *Config) UsesPostgres() bool {
	return c.VersionStore == StorePostgres || c.AuditStore == StorePostgres
}
