package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	Tenants       []string `mapstructure:"TENANTS"`

	AuthEnabled  bool   `mapstructure:"AUTH_ENABLED"`
	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`
	JWTSecret    string `mapstructure:"JWT_SECRET"`

	// TokenEncryptionKey encrypts EHR credentials at rest. 64 hex chars
	// (32 bytes decoded). Never logged.
	TokenEncryptionKey string `mapstructure:"TOKEN_ENCRYPTION_KEY"`

	SyncWorkers            int `mapstructure:"SYNC_WORKERS"`
	SyncPageSize           int `mapstructure:"SYNC_PAGE_SIZE"`
	SyncTickSeconds        int `mapstructure:"SYNC_TICK_SECONDS"`
	SyncHTTPTimeoutSeconds int `mapstructure:"SYNC_HTTP_TIMEOUT_SECONDS"`
	SyncMaxAttempts        int `mapstructure:"SYNC_MAX_ATTEMPTS"`
	SyncLockTTLSeconds     int `mapstructure:"SYNC_LOCK_TTL_SECONDS"`

	RateLimitEnabled   bool     `mapstructure:"RATE_LIMIT_ENABLED"`
	RateLimitPerSecond float64  `mapstructure:"RATE_LIMIT_PER_SECOND"`
	RateLimitBurst     int      `mapstructure:"RATE_LIMIT_BURST"`
	CORSOrigins        []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("AUTH_ENABLED", false)
	v.SetDefault("SYNC_WORKERS", 4)
	v.SetDefault("SYNC_PAGE_SIZE", 50)
	v.SetDefault("SYNC_TICK_SECONDS", 60)
	v.SetDefault("SYNC_HTTP_TIMEOUT_SECONDS", 30)
	v.SetDefault("SYNC_MAX_ATTEMPTS", 3)
	v.SetDefault("SYNC_LOCK_TTL_SECONDS", 900)
	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_PER_SECOND", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("TENANTS")
	v.BindEnv("AUTH_ENABLED")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("TOKEN_ENCRYPTION_KEY")
	v.BindEnv("SYNC_WORKERS")
	v.BindEnv("SYNC_PAGE_SIZE")
	v.BindEnv("SYNC_TICK_SECONDS")
	v.BindEnv("SYNC_HTTP_TIMEOUT_SECONDS")
	v.BindEnv("SYNC_MAX_ATTEMPTS")
	v.BindEnv("SYNC_LOCK_TTL_SECONDS")
	v.BindEnv("RATE_LIMIT_ENABLED")
	v.BindEnv("RATE_LIMIT_PER_SECOND")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.Tenants == nil {
		if tenants := v.GetString("TENANTS"); tenants != "" {
			cfg.Tenants = strings.Split(tenants, ",")
		}
	}
	if len(cfg.Tenants) == 0 {
		cfg.Tenants = []string{cfg.DefaultTenant}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && !cfg.AuthEnabled {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running with authentication DISABLED.")
		log.Println("WARNING: All requests get admin access (ENV=development default).")
		log.Println("WARNING: Set AUTH_ENABLED=true and configure AUTH_ISSUER or")
		log.Println("WARNING: JWT_SECRET before exposing this server to a network.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside
// development AUTH_ENABLED must be on with key material configured, and
// TOKEN_ENCRYPTION_KEY is required so EHR credentials are encrypted at
// rest. The key must be a 64-character hex string (32 bytes decoded).
func (c *Config) Validate() error {
	if !c.IsDev() && !c.AuthEnabled {
		return fmt.Errorf("AUTH_ENABLED must be true when ENV=%q. "+
			"Refusing to start without authentication configuration", c.Env)
	}
	if c.AuthEnabled && c.AuthIssuer == "" && c.JWTSecret == "" {
		return fmt.Errorf("AUTH_ISSUER or JWT_SECRET must be set when AUTH_ENABLED is true")
	}

	if !c.IsDev() && c.TokenEncryptionKey == "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY is required when ENV=%q", c.Env)
	}
	if c.TokenEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.TokenEncryptionKey)
		if err != nil {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.SyncWorkers < 1 {
		return fmt.Errorf("SYNC_WORKERS must be at least 1, got %d", c.SyncWorkers)
	}
	if c.SyncPageSize < 1 {
		return fmt.Errorf("SYNC_PAGE_SIZE must be at least 1, got %d", c.SyncPageSize)
	}
	if c.SyncMaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1, got %d", c.SyncMaxAttempts)
	}

	return nil
}
