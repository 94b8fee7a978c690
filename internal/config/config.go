package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	JWTSecret           string        `mapstructure:"JWT_SECRET"`
	SessionTTL          time.Duration `mapstructure:"SESSION_TTL"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
	Timezone            string        `mapstructure:"TIMEZONE"`
	BookingHorizonDays  int           `mapstructure:"BOOKING_HORIZON_DAYS"`
	MaxReschedules      int           `mapstructure:"MAX_RESCHEDULES"`
	CheckInOpenMinutes  int           `mapstructure:"CHECKIN_OPEN_MINUTES"`
	NoShowSweepInterval time.Duration `mapstructure:"NOSHOW_SWEEP_INTERVAL"`
	AMQPURL             string        `mapstructure:"AMQP_URL"`
	AMQPExchange        string        `mapstructure:"AMQP_EXCHANGE"`
	MinioEndpoint       string        `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey      string        `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey      string        `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket         string        `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL         bool          `mapstructure:"MINIO_USE_SSL"`
	MetricsEnabled      bool          `mapstructure:"METRICS_ENABLED"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "JWT_SECRET", "SESSION_TTL", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TIMEZONE",
	"BOOKING_HORIZON_DAYS", "MAX_RESCHEDULES", "CHECKIN_OPEN_MINUTES",
	"NOSHOW_SWEEP_INTERVAL", "AMQP_URL", "AMQP_EXCHANGE",
	"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY",
	"MINIO_BUCKET", "MINIO_USE_SSL", "METRICS_ENABLED",
}

// devJWTSecret signs development tokens only; Validate rejects it in production.
const devJWTSecret = "opd-development-secret-change-me-now"

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SESSION_TTL", "12h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("TIMEZONE", "Local")
	v.SetDefault("BOOKING_HORIZON_DAYS", 30)
	v.SetDefault("MAX_RESCHEDULES", 2)
	v.SetDefault("CHECKIN_OPEN_MINUTES", 120)
	v.SetDefault("NOSHOW_SWEEP_INTERVAL", "10m")
	v.SetDefault("AMQP_EXCHANGE", "opd.events")
	v.SetDefault("MINIO_BUCKET", "opd-reports")
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		if cfg.JWTSecret == "" {
			cfg.JWTSecret = devJWTSecret
		}
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development).")
		if cfg.RedisURL == "" {
			log.Println("WARNING: REDIS_URL is empty, sessions are kept in process memory.")
		}
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

// Location resolves TIMEZONE. Visit dates and HH:MM slot times are
// interpreted in this zone.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Validate checks that the configuration is safe to run. Outside development
// a Redis session store and a strong JWT secret are mandatory.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "test" && c.Env != "production" {
		return fmt.Errorf("ENV must be \"development\", \"test\", or \"production\", got %q", c.Env)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if !c.IsDev() {
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when ENV=%s", c.Env)
		}
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(c.JWTSecret))
		}
		if c.JWTSecret == devJWTSecret {
			return fmt.Errorf("JWT_SECRET must not use the development default")
		}
	}
	if c.Timezone != "" && c.Timezone != "Local" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
		}
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.BookingHorizonDays < 1 {
		return fmt.Errorf("BOOKING_HORIZON_DAYS must be at least 1")
	}
	if c.MaxReschedules < 0 {
		return fmt.Errorf("MAX_RESCHEDULES must not be negative")
	}
	if c.MinioEndpoint != "" && (c.MinioAccessKey == "" || c.MinioSecretKey == "") {
		return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when MINIO_ENDPOINT is set")
	}
	return nil
}
