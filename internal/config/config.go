package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"go.uber.org/zap/zapcore"
)

// Config contains all runtime settings for the motion gateway.
type Config struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8080"`

	RemoteWSHost    string        `env:"REMOTE_WS_HOST" envDefault:"127.0.0.1"`
	RemoteWSPort    int           `env:"REMOTE_WS_PORT" envDefault:"8000"`
	RemoteWSPath    string        `env:"REMOTE_WS_PATH" envDefault:"/ws"`
	WSMaxSize       int64         `env:"WS_MAX_SIZE" envDefault:"52428800"`
	WSTimeout       time.Duration `env:"WS_TIMEOUT" envDefault:"60s"`
	WSOpenTimeout   time.Duration `env:"WS_OPEN_TIMEOUT" envDefault:"10s"`
	SerializeRemote bool          `env:"SERIALIZE_REMOTE_REQUESTS" envDefault:"true"`

	DataRetentionMinutes      int           `env:"DATA_RETENTION_MINUTES" envDefault:"30"`
	CleanupIntervalMinutes    int           `env:"CLEANUP_INTERVAL_MINUTES" envDefault:"5"`
	SessionMaxAge             time.Duration `env:"SESSION_MAX_AGE" envDefault:"2h"`
	MaxStoredMotionsPerUser   int           `env:"MAX_STORED_MOTIONS_PER_USER" envDefault:"10"`
	MaxRequestsPerMinute      int           `env:"MAX_REQUESTS_PER_MINUTE" envDefault:"10"`
	MaxRequestsPerMinutePerIP int           `env:"MAX_REQUESTS_PER_MINUTE_PER_IP" envDefault:"60"`
	AllowSessionRebind        bool          `env:"ALLOW_SESSION_REBIND" envDefault:"true"`

	AllowedOriginsRaw string `env:"ALLOWED_ORIGINS"`
	StrictOriginCheck bool   `env:"STRICT_ORIGIN_CHECK" envDefault:"true"`
	TrustProxyHeaders bool   `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MetricsNamespace string        `env:"METRICS_NAMESPACE" envDefault:"motiongate"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL   string `env:"DATABASE_URL"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// AllowedOrigins is ALLOWED_ORIGINS split on commas, trimmed and without
	// trailing slashes.
	AllowedOrigins []string
}

// Load reads environment variables, applies defaults and validates ranges.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.RemoteWSHost = strings.TrimSpace(cfg.RemoteWSHost)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)
	cfg.AllowedOrigins = ParseOrigins(cfg.AllowedOriginsRaw)
	if !strings.HasPrefix(cfg.RemoteWSPath, "/") {
		cfg.RemoteWSPath = "/" + cfg.RemoteWSPath
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if c.RemoteWSHost == "" {
		return fmt.Errorf("REMOTE_WS_HOST must not be empty")
	}
	if c.RemoteWSPort <= 0 || c.RemoteWSPort > 65535 {
		return fmt.Errorf("REMOTE_WS_PORT must be between 1 and 65535")
	}
	if c.WSMaxSize <= 0 {
		return fmt.Errorf("WS_MAX_SIZE must be positive")
	}
	if c.WSTimeout <= 0 {
		return fmt.Errorf("WS_TIMEOUT must be positive")
	}
	if c.WSOpenTimeout <= 0 {
		return fmt.Errorf("WS_OPEN_TIMEOUT must be positive")
	}
	if c.DataRetentionMinutes <= 0 {
		return fmt.Errorf("DATA_RETENTION_MINUTES must be positive")
	}
	if c.CleanupIntervalMinutes <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL_MINUTES must be positive")
	}
	if c.SessionMaxAge <= 0 {
		return fmt.Errorf("SESSION_MAX_AGE must be positive")
	}
	if c.MaxStoredMotionsPerUser <= 0 {
		return fmt.Errorf("MAX_STORED_MOTIONS_PER_USER must be positive")
	}
	if c.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("MAX_REQUESTS_PER_MINUTE must be positive")
	}
	if c.MaxRequestsPerMinutePerIP <= 0 {
		return fmt.Errorf("MAX_REQUESTS_PER_MINUTE_PER_IP must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("REDIS_DB must be >= 0")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

// ParseOrigins splits a comma separated origin list. Empty items are dropped.
func ParseOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		origin := strings.TrimRight(strings.TrimSpace(part), "/")
		if origin == "" {
			continue
		}
		out = append(out, origin)
	}
	return out
}

// BindAddr is the HTTP listen address.
func (c Config) BindAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// BackendURL is the websocket endpoint of the motion backend.
func (c Config) BackendURL() string {
	return "ws://" + net.JoinHostPort(c.RemoteWSHost, strconv.Itoa(c.RemoteWSPort)) + c.RemoteWSPath
}

func (c Config) DataRetention() time.Duration {
	return time.Duration(c.DataRetentionMinutes) * time.Minute
}

func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}
