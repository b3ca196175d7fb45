// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, persistence, authentication, fan-out relay, messaging limits,
// notification delivery, and observability settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings. The same
// allowlist is applied to WebSocket upgrade origins.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	JWTSecret string // JWT_SECRET (HS256)
	Issuer    string // JWT_ISSUER, optional; checked when non-empty
}

// RedisConfig configures the cross-process fan-out relay. An empty URL
// means single-process mode.
type RedisConfig struct {
	URL     string // REDIS_URL, e.g. redis://:pass@redis:6379/0
	Channel string // REDIS_CHANNEL
}

// MessagingConfig bounds message creation and mutation.
type MessagingConfig struct {
	SendLimit       int           // SEND_RATE_LIMIT: sends per window per user
	SendWindow      time.Duration // SEND_RATE_WINDOW
	SendBackend     string        // SEND_RATE_BACKEND: memory|redis
	MaxContentRunes int           // MAX_CONTENT_RUNES
	MaxAttachments  int           // MAX_ATTACHMENTS
	EditWindow      time.Duration // EDIT_WINDOW
}

// NotifyConfig configures the e-mail fallback.
type NotifyConfig struct {
	FrontendURL  string // FRONTEND_URL, used for deep links
	SMTPHost     string // SMTP_HOST; empty means log-only delivery
	SMTPPort     string // SMTP_PORT
	SMTPUsername string // SMTP_USERNAME
	SMTPPassword string // SMTP_PASSWORD
	From         string // SMTP_FROM
	FromName     string // SMTP_FROM_NAME
	Workers      int           // NOTIFY_WORKERS
	QueueSize    int           // NOTIFY_QUEUE
	Timeout      time.Duration // NOTIFY_TIMEOUT per send
	PreviewRunes int           // PREVIEW_RUNES
}

// WSConfig limits inbound client frames per connection.
type WSConfig struct {
	EventsRPS   float64 // WS_EVENTS_RPS
	EventsBurst int     // WS_EVENTS_BURST
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Persistence
	DBPath string // SQLite path

	// Edge rate limiting (all HTTP requests)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	Auth      AuthConfig
	Redis     RedisConfig
	Messaging MessagingConfig
	Notify    NotifyConfig
	WS        WSConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DBPath: getenv("DB_PATH", "rentchat.db"),

		RateRPS:   getfloat("RATE_RPS", 10.0),
		RateBurst: getint("RATE_BURST", 20),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		Auth: AuthConfig{
			JWTSecret: getenv("JWT_SECRET", ""),
			Issuer:    getenv("JWT_ISSUER", ""),
		},
		Redis: RedisConfig{
			URL:     getenv("REDIS_URL", ""),
			Channel: getenv("REDIS_CHANNEL", "rentchat:events"),
		},
		Messaging: MessagingConfig{
			SendLimit:       getint("SEND_RATE_LIMIT", 20),
			SendWindow:      getdur("SEND_RATE_WINDOW", time.Minute),
			SendBackend:     strings.ToLower(getenv("SEND_RATE_BACKEND", "memory")),
			MaxContentRunes: getint("MAX_CONTENT_RUNES", 5000),
			MaxAttachments:  getint("MAX_ATTACHMENTS", 10),
			EditWindow:      getdur("EDIT_WINDOW", 15*time.Minute),
		},
		Notify: NotifyConfig{
			FrontendURL:  strings.TrimRight(getenv("FRONTEND_URL", "http://localhost:3000"), "/"),
			SMTPHost:     getenv("SMTP_HOST", ""),
			SMTPPort:     getenv("SMTP_PORT", "587"),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			From:         getenv("SMTP_FROM", "no-reply@localhost"),
			FromName:     getenv("SMTP_FROM_NAME", "Rental Chat"),
			Workers:      getint("NOTIFY_WORKERS", 4),
			QueueSize:    getint("NOTIFY_QUEUE", 256),
			Timeout:      getdur("NOTIFY_TIMEOUT", 10*time.Second),
			PreviewRunes: getint("PREVIEW_RUNES", 100),
		},
		WS: WSConfig{
			EventsRPS:   getfloat("WS_EVENTS_RPS", 5.0),
			EventsBurst: getint("WS_EVENTS_BURST", 20),
		},

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-rental-chat"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if len(cfg.Auth.JWTSecret) < 16 {
		return cfg, errors.New("JWT_SECRET must be at least 16 bytes")
	}
	if cfg.Messaging.SendLimit < 1 {
		return cfg, errors.New("SEND_RATE_LIMIT must be >= 1")
	}
	if cfg.Messaging.SendWindow <= 0 {
		return cfg, errors.New("SEND_RATE_WINDOW must be > 0")
	}
	switch cfg.Messaging.SendBackend {
	case "memory":
	case "redis":
		if cfg.Redis.URL == "" {
			return cfg, errors.New("SEND_RATE_BACKEND=redis requires REDIS_URL")
		}
	default:
		return cfg, errors.New("SEND_RATE_BACKEND must be one of: memory, redis")
	}
	if cfg.Messaging.MaxContentRunes < 1 || cfg.Messaging.MaxAttachments < 0 {
		return cfg, errors.New("MAX_CONTENT_RUNES must be >= 1 and MAX_ATTACHMENTS >= 0")
	}
	if cfg.Messaging.EditWindow <= 0 {
		return cfg, errors.New("EDIT_WINDOW must be > 0")
	}
	if cfg.Notify.Workers < 1 || cfg.Notify.QueueSize < 1 {
		return cfg, errors.New("NOTIFY_WORKERS and NOTIFY_QUEUE must be >= 1")
	}
	if cfg.Notify.Timeout <= 0 {
		return cfg, errors.New("NOTIFY_TIMEOUT must be > 0")
	}
	if cfg.Notify.PreviewRunes < 1 {
		return cfg, errors.New("PREVIEW_RUNES must be >= 1")
	}
	if cfg.WS.EventsRPS <= 0 || cfg.WS.EventsBurst < 1 {
		return cfg, errors.New("WS_EVENTS_RPS must be > 0 and WS_EVENTS_BURST >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
