// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, CRM sync policy, rate
// limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-crm-bridge")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// SyncConfig defines the CRM synchronization policy: retry bounds, backoff,
// the circuit-breaker threshold, lead-creation debounce, and the scheduled
// export and statistics cadence.
type SyncConfig struct {
	MaxAttempts      int           // SYNC_MAX_ATTEMPTS: bounded retries per operation
	BackoffBase      time.Duration // SYNC_BACKOFF_BASE: first retry delay, doubled per attempt
	FailureThreshold int           // SYNC_FAILURE_THRESHOLD: consecutive failures before auto-deactivation
	LeadDebounce     time.Duration // SYNC_LEAD_DEBOUNCE: delay before lead creation after conversation start
	FieldCacheTTL    time.Duration // SYNC_FIELD_CACHE_TTL: provider field-catalog cache lifetime
	ExportInterval   time.Duration // SYNC_EXPORT_INTERVAL: pending-conversation export cadence
	ExportBatchSize  int           // SYNC_EXPORT_BATCH: max conversations per export run
	StatsInterval    time.Duration // SYNC_STATS_INTERVAL: statistics summary cadence
	ProviderTimeout  time.Duration // SYNC_PROVIDER_TIMEOUT: outbound CRM HTTP timeout
	ProviderRPS      float64       // SYNC_PROVIDER_RPS: default per-integration request budget
}

// AIConfig defines the response-generation collaborator settings.
type AIConfig struct {
	BaseURL  string        // AI_BASE_URL: OpenAI-compatible endpoint
	Model    string        // AI_MODEL
	APIKey   string        // AI_API_KEY (falls back to OPENAI_API_KEY)
	Timeout  time.Duration // AI_TIMEOUT
	Fallback string        // AI_FALLBACK_MESSAGE: user-safe reply on provider failure
	KBPath   string        // AI_KB_PATH: markdown knowledge base for grounded answers
}

// AMQPConfig defines optional event fan-out to a message broker. Publishing
// is disabled entirely when URL is empty.
type AMQPConfig struct {
	URL         string // AMQP_URL
	Queue       string // AMQP_QUEUE
	QueuePrefix string // AMQP_QUEUE_PREFIX
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

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for the admin API routes

	// App
	DBPath         string        // SQLite path
	QueueWorkers   int           // background sync worker count
	ChannelTimeout time.Duration // outbound channel (Telegram/VK/WhatsApp) HTTP timeout

	// Rate limiting (HTTP edge)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// CRM sync policy
	Sync SyncConfig

	// AI collaborator
	AI AIConfig

	// Broker fan-out
	AMQP AMQPConfig

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

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:         getenv("DB_PATH", "bridge.db"),
		QueueWorkers:   getint("QUEUE_WORKERS", 4),
		ChannelTimeout: getdur("CHANNEL_TIMEOUT", 20*time.Second),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 10.0),
		RateBurst: getint("RATE_BURST", 20),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// CRM sync policy
		Sync: SyncConfig{
			MaxAttempts:      getint("SYNC_MAX_ATTEMPTS", 3),
			BackoffBase:      getdur("SYNC_BACKOFF_BASE", 2*time.Second),
			FailureThreshold: getint("SYNC_FAILURE_THRESHOLD", 10),
			LeadDebounce:     getdur("SYNC_LEAD_DEBOUNCE", 5*time.Second),
			FieldCacheTTL:    getdur("SYNC_FIELD_CACHE_TTL", time.Hour),
			ExportInterval:   getdur("SYNC_EXPORT_INTERVAL", 15*time.Minute),
			ExportBatchSize:  getint("SYNC_EXPORT_BATCH", 50),
			StatsInterval:    getdur("SYNC_STATS_INTERVAL", time.Hour),
			ProviderTimeout:  getdur("SYNC_PROVIDER_TIMEOUT", 20*time.Second),
			ProviderRPS:      getfloat("SYNC_PROVIDER_RPS", 2.0),
		},

		// AI collaborator
		AI: AIConfig{
			BaseURL:  getenv("AI_BASE_URL", ""),
			Model:    getenv("AI_MODEL", "gpt-4o-mini"),
			APIKey:   getenv("AI_API_KEY", os.Getenv("OPENAI_API_KEY")),
			Timeout:  getdur("AI_TIMEOUT", 30*time.Second),
			Fallback: getenv("AI_FALLBACK_MESSAGE", "Sorry, I could not process your message right now. Please try again in a moment."),
			KBPath:   getenv("AI_KB_PATH", ""),
		},

		// Broker fan-out
		AMQP: AMQPConfig{
			URL:         getenv("AMQP_URL", ""),
			Queue:       getenv("AMQP_QUEUE", "crm_bridge_events"),
			QueuePrefix: getenv("AMQP_QUEUE_PREFIX", "bridge"),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-crm-bridge"),
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
	if cfg.QueueWorkers < 1 {
		return cfg, errors.New("QUEUE_WORKERS must be >= 1")
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
	if cfg.Sync.MaxAttempts < 1 {
		return cfg, errors.New("SYNC_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Sync.BackoffBase <= 0 {
		return cfg, errors.New("SYNC_BACKOFF_BASE must be > 0")
	}
	if cfg.Sync.FailureThreshold < 1 {
		return cfg, errors.New("SYNC_FAILURE_THRESHOLD must be >= 1")
	}
	if cfg.Sync.LeadDebounce < 0 {
		return cfg, errors.New("SYNC_LEAD_DEBOUNCE must be >= 0")
	}
	if cfg.Sync.ExportBatchSize < 1 {
		return cfg, errors.New("SYNC_EXPORT_BATCH must be >= 1")
	}
	if cfg.Sync.ProviderRPS <= 0 {
		return cfg, errors.New("SYNC_PROVIDER_RPS must be > 0")
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
