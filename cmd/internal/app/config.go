package app

import (
	"fmt"
	"strings"
	"time"

	"devicecap/cmd/internal/events"
	"devicecap/cmd/internal/realtime"
	"devicecap/cmd/internal/session"
	sessionapi "devicecap/cmd/internal/session/api"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	AppEnv   string
	HTTPAddr string
	LogLevel string

	// LogFormat is "json" (default), "text", or "pretty".
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	// Store selection: DatabaseURL wins, then BoltPath, else in-memory.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	BoltPath    string

	// If true, /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	MetricsEnabled bool
	PushEnabled    bool

	ServiceName  string
	OTLPEndpoint string
	OTLPInsecure bool

	Session session.Config
	API     sessionapi.Config
	WS      realtime.GatewayConfig

	// Events publishes session_ended to Kafka when brokers are configured.
	Events events.Config
}

// IsProduction reports whether the process runs with production guardrails.
func (c Config) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(c.AppEnv)) {
	case "prod", "production":
		return true
	default:
		return false
	}
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	cfg := Config{
		AppEnv:    EnvString("DEVICECAP_APP_ENV", "development"),
		HTTPAddr:  EnvString("DEVICECAP_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("DEVICECAP_LOG_LEVEL", "info"),
		LogFormat: EnvString("DEVICECAP_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("DEVICECAP_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("DEVICECAP_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("DEVICECAP_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("DEVICECAP_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("DEVICECAP_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),

		MaxHeaderBytes: EnvInt("DEVICECAP_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("DEVICECAP_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("DEVICECAP_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("DEVICECAP_DB_MIN_CONNS", 0),
		BoltPath:    EnvString("DEVICECAP_BOLT_PATH", ""),

		ReadinessRequireDB: EnvBool("DEVICECAP_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("DEVICECAP_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("DEVICECAP_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("DEVICECAP_CORS_MAX_AGE_SECONDS", 600),

		MetricsEnabled: EnvBool("DEVICECAP_METRICS_ENABLED", true),
		PushEnabled:    EnvBool("DEVICECAP_PUSH_ENABLED", true),

		ServiceName:  EnvString("DEVICECAP_SERVICE_NAME", "devicecap"),
		OTLPEndpoint: EnvString("DEVICECAP_OTLP_ENDPOINT", ""),
		OTLPInsecure: EnvBool("DEVICECAP_OTLP_INSECURE", false),

		API: sessionapi.LoadConfigFromEnv(),
		WS:  realtime.LoadGatewayConfigFromEnv(),

		Events: events.LoadConfigFromEnv(),
	}

	sess, err := session.LoadConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("app: %w", err)
	}
	cfg.Session = sess
	cfg.WS.HeartbeatInterval = sess.HeartbeatInterval

	return cfg, nil
}
