package app

import (
	"net"
	"net/url"
	"strings"
	"time"

	"noogle/cmd/internal/document"
	"noogle/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json | pretty
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// DatabaseURL is empty when no database is configured; the server then
	// keeps documents in memory.
	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// RedisURL is a redis:// URL. RedisAddr is used when it is empty.
	RedisURL      string
	RedisAddr     string
	CacheDisabled bool
	CacheTTL      time.Duration

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool
	// If true, /readyz returns 503 when Redis is unreachable.
	ReadinessRequireCache bool

	WS realtime.WSConfig
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	ws := realtime.DefaultWSConfig()

	return Config{
		HTTPAddr:  EnvString("NOOGLE_HTTP_ADDR", ":"+EnvString("PORT", "4000")),
		LogLevel:  EnvString("NOOGLE_LOG_LEVEL", "info"),
		LogFormat: EnvString("NOOGLE_LOG_FORMAT", "json"),
		LogColor:  EnvBool("NOOGLE_LOG_COLOR", false),

		ReadHeaderTimeout: EnvDuration("NOOGLE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("NOOGLE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("NOOGLE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("NOOGLE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("NOOGLE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: databaseURLFromEnv(),
		DBSchema:    EnvString("NOOGLE_DB_SCHEMA", "public"),
		DBMaxConns:  EnvInt32("DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("DB_MIN_CONNS", 0),

		RedisURL:      EnvString("REDIS_URL", ""),
		RedisAddr:     net.JoinHostPort(EnvString("REDIS_HOST", "localhost"), EnvString("REDIS_PORT", "6379")),
		CacheDisabled: EnvBool("NOOGLE_CACHE_DISABLED", false),
		CacheTTL:      EnvDuration("NOOGLE_CACHE_TTL", document.DefaultCacheTTL),

		ReadinessRequireDB:    EnvBool("NOOGLE_READINESS_REQUIRE_DB", false),
		ReadinessRequireCache: EnvBool("NOOGLE_READINESS_REQUIRE_CACHE", false),

		WS: realtime.WSConfig{
			AllowedOrigins:    EnvCSV("NOOGLE_WS_ALLOWED_ORIGINS", strings.Join(ws.AllowedOrigins, ",")),
			OriginRequired:    EnvBool("NOOGLE_WS_ORIGIN_REQUIRED", false),
			SendQueueSize:     EnvInt("NOOGLE_WS_SEND_QUEUE", ws.SendQueueSize),
			WriteTimeout:      EnvDuration("NOOGLE_WS_WRITE_TIMEOUT", ws.WriteTimeout),
			ReadIdleTimeout:   EnvDuration("NOOGLE_WS_READ_IDLE_TIMEOUT", ws.ReadIdleTimeout),
			ReadLimit:         int64(EnvInt("NOOGLE_WS_READ_LIMIT", int(ws.ReadLimit))),
			HeartbeatInterval: EnvDuration("NOOGLE_WS_HEARTBEAT_INTERVAL", ws.HeartbeatInterval),
			HeartbeatTimeout:  EnvDuration("NOOGLE_WS_HEARTBEAT_TIMEOUT", ws.HeartbeatTimeout),
			RateEvents:        EnvInt("NOOGLE_WS_RATE_EVENTS", ws.RateEvents),
			RateWindow:        EnvDuration("NOOGLE_WS_RATE_WINDOW", ws.RateWindow),
		},
	}
}

// databaseURLFromEnv prefers NOOGLE_DATABASE_URL and otherwise assembles a
// postgres URL from the discrete DB_* variables. It returns "" when neither
// a host nor a database name is set.
func databaseURLFromEnv() string {
	if raw := EnvString("NOOGLE_DATABASE_URL", ""); raw != "" {
		return raw
	}

	host := EnvString("DB_HOST", "")
	name := EnvString("DB_NAME", "")
	if host == "" && name == "" {
		return ""
	}
	if host == "" {
		host = "localhost"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, EnvString("DB_PORT", "5432")),
		Path:   "/" + name,
	}
	if user := EnvString("DB_USER", ""); user != "" {
		if pw := EnvString("DB_PASSWORD", ""); pw != "" {
			u.User = url.UserPassword(user, pw)
		} else {
			u.User = url.User(user)
		}
	}
	q := url.Values{}
	q.Set("sslmode", EnvString("DB_SSLMODE", "disable"))
	u.RawQuery = q.Encode()

	return u.String()
}
