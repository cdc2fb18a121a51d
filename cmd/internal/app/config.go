package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	BackendHTTP   = "http"
	BackendMemory = "memory"

	TransportWS     = "ws"
	TransportNDJSON = "ndjson"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	// WriteTimeout of zero leaves /ws and the event streams unbounded.
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int

	// Backend selects the authority: BackendHTTP talks to BackendURL,
	// BackendMemory runs an in-process authority mounted under /authority.
	Backend    string
	BackendURL string
	// StreamURL defaults to the event endpoint below BackendURL.
	StreamURL       string
	StreamTransport string

	ReconnectBackoff    time.Duration
	ReconnectAlertAfter int
	VerifyTimeout       time.Duration

	// MemoryDelay spaces deltas of the in-process authority.
	MemoryDelay time.Duration

	CacheCapacity int
	CacheTTL      time.Duration
	// CachePath is the bbolt file used when DatabaseURL is empty. Empty or
	// "none" keeps the cache in memory only.
	CachePath string

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
	// If true, /readyz returns 503 while the event stream is down.
	ReadinessRequireStream bool

	WSSendQueue      int
	WSOriginRequired bool
	WSAllowedOrigins []string
	WSRateEvents     int
	WSRateWindow     time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CHATSYNC_HTTP_ADDR", "127.0.0.1:8484"),
		LogLevel:  EnvString("CHATSYNC_LOG_LEVEL", "info"),
		LogFormat: EnvString("CHATSYNC_LOG_FORMAT", "json"),
		LogColor:  EnvBool("CHATSYNC_LOG_COLOR", false),

		ReadHeaderTimeout: EnvDuration("CHATSYNC_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CHATSYNC_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CHATSYNC_HTTP_WRITE_TIMEOUT", 0),
		IdleTimeout:       EnvDuration("CHATSYNC_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CHATSYNC_HTTP_MAX_HEADER_BYTES", 1<<20),

		Backend:         strings.ToLower(EnvString("CHATSYNC_BACKEND", BackendHTTP)),
		BackendURL:      EnvString("CHATSYNC_BACKEND_URL", "http://127.0.0.1:8000"),
		StreamURL:       EnvString("CHATSYNC_STREAM_URL", ""),
		StreamTransport: strings.ToLower(EnvString("CHATSYNC_STREAM_TRANSPORT", TransportWS)),

		ReconnectBackoff:    EnvDuration("CHATSYNC_RECONNECT_BACKOFF", time.Second),
		ReconnectAlertAfter: EnvInt("CHATSYNC_RECONNECT_ALERT_AFTER", 5),
		VerifyTimeout:       EnvDuration("CHATSYNC_VERIFY_TIMEOUT", 5*time.Second),

		MemoryDelay: EnvDuration("CHATSYNC_MEMORY_DELAY", 40*time.Millisecond),

		CacheCapacity: EnvInt("CHATSYNC_CACHE_CAPACITY", 20),
		CacheTTL:      EnvDuration("CHATSYNC_CACHE_TTL", 30*time.Minute),
		CachePath:     cachePath(EnvString("CHATSYNC_CACHE_PATH", defaultCachePath())),

		DatabaseURL: EnvString("CHATSYNC_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("CHATSYNC_DB_MAX_CONNS", 4),
		DBMinConns:  EnvInt32("CHATSYNC_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("CHATSYNC_DB_SCHEMA", "chatsync"),

		ReadinessRequireDB:     EnvBool("CHATSYNC_READINESS_REQUIRE_DB", false),
		ReadinessRequireStream: EnvBool("CHATSYNC_READINESS_REQUIRE_STREAM", false),

		WSSendQueue:      EnvInt("CHATSYNC_WS_SEND_QUEUE", 256),
		WSOriginRequired: EnvBool("CHATSYNC_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins: EnvCSV("CHATSYNC_WS_ALLOWED_ORIGINS", []string{"localhost", "127.0.0.1"}),
		WSRateEvents:     EnvInt("CHATSYNC_WS_RATE_EVENTS", 60),
		WSRateWindow:     EnvDuration("CHATSYNC_WS_RATE_WINDOW", 10*time.Second),

		CORSAllowedOrigins:   EnvCSV("CHATSYNC_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("CHATSYNC_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("CHATSYNC_CORS_MAX_AGE_SECONDS", 600),
	}
}

// Validate rejects combinations the runtime cannot wire.
func (c Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendMemory:
	case BackendHTTP:
		if strings.TrimSpace(c.BackendURL) == "" {
			errs = append(errs, errors.New("CHATSYNC_BACKEND_URL is required for the http backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("CHATSYNC_BACKEND: unknown backend %q", c.Backend))
	}

	switch c.StreamTransport {
	case TransportWS, TransportNDJSON:
	default:
		errs = append(errs, fmt.Errorf("CHATSYNC_STREAM_TRANSPORT: unknown transport %q", c.StreamTransport))
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text", "pretty":
	default:
		errs = append(errs, fmt.Errorf("CHATSYNC_LOG_FORMAT: unknown format %q", c.LogFormat))
	}

	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, errors.New("CHATSYNC_DB_MIN_CONNS exceeds CHATSYNC_DB_MAX_CONNS"))
	}
	return errors.Join(errs...)
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "chatsync", "snapshots.db")
}

func cachePath(v string) string {
	if strings.EqualFold(v, "none") {
		return ""
	}
	return v
}

// EventStreamURL returns StreamURL, or the authority's event endpoint for the
// configured transport.
func (c Config) EventStreamURL() string {
	if c.StreamURL != "" {
		return c.StreamURL
	}
	base := strings.TrimRight(c.BackendURL, "/")
	if c.StreamTransport == TransportNDJSON {
		return base + "/api/events"
	}
	return wsBaseURL(base) + "/api/events/ws"
}

// wsBaseURL maps an http(s) base onto ws(s). Bare host:port is taken as http.
func wsBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "ws://" + base
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}
