package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Deployment profiles selected by APP_ENV.
const (
	ProfileProduction  = "production"
	ProfileDevelopment = "development"
)

// Default per-user connection caps. Production keeps the cap tight; a
// developer with many tabs open should not be evicted constantly.
const (
	DefaultMaxConnectionsProduction  = 5
	DefaultMaxConnectionsDevelopment = 10
)

// EvictCloseCode is the WebSocket close code sent to a connection evicted
// for exceeding the per-user cap. It lives in the 4000-4999 range reserved
// for applications so clients can tell it apart from protocol closes.
const EvictCloseCode = 4008

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; only DATABASE_URL and JWT_SECRET are required.
type Config struct {
	Profile string

	// Server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Database
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// MigrationsDir holds the golang-migrate files; empty skips migrations.
	MigrationsDir string

	// Token verification
	JWTSecret    string
	JWTAlgorithm string
	JWTLeeway    time.Duration

	// Realtime connections
	MaxConnectionsPerUser int
	EvictCloseCode        int
	WSWriteTimeout        time.Duration
	WSPongWait            time.Duration
	WSPingInterval        time.Duration
	WSMaxMessageBytes     int64
	WSInboundRate         float64
	WSInboundBurst        int
	FanoutConcurrency     int

	// Dispatch queue
	DispatchQueueSize  int
	DispatchJobTimeout time.Duration

	// Email provider
	EmailWebhookURL string
	EmailTimeout    time.Duration
	EmailRateLimit  int

	// Optional NATS ingestion; disabled when NATSURL is empty.
	NATSURL     string
	NATSSubject string
	NATSQueue   string

	// Gauge sampling interval
	StatsInterval time.Duration
}

func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	profile := getEnv("APP_ENV", ProfileProduction)
	if profile != ProfileProduction && profile != ProfileDevelopment {
		return nil, fmt.Errorf("APP_ENV must be %q or %q, got %q", ProfileProduction, ProfileDevelopment, profile)
	}

	cfg := &Config{
		Profile: profile,

		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DatabaseURL: dbURL,
		DBMaxConns:  int32(getInt("DB_MAX_CONNS", 25)),
		DBMinConns:  int32(getInt("DB_MIN_CONNS", 5)),

		MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations"),

		JWTSecret:    secret,
		JWTAlgorithm: getEnv("JWT_ALGORITHM", "HS256"),
		JWTLeeway:    getDuration("JWT_LEEWAY", 5*time.Second),

		MaxConnectionsPerUser: getInt("WS_MAX_CONNECTIONS_PER_USER", DefaultMaxConnections(profile)),
		EvictCloseCode:        getInt("WS_EVICT_CLOSE_CODE", EvictCloseCode),
		WSWriteTimeout:        getDuration("WS_WRITE_TIMEOUT", 5*time.Second),
		WSPongWait:            getDuration("WS_PONG_WAIT", 60*time.Second),
		WSPingInterval:        getDuration("WS_PING_INTERVAL", 50*time.Second),
		WSMaxMessageBytes:     int64(getInt("WS_MAX_MESSAGE_BYTES", 64<<10)),
		WSInboundRate:         getFloat("WS_INBOUND_RATE", 20),
		WSInboundBurst:        getInt("WS_INBOUND_BURST", 40),
		FanoutConcurrency:     getInt("WS_FANOUT_CONCURRENCY", 64),

		DispatchQueueSize:  getInt("DISPATCH_QUEUE_SIZE", 10000),
		DispatchJobTimeout: getDuration("DISPATCH_JOB_TIMEOUT", 30*time.Second),

		EmailWebhookURL: getEnv("EMAIL_WEBHOOK_URL", ""),
		EmailTimeout:    getDuration("EMAIL_TIMEOUT", 10*time.Second),
		EmailRateLimit:  getInt("EMAIL_RATE_LIMIT", 10),

		NATSURL:     getEnv("NATS_URL", ""),
		NATSSubject: getEnv("NATS_SUBJECT", "notifications.jobs"),
		NATSQueue:   getEnv("NATS_QUEUE", "realtime-gateway"),

		StatsInterval: getDuration("STATS_INTERVAL", 5*time.Second),
	}

	if cfg.WSPingInterval >= cfg.WSPongWait {
		return nil, fmt.Errorf("WS_PING_INTERVAL (%s) must be shorter than WS_PONG_WAIT (%s)", cfg.WSPingInterval, cfg.WSPongWait)
	}
	if cfg.EvictCloseCode < 4000 || cfg.EvictCloseCode > 4999 {
		return nil, fmt.Errorf("WS_EVICT_CLOSE_CODE must be in 4000-4999, got %d", cfg.EvictCloseCode)
	}

	return cfg, nil
}

// DefaultMaxConnections returns the per-user connection cap for a profile.
func DefaultMaxConnections(profile string) int {
	if profile == ProfileDevelopment {
		return DefaultMaxConnectionsDevelopment
	}
	return DefaultMaxConnectionsProduction
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
