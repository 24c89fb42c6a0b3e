package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json|text

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL   string
	DBSchema      string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool

	// Without a Redis URL the message window and member cache stay in process.
	RedisURL       string
	CacheSize      int
	CacheTTL       time.Duration
	MemberCacheTTL time.Duration

	FanoutWorkers int
	FanoutQueue   int
	FanoutRelay   string // ""|redis

	// Access tokens. When no public key is set, dev header auth must be enabled.
	PasetoPublicKeyHex string
	AuthIssuer         string
	AuthDevHeader      bool

	// Seeds two users and one conversation into an empty in-memory store.
	DevSeed bool

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("WISDOM_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("WISDOM_LOG_LEVEL", "info"),
		LogFormat: EnvString("WISDOM_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("WISDOM_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("WISDOM_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("WISDOM_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("WISDOM_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("WISDOM_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("WISDOM_DATABASE_URL", ""),
		DBSchema:      EnvString("WISDOM_DB_SCHEMA", "chat"),
		DBMaxConns:    EnvInt32("WISDOM_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("WISDOM_DB_MIN_CONNS", 0),
		DBAutoMigrate: EnvBool("WISDOM_DB_AUTO_MIGRATE", false),

		RedisURL:       EnvString("WISDOM_REDIS_URL", ""),
		CacheSize:      EnvInt("WISDOM_CACHE_SIZE", 60),
		CacheTTL:       EnvDuration("WISDOM_CACHE_TTL", 24*time.Hour),
		MemberCacheTTL: EnvDuration("WISDOM_MEMBER_CACHE_TTL", 10*time.Minute),

		FanoutWorkers: EnvInt("WISDOM_FANOUT_WORKERS", 4),
		FanoutQueue:   EnvInt("WISDOM_FANOUT_QUEUE", 1024),
		FanoutRelay:   EnvString("WISDOM_FANOUT_RELAY", ""),

		PasetoPublicKeyHex: EnvString("WISDOM_PASETO_V4_PUBLIC_KEY_HEX", ""),
		AuthIssuer:         EnvString("WISDOM_AUTH_ISSUER", "wisdom-social"),
		AuthDevHeader:      EnvBool("WISDOM_AUTH_DEV_HEADER", false),

		DevSeed: EnvBool("WISDOM_DEV_SEED", false),

		ReadinessRequireDB: EnvBool("WISDOM_READINESS_REQUIRE_DB", false),
	}
}
