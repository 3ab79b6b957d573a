// Package config loads process configuration from the environment. An
// optional .env file is read first; real environment variables win.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers for messages and notifications.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Config is the full server configuration.
type Config struct {
	// Transport
	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueueSize  int

	// Credentials and content
	JWTSecret         string
	EncryptionEnabled bool
	EncryptionKey     string
	CrisisKeywords    string
	ReviewersRoom     string
	MaxMessageLength  int
	PersistTimeout    time.Duration

	// Limits
	MessagesPerMinute int
	CallsPerHour      int
	UploadsPerHour    int
	HandshakeRPS      float64
	HandshakeBurst    int

	NotificationRetention time.Duration
	PresenceScope         string

	// Backends
	StoreDriver   string
	PostgresURI   string
	MongoURI      string
	MongoDatabase string
	RedisAddr     string
	NATSURL       string
	ServerName    string

	// DevIdentities seeds the memory store: comma-separated id or id:role.
	DevIdentities string

	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when no variable is set. JWTSecret
// is left empty and must be provided.
func Default() Config {
	return Config{
		ListenAddr:            ":8080",
		WorkerPoolSize:        256,
		MaxConnections:        100000,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		SendQueueSize:         256,
		EncryptionEnabled:     true,
		ReviewersRoom:         "reviewers",
		MaxMessageLength:      10000,
		PersistTimeout:        3 * time.Second,
		MessagesPerMinute:     30,
		CallsPerHour:          20,
		UploadsPerHour:        10,
		HandshakeRPS:          1,
		HandshakeBurst:        10,
		NotificationRetention: 90 * 24 * time.Hour,
		PresenceScope:         "all",
		StoreDriver:           DriverPostgres,
		PostgresURI:           "postgres://localhost:5432/haven?sslmode=disable",
		MongoURI:              "mongodb://localhost:27017",
		MongoDatabase:         "haven",
		RedisAddr:             "localhost:6379",
		NATSURL:               "nats://localhost:4222",
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

// Load reads .env (when present) and the environment on top of Default.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a lookup function. Malformed numbers and
// durations are reported, not silently ignored.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.str("LISTEN_ADDR", &cfg.ListenAddr)
	p.positiveInt("WORKER_POOL_SIZE", &cfg.WorkerPoolSize)
	p.positiveInt("MAX_CONNECTIONS", &cfg.MaxConnections)
	p.duration("READ_TIMEOUT", &cfg.ReadTimeout)
	p.duration("WRITE_TIMEOUT", &cfg.WriteTimeout)
	p.positiveInt("SEND_QUEUE_SIZE", &cfg.SendQueueSize)

	p.str("JWT_SECRET", &cfg.JWTSecret)
	p.boolean("ENCRYPTION_ENABLED", &cfg.EncryptionEnabled)
	p.str("ENCRYPTION_KEY", &cfg.EncryptionKey)
	p.str("CRISIS_KEYWORDS", &cfg.CrisisKeywords)
	p.str("REVIEWERS_ROOM", &cfg.ReviewersRoom)
	p.positiveInt("MAX_MESSAGE_LENGTH", &cfg.MaxMessageLength)
	p.duration("PERSIST_TIMEOUT", &cfg.PersistTimeout)

	p.positiveInt("RATE_MESSAGES_PER_MINUTE", &cfg.MessagesPerMinute)
	p.positiveInt("RATE_CALLS_PER_HOUR", &cfg.CallsPerHour)
	p.positiveInt("RATE_UPLOADS_PER_HOUR", &cfg.UploadsPerHour)
	p.float("HANDSHAKE_RPS", &cfg.HandshakeRPS)
	p.positiveInt("HANDSHAKE_BURST", &cfg.HandshakeBurst)

	p.duration("NOTIFICATION_RETENTION", &cfg.NotificationRetention)
	p.str("PRESENCE_SCOPE", &cfg.PresenceScope)

	p.str("STORE_DRIVER", &cfg.StoreDriver)
	p.str("POSTGRES_URI", &cfg.PostgresURI)
	p.str("MONGO_URI", &cfg.MongoURI)
	p.str("MONGO_DATABASE", &cfg.MongoDatabase)
	p.str("REDIS_ADDR", &cfg.RedisAddr)
	p.str("NATS_URL", &cfg.NATSURL)
	p.str("SERVER_NAME", &cfg.ServerName)
	p.str("DEV_IDENTITIES", &cfg.DevIdentities)

	p.str("LOG_LEVEL", &cfg.LogLevel)
	p.str("LOG_FORMAT", &cfg.LogFormat)

	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "realtime-1"
	}

	if err := errors.Join(p.errs...); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings that have no usable default.
func (c Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("config: JWT_SECRET is required"))
	}
	if c.EncryptionEnabled && c.EncryptionKey == "" {
		errs = append(errs, errors.New("config: ENCRYPTION_KEY is required when ENCRYPTION_ENABLED"))
	}
	switch c.StoreDriver {
	case DriverPostgres, DriverMongo, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver))
	}
	switch c.PresenceScope {
	case "all", "contacts":
	default:
		errs = append(errs, fmt.Errorf("config: unknown PRESENCE_SCOPE %q", c.PresenceScope))
	}
	return errors.Join(errs...)
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(key string) (string, bool) {
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) positiveInt(key string, dst *int) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		p.errs = append(p.errs, fmt.Errorf("config: %s must be a positive integer, got %q", key, v))
		return
	}
	*dst = n
}

func (p *parser) float(key string, dst *float64) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		p.errs = append(p.errs, fmt.Errorf("config: %s must be a positive number, got %q", key, v))
		return
	}
	*dst = f
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	d, err := parseDuration(v)
	if err != nil || d <= 0 {
		p.errs = append(p.errs, fmt.Errorf("config: %s must be a positive duration, got %q", key, v))
		return
	}
	*dst = d
}

// maxDays keeps a day count from overflowing time.Duration.
const maxDays = int(math.MaxInt64 / int64(24*time.Hour))

// parseDuration accepts time.ParseDuration syntax with an optional leading
// whole-day count: "90d", "1d12h", "45m".
func parseDuration(s string) (time.Duration, error) {
	days, rest, ok := strings.Cut(s, "d")
	if !ok {
		return time.ParseDuration(s)
	}
	n, err := strconv.Atoi(days)
	if err != nil || n < 0 || n > maxDays {
		return 0, fmt.Errorf("config: invalid day count in %q", s)
	}
	d := time.Duration(n) * 24 * time.Hour
	if rest == "" {
		return d, nil
	}
	r, err := time.ParseDuration(rest)
	if err != nil {
		return 0, err
	}
	if r < 0 || d > math.MaxInt64-r {
		return 0, fmt.Errorf("config: invalid duration %q", s)
	}
	return d + r, nil
}

func (p *parser) boolean(key string, dst *bool) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s must be a boolean, got %q", key, v))
		return
	}
	*dst = b
}
