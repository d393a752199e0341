package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DB holds Postgres connection settings.
type DB struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN returns the Postgres connection URL.
func (c DB) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// Redis holds Redis connection settings.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// NATS holds message bus settings.
type NATS struct {
	URL        string
	StreamName string
	Subject    string
}

// Engine holds the dispatch tunables. All deadlines are compared against
// server time only; client clocks are never trusted.
type Engine struct {
	CellResolution int // H3 resolution used for all cells

	AcceptWindow  time.Duration // pending -> escalation deadline
	ConnectWindow time.Duration // accepted -> reclaim deadline
	LockTTL       time.Duration // acceptance lock lifetime
	LockHoldover  time.Duration // delay before releasing a won lock

	InitialRadius int // first broadcast ring
	MaxRadius     int // escalation cap
	MinCandidates int // widen initial broadcast below this count
	MaxFanout     int // broadcast cap per pass

	OutboxInterval   time.Duration
	OutboxBatchSize  int32
	EscalateInterval time.Duration
	WatchdogInterval time.Duration
	WorkerBatchSize  int32
	LocationTTL      time.Duration
	CandidateSetTTL  time.Duration
}

// Config is the full engine configuration.
type Config struct {
	DB       DB
	Redis    Redis
	NATS     NATS
	Engine   Engine
	HTTPAddr string
}

// FromEnv reads configuration from the environment with defaults.
func FromEnv() Config {
	return Config{
		DB: DB{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Database: getEnv("DB_NAME", "dispatch"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: Redis{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		NATS: NATS{
			URL:        getEnv("NATS_URL", "nats://localhost:4222"),
			StreamName: getEnv("NATS_STREAM", "DISPATCH_EVENTS"),
			Subject:    getEnv("NATS_SUBJECT", "dispatch.events"),
		},
		Engine: Engine{
			CellResolution: getEnvInt("CELL_RESOLUTION", 8),

			AcceptWindow:  getEnvDuration("ACCEPT_WINDOW", 120*time.Second),
			ConnectWindow: getEnvDuration("CONNECT_WINDOW", 15*time.Second),
			LockTTL:       getEnvDuration("ACCEPT_LOCK_TTL", 10*time.Second),
			LockHoldover:  getEnvDuration("ACCEPT_LOCK_HOLDOVER", 2*time.Second),

			InitialRadius: getEnvInt("INITIAL_RADIUS", 1),
			MaxRadius:     getEnvInt("MAX_RADIUS", 5),
			MinCandidates: getEnvInt("MIN_CANDIDATES", 3),
			MaxFanout:     getEnvInt("MAX_FANOUT", 10),

			OutboxInterval:   getEnvDuration("OUTBOX_INTERVAL", time.Second),
			OutboxBatchSize:  int32(getEnvInt("OUTBOX_BATCH_SIZE", 100)),
			EscalateInterval: getEnvDuration("ESCALATE_INTERVAL", 10*time.Second),
			WatchdogInterval: getEnvDuration("WATCHDOG_INTERVAL", 5*time.Second),
			WorkerBatchSize:  int32(getEnvInt("WORKER_BATCH_SIZE", 50)),
			LocationTTL:      getEnvDuration("LOCATION_TTL", 5*time.Minute),
			CandidateSetTTL:  getEnvDuration("CANDIDATE_SET_TTL", 30*time.Minute),
		},
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
