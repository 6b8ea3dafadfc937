// Package config loads the txflow binary settings from TXFLOW_* environment
// variables. Unset, blank or unparsable values fall back to the defaults;
// unknown backend names are errors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mirkobrombin/go-txflow/v1/logging"
	"github.com/mirkobrombin/go-txflow/v1/resilience"
	"github.com/mirkobrombin/go-txflow/v1/txn"
)

const prefix = "TXFLOW_"

// Config is the full binary configuration.
type Config struct {
	Log         logging.Config
	MetricsAddr string
	TraceStdout bool

	RedisAddr    string
	NATSURL      string
	KafkaBrokers []string
	PostgresDSN  string
	SQLitePath   string

	LockBackend  string // memory, redis, redsync
	BusBackend   string // memory, redis, nats
	StoreBackend string // memory, redis, postgres, sqlite
	QueueBackend string // memory, redis, nats, kafka
	QueueTopic   string
	StoreCache   bool

	LockWait  time.Duration
	LockLease time.Duration

	BatchConcurrency int
	RedriveInterval  time.Duration
	MaxRetries       int
	LargeAmount      decimal.Decimal

	Resilience resilience.Config
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	r := resilience.DefaultConfig()
	cfg := Config{
		Log: logging.Config{
			Level:       getenv("LOG_LEVEL", ""),
			Format:      getenv("LOG_FORMAT", "json"),
			Development: getenvBool("DEVELOPMENT", false),
		},
		MetricsAddr: getenv("METRICS_ADDR", ":9090"),
		TraceStdout: getenvBool("TRACE_STDOUT", false),

		RedisAddr:    getenv("REDIS_ADDR", "localhost:6379"),
		NATSURL:      getenv("NATS_URL", "nats://localhost:4222"),
		KafkaBrokers: getenvList("KAFKA_BROKERS", []string{"localhost:9092"}),
		PostgresDSN:  getenv("POSTGRES_DSN", ""),
		SQLitePath:   getenv("SQLITE_PATH", "txflow.db"),

		LockBackend:  strings.ToLower(getenv("LOCK_BACKEND", "memory")),
		BusBackend:   strings.ToLower(getenv("BUS_BACKEND", "memory")),
		StoreBackend: strings.ToLower(getenv("STORE_BACKEND", "memory")),
		QueueBackend: strings.ToLower(getenv("QUEUE_BACKEND", "memory")),
		QueueTopic:   getenv("QUEUE_TOPIC", "txflow.retry"),
		StoreCache:   getenvBool("STORE_CACHE", false),

		LockWait:  getenvDuration("LOCK_WAIT", 10*time.Second),
		LockLease: getenvDuration("LOCK_LEASE", 30*time.Second),

		BatchConcurrency: int(getenvInt("BATCH_CONCURRENCY", 0)),
		RedriveInterval:  getenvDuration("REDRIVE_INTERVAL", 30*time.Second),
		MaxRetries:       int(getenvInt("MAX_RETRIES", 3)),
		LargeAmount:      getenvDecimal("LARGE_AMOUNT", txn.DefaultLargeAmount),

		Resilience: resilience.Config{
			Name:                r.Name,
			ConsecutiveFailures: uint32(getenvInt("BREAKER_CONSECUTIVE_FAILURES", int64(r.ConsecutiveFailures))),
			FailureRatio:        getenvFloat("BREAKER_FAILURE_RATIO", r.FailureRatio),
			MinRequests:         uint32(getenvInt("BREAKER_MIN_REQUESTS", int64(r.MinRequests))),
			Window:              getenvDuration("BREAKER_WINDOW", r.Window),
			Cooldown:            getenvDuration("BREAKER_COOLDOWN", r.Cooldown),
			HalfOpenRequests:    uint32(getenvInt("BREAKER_HALF_OPEN_REQUESTS", int64(r.HalfOpenRequests))),
			MaxAttempts:         int(getenvInt("RETRY_MAX_ATTEMPTS", int64(r.MaxAttempts))),
			InitialBackoff:      getenvDuration("RETRY_INITIAL_BACKOFF", r.InitialBackoff),
			MaxBackoff:          getenvDuration("RETRY_MAX_BACKOFF", r.MaxBackoff),
			Jitter:              getenvFloat("RETRY_JITTER", r.Jitter),
		},
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	checks := []struct {
		name, value string
		allowed     []string
	}{
		{"LOCK_BACKEND", c.LockBackend, []string{"memory", "redis", "redsync"}},
		{"BUS_BACKEND", c.BusBackend, []string{"memory", "redis", "nats"}},
		{"STORE_BACKEND", c.StoreBackend, []string{"memory", "redis", "postgres", "sqlite"}},
		{"QUEUE_BACKEND", c.QueueBackend, []string{"memory", "redis", "nats", "kafka"}},
	}
	for _, chk := range checks {
		if !contains(chk.allowed, chk.value) {
			return fmt.Errorf("config: %s%s=%q, want one of %s", prefix, chk.name, chk.value, strings.Join(chk.allowed, ", "))
		}
	}
	if c.StoreBackend == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("config: %sPOSTGRES_DSN is required by the postgres store", prefix)
	}
	if c.Resilience.FailureRatio < 0 || c.Resilience.FailureRatio > 1 {
		return fmt.Errorf("config: %sBREAKER_FAILURE_RATIO must be within [0, 1]", prefix)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(prefix + key))
	if v == "" {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	b, err := strconv.ParseBool(getenv(key, ""))
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int64) int64 {
	n, err := strconv.ParseInt(getenv(key, ""), 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	f, err := strconv.ParseFloat(getenv(key, ""), 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(getenv(key, ""))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getenvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	d, err := decimal.NewFromString(getenv(key, ""))
	if err != nil {
		return def
	}
	return d
}

func getenvList(key string, def []string) []string {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
