package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/punchamoorthee/tokenfaucet/internal/domain"
	"github.com/punchamoorthee/tokenfaucet/internal/policy"
)

type Config struct {
	// DBSource is a Postgres connection string. Empty selects the in-memory
	// store, which is only allowed outside production.
	DBSource   string
	DBMaxConns int32
	Port       string
	Env        string

	HTTP    HTTPConfig
	Logging LoggingConfig
	Limits  policy.Table
	// PrivilegedDomains are email domains whose new accounts start privileged.
	PrivilegedDomains []string
	Worker            WorkerConfig
	Chain             ChainConfig
}

type HTTPConfig struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string // text|json
}

type WorkerConfig struct {
	Concurrency       int
	BatchSize         int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxAttempts       int
	ReconcileAttempts int
	StatsInterval     time.Duration
}

type ChainConfig struct {
	// Endpoint is the transfer gateway base URL. Empty selects the
	// simulated ledger.
	Endpoint      string
	APIKey        string
	Decimals      int32
	SubmitTimeout time.Duration
	QueryTimeout  time.Duration
}

// Load reads configuration from environment variables, applying defaults.
// Every malformed variable is reported.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		DBSource:   os.Getenv("DB_SOURCE"),
		DBMaxConns: int32(p.integer("DB_MAX_CONNS", 20)),
		Port:       valueOrDefault("SERVER_PORT", "8080"),
		Env:        valueOrDefault("ENVIRONMENT", "development"),
		HTTP: HTTPConfig{
			ReadTimeout:     p.duration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    p.duration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     p.duration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: p.duration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Logging: LoggingConfig{
			Level:  valueOrDefault("LOG_LEVEL", "info"),
			Format: valueOrDefault("LOG_FORMAT", "text"),
		},
		Limits: policy.Table{
			domain.RoleUser:       p.limits("USER", policy.Limits{DefaultAmount: 100, MaxSingle: 100, MaxDaily: 300}),
			domain.RolePrivileged: p.limits("PRIVILEGED", policy.Limits{DefaultAmount: 500, MaxSingle: 1000, MaxDaily: 0}),
			domain.RoleAdmin:      p.limits("ADMIN", policy.Limits{DefaultAmount: 500, MaxSingle: 1000, MaxDaily: 0}),
		},
		PrivilegedDomains: splitCSV(os.Getenv("PRIVILEGED_DOMAINS")),
		Worker: WorkerConfig{
			Concurrency:       p.integer("WORKER_CONCURRENCY", 4),
			BatchSize:         p.integer("WORKER_BATCH_SIZE", 16),
			PollInterval:      p.duration("WORKER_POLL_INTERVAL", time.Second),
			VisibilityTimeout: p.duration("WORKER_VISIBILITY_TIMEOUT", time.Minute),
			BackoffBase:       p.duration("WORKER_BACKOFF_BASE", 2*time.Second),
			BackoffMax:        p.duration("WORKER_BACKOFF_MAX", 5*time.Minute),
			MaxAttempts:       p.integer("WORKER_MAX_ATTEMPTS", 5),
			ReconcileAttempts: p.integer("WORKER_RECONCILE_ATTEMPTS", 5),
			StatsInterval:     p.duration("WORKER_STATS_INTERVAL", 15*time.Second),
		},
		Chain: ChainConfig{
			Endpoint:      os.Getenv("CHAIN_ENDPOINT"),
			APIKey:        os.Getenv("CHAIN_API_KEY"),
			Decimals:      int32(p.integer("CHAIN_DECIMALS", 18)),
			SubmitTimeout: p.duration("CHAIN_SUBMIT_TIMEOUT", 15*time.Second),
			QueryTimeout:  p.duration("CHAIN_QUERY_TIMEOUT", 10*time.Second),
		},
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

func (c *Config) Validate() error {
	var errs []error
	if c.DBSource == "" && c.Production() {
		errs = append(errs, fmt.Errorf("DB_SOURCE environment variable is required in production"))
	}
	if port, err := strconv.Atoi(c.Port); err != nil || port <= 0 || port > 65535 {
		errs = append(errs, fmt.Errorf("invalid SERVER_PORT %q", c.Port))
	}
	if err := c.Limits.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("limits: %w", err))
	}
	w := c.Worker
	if w.Concurrency <= 0 || w.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY and WORKER_BATCH_SIZE must be positive"))
	}
	if w.MaxAttempts <= 0 || w.ReconcileAttempts <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_MAX_ATTEMPTS and WORKER_RECONCILE_ATTEMPTS must be positive"))
	}
	if w.BackoffBase <= 0 || w.BackoffMax < w.BackoffBase {
		errs = append(errs, fmt.Errorf("WORKER_BACKOFF_MAX must be at least WORKER_BACKOFF_BASE"))
	}
	// A lease must outlive one chain round trip or two workers overlap.
	if w.VisibilityTimeout <= c.Chain.SubmitTimeout+c.Chain.QueryTimeout {
		errs = append(errs, fmt.Errorf("WORKER_VISIBILITY_TIMEOUT (%s) must exceed CHAIN_SUBMIT_TIMEOUT + CHAIN_QUERY_TIMEOUT (%s)",
			w.VisibilityTimeout, c.Chain.SubmitTimeout+c.Chain.QueryTimeout))
	}
	if c.Chain.Decimals < 0 || c.Chain.Decimals > 36 {
		errs = append(errs, fmt.Errorf("CHAIN_DECIMALS must be in [0, 36]"))
	}
	return errors.Join(errs...)
}

// parser collects every malformed variable instead of stopping at the first.
type parser struct {
	errs []error
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return d
}

func (p *parser) integer(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s value %q: %w", key, v, err))
		return fallback
	}
	return n
}

func (p *parser) amount(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s value %q: %w", key, v, err))
		return fallback
	}
	return n
}

// limits reads LIMIT_<ROLE>_DEFAULT, LIMIT_<ROLE>_MAX_SINGLE and
// LIMIT_<ROLE>_DAILY_CAP. A daily cap of 0 means uncapped.
func (p *parser) limits(role string, fallback policy.Limits) policy.Limits {
	prefix := "LIMIT_" + role + "_"
	return policy.Limits{
		DefaultAmount: p.amount(prefix+"DEFAULT", fallback.DefaultAmount),
		MaxSingle:     p.amount(prefix+"MAX_SINGLE", fallback.MaxSingle),
		MaxDaily:      p.amount(prefix+"DAILY_CAP", fallback.MaxDaily),
	}
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
