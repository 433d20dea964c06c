// Package config resolves runtime settings in priority order: defaults,
// then an optional YAML file, then a .env file, then the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Ledger backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

type Config struct {
	ServiceID string

	HTTPPort int
	GRPCPort int

	DatabaseURL string
	MaxDBConns  int32

	LedgerBackend string
	RedisURL      string
	SQLitePath    string

	JWTSecret string
	TokenTTL  time.Duration

	KafkaBrokers []string
	NotifyTopic  string

	PaymentBaseURL string
	PaymentAPIKey  string
	PaymentTimeout time.Duration

	DispatchWorkers int
	DispatchQueue   int
	DispatchTimeout time.Duration

	SweepInterval   time.Duration
	ShutdownTimeout time.Duration
}

// configFile mirrors configs/settleflow.yaml.
type configFile struct {
	Service struct {
		ID       string `yaml:"id"`
		HTTPPort int    `yaml:"http_port"`
		GRPCPort int    `yaml:"grpc_port"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL  string   `yaml:"postgres_url"`
		RedisURL     string   `yaml:"redis_url"`
		SQLitePath   string   `yaml:"sqlite_path"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
	} `yaml:"dependencies"`
	Ledger struct {
		Backend string `yaml:"backend"`
	} `yaml:"ledger"`
	Notify struct {
		Topic string `yaml:"topic"`
	} `yaml:"notify"`
	Payment struct {
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"payment"`
	Dispatch struct {
		Workers int `yaml:"workers"`
		Queue   int `yaml:"queue"`
	} `yaml:"dispatch"`
	Barter struct {
		SweepIntervalSeconds *int `yaml:"sweep_interval_seconds"`
	} `yaml:"barter"`
}

// Load resolves configuration. A missing YAML file or .env file is not an
// error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Config{
		ServiceID:       "settleflow",
		HTTPPort:        8080,
		GRPCPort:        9090,
		MaxDBConns:      10,
		LedgerBackend:   BackendPostgres,
		SQLitePath:      "settleflow.db",
		TokenTTL:        24 * time.Hour,
		NotifyTopic:     "settleflow.notifications",
		PaymentTimeout:  10 * time.Second,
		DispatchWorkers: 4,
		DispatchQueue:   256,
		DispatchTimeout: 10 * time.Second,
		SweepInterval:   time.Minute,
		ShutdownTimeout: 15 * time.Second,
	}

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	var ints envInts
	cfg.ServiceID = envOrDefault("SERVICE_ID", cfg.ServiceID)
	cfg.HTTPPort = ints.get("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = ints.get("GRPC_PORT", cfg.GRPCPort)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.MaxDBConns = int32(ints.get("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.LedgerBackend = strings.ToLower(strings.TrimSpace(envOrDefault("LEDGER_BACKEND", cfg.LedgerBackend)))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.SQLitePath = envOrDefault("SQLITE_PATH", cfg.SQLitePath)
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.TokenTTL = time.Duration(ints.get("TOKEN_EXPIRY_HOURS", int(cfg.TokenTTL.Hours()))) * time.Hour
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.NotifyTopic = envOrDefault("NOTIFY_TOPIC", cfg.NotifyTopic)
	cfg.PaymentBaseURL = envOrDefault("PAYMENT_BASE_URL", cfg.PaymentBaseURL)
	cfg.PaymentAPIKey = envOrDefault("PAYMENT_API_KEY", cfg.PaymentAPIKey)
	cfg.PaymentTimeout = time.Duration(ints.get("PAYMENT_TIMEOUT_SECONDS", int(cfg.PaymentTimeout.Seconds()))) * time.Second
	cfg.DispatchWorkers = ints.get("DISPATCH_WORKERS", cfg.DispatchWorkers)
	cfg.DispatchQueue = ints.get("DISPATCH_QUEUE", cfg.DispatchQueue)
	cfg.SweepInterval = time.Duration(ints.get("SWEEP_INTERVAL_SECONDS", int(cfg.SweepInterval.Seconds()))) * time.Second
	if err := errors.Join(ints.errs...); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if f.Service.ID != "" {
		cfg.ServiceID = f.Service.ID
	}
	if f.Service.HTTPPort > 0 {
		cfg.HTTPPort = f.Service.HTTPPort
	}
	if f.Service.GRPCPort > 0 {
		cfg.GRPCPort = f.Service.GRPCPort
	}
	if f.Dependencies.PostgresURL != "" {
		cfg.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if f.Dependencies.SQLitePath != "" {
		cfg.SQLitePath = f.Dependencies.SQLitePath
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = f.Dependencies.KafkaBrokers
	}
	if f.Ledger.Backend != "" {
		cfg.LedgerBackend = f.Ledger.Backend
	}
	if f.Notify.Topic != "" {
		cfg.NotifyTopic = f.Notify.Topic
	}
	if f.Payment.BaseURL != "" {
		cfg.PaymentBaseURL = f.Payment.BaseURL
	}
	if f.Payment.TimeoutSeconds > 0 {
		cfg.PaymentTimeout = time.Duration(f.Payment.TimeoutSeconds) * time.Second
	}
	if f.Dispatch.Workers > 0 {
		cfg.DispatchWorkers = f.Dispatch.Workers
	}
	if f.Dispatch.Queue > 0 {
		cfg.DispatchQueue = f.Dispatch.Queue
	}
	if f.Barter.SweepIntervalSeconds != nil {
		cfg.SweepInterval = time.Duration(*f.Barter.SweepIntervalSeconds) * time.Second
	}
	return nil
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: missing DATABASE_URL")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: missing JWT_SECRET")
	}
	switch c.LedgerBackend {
	case BackendPostgres, BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: missing REDIS_URL for redis ledger")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: missing SQLITE_PATH for sqlite ledger")
		}
	default:
		return fmt.Errorf("config: unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}
	if c.DispatchWorkers < 1 {
		return fmt.Errorf("config: DISPATCH_WORKERS must be positive")
	}
	// Zero disables the expiry sweeper.
	if c.SweepInterval < 0 {
		return fmt.Errorf("config: SWEEP_INTERVAL_SECONDS must not be negative")
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInts reads integer variables and collects every malformed one.
type envInts struct {
	errs []error
}

// get falls back on an empty value. An unparsable value is recorded.
func (e *envInts) get(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: invalid integer %q", name, raw))
		return fallback
	}
	return v
}

func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		parts = append(parts, trimmed)
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
