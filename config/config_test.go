package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settleflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func requiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/settleflow")
	t.Setenv("JWT_SECRET", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	requiredEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != 8080 || cfg.GRPCPort != 9090 || cfg.LedgerBackend != BackendPostgres {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.DispatchWorkers != 4 || cfg.SweepInterval != time.Minute {
		t.Fatalf("unexpected dispatch defaults %+v", cfg)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	requiredEnv(t)
	path := writeFile(t, strings.Join([]string{
		"service:",
		"  http_port: 8181",
		"  grpc_port: 9191",
		"ledger:",
		"  backend: sqlite",
		"dependencies:",
		"  sqlite_path: /tmp/ledger.db",
		"  kafka_brokers: [kafka-1:9092, kafka-2:9092]",
		"barter:",
		"  sweep_interval_seconds: 30",
	}, "\n"))
	t.Setenv("HTTP_PORT", "9000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != 9000 {
		t.Fatalf("env should override file, got %d", cfg.HTTPPort)
	}
	if cfg.GRPCPort != 9191 || cfg.LedgerBackend != BackendSQLite || cfg.SQLitePath != "/tmp/ledger.db" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.SweepInterval != 30*time.Second {
		t.Fatalf("unexpected brokers or interval: %+v", cfg)
	}
}

func TestLoad_EnvCSV(t *testing.T) {
	requiredEnv(t)
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "a:9092" || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing database", map[string]string{"DATABASE_URL": "", "JWT_SECRET": "s"}, "DATABASE_URL"},
		{"missing secret", map[string]string{"DATABASE_URL": "postgres://x", "JWT_SECRET": ""}, "JWT_SECRET"},
		{"redis without url", map[string]string{"DATABASE_URL": "postgres://x", "JWT_SECRET": "s", "LEDGER_BACKEND": "redis", "REDIS_URL": ""}, "REDIS_URL"},
		{"unknown backend", map[string]string{"DATABASE_URL": "postgres://x", "JWT_SECRET": "s", "LEDGER_BACKEND": "mongo"}, "LEDGER_BACKEND"},
		{"malformed workers", map[string]string{"DATABASE_URL": "postgres://x", "JWT_SECRET": "s", "DISPATCH_WORKERS": "abc"}, "DISPATCH_WORKERS"},
		{"malformed port", map[string]string{"DATABASE_URL": "postgres://x", "JWT_SECRET": "s", "HTTP_PORT": "80a"}, "HTTP_PORT"},
		{"negative sweep", map[string]string{"DATABASE_URL": "postgres://x", "JWT_SECRET": "s", "SWEEP_INTERVAL_SECONDS": "-5"}, "SWEEP_INTERVAL_SECONDS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}

func TestLoad_SweepDisabled(t *testing.T) {
	requiredEnv(t)
	t.Setenv("SWEEP_INTERVAL_SECONDS", "0")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SweepInterval != 0 {
		t.Fatalf("expected disabled sweeper, got %v", cfg.SweepInterval)
	}
}

func TestLoad_SweepDisabledInFile(t *testing.T) {
	requiredEnv(t)
	path := writeFile(t, "barter:\n  sweep_interval_seconds: 0\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SweepInterval != 0 {
		t.Fatalf("expected disabled sweeper, got %v", cfg.SweepInterval)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	requiredEnv(t)
	path := writeFile(t, "service: [unterminated")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
