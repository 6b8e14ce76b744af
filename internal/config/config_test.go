package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		BMP: BMPConfig{
			Listen:             ":4000",
			IdleTimeoutSeconds: 90,
		},
		Kafka: KafkaConfig{
			Brokers:          []string{"localhost:9092"},
			Topic:            "risotto.updates",
			BackoffInitialMs: 50,
			BackoffMaxMs:     10000,
		},
		Postgres: PostgresConfig{
			DSN:      "postgres://localhost/test",
			MaxConns: 10,
			MinConns: 2,
		},
		Audit: AuditConfig{
			Enabled:         true,
			BatchSize:       500,
			FlushIntervalMs: 1000,
			RetentionDays:   30,
			Timezone:        "UTC",
		},
		Snapshot: SnapshotConfig{
			Path:            "risotto.snap",
			IntervalSeconds: 60,
		},
	}
}

func TestValidateValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidateNoBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Brokers = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty brokers")
	}
}

func TestValidateNoTopic(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Topic = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty kafka topic")
	}
}

func TestValidateNoBMPListen(t *testing.T) {
	cfg := validConfig()
	cfg.BMP.Listen = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty bmp.listen")
	}
}

func TestValidateAuditEnabledRequiresDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty DSN when audit.enabled")
	}
}

func TestValidateAuditDisabledAllowsEmptyDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Audit.Enabled = false
	cfg.Postgres.DSN = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config with audit disabled and no DSN, got: %v", err)
	}
}

func TestValidateBackoffMaxBelowInitial(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.BackoffInitialMs = 1000
	cfg.Kafka.BackoffMaxMs = 100
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for backoff_max_ms < backoff_initial_ms")
	}
}

func TestValidateRetentionDaysZero(t *testing.T) {
	cfg := validConfig()
	cfg.Audit.RetentionDays = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for audit.retention_days = 0")
	}
}

func TestValidateShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func TestValidateInvalidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Audit.Timezone = "Not/A/Real/Zone"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestValidateValidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Audit.Timezone = "America/New_York"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
bmp:
  listen: ":4000"
kafka:
  brokers:
    - "localhost:9092"
  topic: "risotto.updates"
audit:
  enabled: false
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadEnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("RISOTTO_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoadEnvOverrideKafkaTopic(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("RISOTTO_KAFKA__TOPIC", "override.updates")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Kafka.Topic != "override.updates" {
		t.Errorf("expected topic from env, got %q", cfg.Kafka.Topic)
	}
}

func TestLoadEnvEmptyBMPListenFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("RISOTTO_BMP__LISTEN", "")

	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error for empty bmp.listen via env")
	}
}
