// Package config loads risotto's configuration from a YAML file
// overlaid with environment variables.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	BMP      BMPConfig      `koanf:"bmp"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Postgres PostgresConfig `koanf:"postgres"`
	Audit    AuditConfig    `koanf:"audit"`
	Snapshot SnapshotConfig `koanf:"snapshot"`
	State    StateConfig    `koanf:"state"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

// BMPConfig configures the listener C2 accepts BMP sessions on.
type BMPConfig struct {
	Listen             string `koanf:"listen"`
	IdleTimeoutSeconds int    `koanf:"idle_timeout_seconds"`
}

type KafkaConfig struct {
	Brokers          []string   `koanf:"brokers"`
	Topic            string     `koanf:"topic"`
	ClientID         string     `koanf:"client_id"`
	TLS              TLSConfig  `koanf:"tls"`
	SASL             SASLConfig `koanf:"sasl"`
	BackoffInitialMs int        `koanf:"backoff_initial_ms"`
	BackoffMaxMs     int        `koanf:"backoff_max_ms"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

// AuditConfig configures C7, the durable Postgres mirror. Disabled by
// default — a deployment may run risotto purely as a sink-forwarding
// collector with no audit trail.
type AuditConfig struct {
	Enabled           bool   `koanf:"enabled"`
	MigrationsDir     string `koanf:"migrations_dir"`
	BatchSize         int    `koanf:"batch_size"`
	FlushIntervalMs   int    `koanf:"flush_interval_ms"`
	RetentionDays     int    `koanf:"retention_days"`
	Timezone          string `koanf:"timezone"`
	MaintenanceHourly bool   `koanf:"maintenance_hourly"`
}

type SnapshotConfig struct {
	Path            string `koanf:"path"`
	IntervalSeconds int    `koanf:"interval_seconds"`
}

// StateConfig toggles C3's dedup tracking off, per P6.
type StateConfig struct {
	Disabled bool `koanf:"disabled"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: RISOTTO_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider("RISOTTO_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "RISOTTO_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "risotto-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		BMP: BMPConfig{
			Listen:             ":4000",
			IdleTimeoutSeconds: 90,
		},
		Kafka: KafkaConfig{
			ClientID:         "risotto",
			BackoffInitialMs: 50,
			BackoffMaxMs:     10000,
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Audit: AuditConfig{
			MigrationsDir:     "migrations",
			BatchSize:         500,
			FlushIntervalMs:   1000,
			RetentionDays:     30,
			Timezone:          "UTC",
			MaintenanceHourly: true,
		},
		Snapshot: SnapshotConfig{
			Path:            "risotto.snap",
			IntervalSeconds: 60,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BMP.Listen == "" {
		return fmt.Errorf("config: bmp.listen is required")
	}
	if c.BMP.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("config: bmp.idle_timeout_seconds must be > 0 (got %d)", c.BMP.IdleTimeoutSeconds)
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("config: kafka.topic is required")
	}
	if c.Kafka.BackoffInitialMs <= 0 {
		return fmt.Errorf("config: kafka.backoff_initial_ms must be > 0 (got %d)", c.Kafka.BackoffInitialMs)
	}
	if c.Kafka.BackoffMaxMs < c.Kafka.BackoffInitialMs {
		return fmt.Errorf("config: kafka.backoff_max_ms must be >= kafka.backoff_initial_ms")
	}
	if c.Audit.Enabled {
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: postgres.dsn is required when audit.enabled")
		}
		if c.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
		}
		if c.Postgres.MinConns < 0 {
			return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
		}
		if c.Audit.BatchSize <= 0 {
			return fmt.Errorf("config: audit.batch_size must be > 0 (got %d)", c.Audit.BatchSize)
		}
		if c.Audit.FlushIntervalMs <= 0 {
			return fmt.Errorf("config: audit.flush_interval_ms must be > 0 (got %d)", c.Audit.FlushIntervalMs)
		}
		if c.Audit.RetentionDays <= 0 {
			return fmt.Errorf("config: audit.retention_days must be > 0 (got %d)", c.Audit.RetentionDays)
		}
		if _, err := time.LoadLocation(c.Audit.Timezone); err != nil {
			return fmt.Errorf("config: audit.timezone is invalid: %w", err)
		}
	}
	if c.Snapshot.Path != "" && c.Snapshot.IntervalSeconds <= 0 {
		return fmt.Errorf("config: snapshot.interval_seconds must be > 0 (got %d)", c.Snapshot.IntervalSeconds)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
