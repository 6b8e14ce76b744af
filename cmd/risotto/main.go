package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/risotto/internal/audit"
	"github.com/route-beacon/risotto/internal/collector"
	"github.com/route-beacon/risotto/internal/config"
	"github.com/route-beacon/risotto/internal/httpapi"
	"github.com/route-beacon/risotto/internal/metrics"
	"github.com/route-beacon/risotto/internal/session"
	"github.com/route-beacon/risotto/internal/sink"
	"github.com/route-beacon/risotto/internal/sink/kafka"
	"github.com/route-beacon/risotto/internal/snapshot"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: risotto <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the BMP collector")
	fmt.Println("  migrate       Run audit-store database migrations")
	fmt.Println("  maintenance   Run audit-store partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	logger.Info("starting risotto",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("bmp_listen", cfg.BMP.Listen),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state := collector.New(cfg.State.Disabled)

	var snapEngine *snapshot.Engine
	if cfg.Snapshot.Path != "" {
		var err error
		snapEngine, err = snapshot.New(cfg.Snapshot.Path, time.Duration(cfg.Snapshot.IntervalSeconds)*time.Second, state, logger)
		if err != nil {
			logger.Fatal("failed to construct snapshot engine", zap.Error(err))
		}
		if err := snapEngine.Load(); err != nil {
			logger.Fatal("failed to load snapshot", zap.Error(err))
		}
	}

	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build Kafka TLS config", zap.Error(err))
	}
	saslMech := cfg.Kafka.BuildSASLMechanism()

	kafkaSink, err := kafka.New(kafka.Config{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		ClientID: cfg.Kafka.ClientID,
		TLS:      tlsCfg,
		SASL:     saslMech,
	}, logger)
	if err != nil {
		logger.Fatal("failed to construct Kafka sink", zap.Error(err))
	}
	defer kafkaSink.Close()

	var auditPool *pgxpool.Pool
	var historyQuerier httpapi.HistoryQuerier
	var auditor session.Auditor
	var wg sync.WaitGroup

	if cfg.Audit.Enabled {
		pool, err := audit.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to audit store", zap.Error(err))
		}
		defer pool.Close()
		auditPool = pool
		historyQuerier = audit.NewQuerier(pool)

		pm := audit.NewPartitionManager(pool, cfg.Audit.RetentionDays, cfg.Audit.Timezone, logger)
		if err := pm.CreatePartitions(ctx); err != nil {
			logger.Fatal("failed to create audit partitions on startup", zap.Error(err))
		}

		writer := audit.NewWriter(pool, cfg.Audit.BatchSize, time.Duration(cfg.Audit.FlushIntervalMs)*time.Millisecond, logger)
		auditor = writer
		wg.Add(1)
		go func() { defer wg.Done(); writer.Run(ctx) }()

		if cfg.Audit.MaintenanceHourly {
			wg.Add(1)
			go runMaintenanceTicker(ctx, &wg, pm, logger)
		}
	}

	if snapEngine != nil {
		wg.Add(1)
		go func() { defer wg.Done(); snapEngine.Run(ctx) }()
	}

	listenerStatus := &httpapi.ListenerStatus{}
	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, state, auditPool, kafkaSink, listenerStatus, historyQuerier, reg, logger)
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	ln, err := net.Listen("tcp", cfg.BMP.Listen)
	if err != nil {
		logger.Fatal("failed to listen for BMP connections", zap.Error(err))
	}
	listenerStatus.MarkBound()
	logger.Info("BMP listener started", zap.String("addr", cfg.BMP.Listen))

	var connWg sync.WaitGroup
	go acceptLoop(ctx, ln, state, kafkaSink, auditor, cfg, logger, &connWg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	_ = ln.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	if snapEngine != nil {
		if err := snapEngine.Save(); err != nil {
			logger.Error("final snapshot save failed", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		connWg.Wait()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all sessions and background tasks stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("risotto stopped")
}

func acceptLoop(ctx context.Context, ln net.Listener, state *collector.State, sk sink.Sink, auditor session.Auditor, cfg *config.Config, logger *zap.Logger, wg *sync.WaitGroup) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logger.Warn("accept failed", zap.Error(err))
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()

			opts := []session.Option{
				session.WithIdleTimeout(time.Duration(cfg.BMP.IdleTimeoutSeconds) * time.Second),
				session.WithBackoff(time.Duration(cfg.Kafka.BackoffInitialMs)*time.Millisecond, time.Duration(cfg.Kafka.BackoffMaxMs)*time.Millisecond),
			}
			if auditor != nil {
				opts = append(opts, session.WithAuditor(auditor))
			}

			h := session.NewHandler(conn, state, sk, logger, opts...)
			h.Run(ctx)
		}()
	}
}

func runMaintenanceTicker(ctx context.Context, wg *sync.WaitGroup, pm *audit.PartitionManager, logger *zap.Logger) {
	defer wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pm.Run(ctx); err != nil {
				logger.Warn("audit partition maintenance failed", zap.Error(err))
			}
		}
	}
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations", zap.String("dsn", redactDSN(cfg.Postgres.DSN)))

	ctx := context.Background()
	pool, err := audit.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to audit store", zap.Error(err))
	}
	defer pool.Close()

	if err := audit.RunMigrations(ctx, pool, cfg.Audit.MigrationsDir, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running audit partition maintenance",
		zap.Int("retention_days", cfg.Audit.RetentionDays),
		zap.String("timezone", cfg.Audit.Timezone),
	)

	ctx := context.Background()
	pool, err := audit.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to audit store", zap.Error(err))
	}
	defer pool.Close()

	pm := audit.NewPartitionManager(pool, cfg.Audit.RetentionDays, cfg.Audit.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
