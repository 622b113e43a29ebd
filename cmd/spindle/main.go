// Package main provides the Spindle control plane service.
//
// The service owns the platform's background duties: SLA evaluation,
// freshness sweeps with optional self-healing through the workflow engine,
// staging retention and orphan reconciliation, the bulk review job worker,
// and a periodic platform status report.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spindle-io/spindle/internal/breaker"
	"github.com/spindle-io/spindle/internal/catalog"
	"github.com/spindle-io/spindle/internal/config"
	"github.com/spindle-io/spindle/internal/lineage"
	"github.com/spindle-io/spindle/internal/monitoring"
	"github.com/spindle-io/spindle/internal/notify"
	"github.com/spindle-io/spindle/internal/promotion"
	"github.com/spindle-io/spindle/internal/review"
	"github.com/spindle-io/spindle/internal/storage"
	"github.com/spindle-io/spindle/internal/workflow"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "spindle"
)

// serviceConfig collects the control-plane knobs not owned by a package's
// own Load*Config. Everything is environment-driven with safe defaults.
type serviceConfig struct {
	LogLevel          slog.Level
	SLAInterval       time.Duration
	FreshnessInterval time.Duration
	StatusInterval    time.Duration
	SweepInterval     time.Duration
	RetentionDays     int
	OrphanGrace       time.Duration
	EngineURL         string
	EngineUser        string
	EnginePassword    string
	ShutdownTimeout   time.Duration
	CatalogRegister   bool
}

func loadServiceConfig() *serviceConfig {
	return &serviceConfig{
		LogLevel:          config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		SLAInterval:       config.GetEnvDuration("SPINDLE_SLA_INTERVAL", 5*time.Minute),
		FreshnessInterval: config.GetEnvDuration("SPINDLE_FRESHNESS_INTERVAL", 15*time.Minute),
		StatusInterval:    config.GetEnvDuration("SPINDLE_STATUS_INTERVAL", 10*time.Minute),
		SweepInterval:     config.GetEnvDuration("SPINDLE_SWEEP_INTERVAL", time.Hour),
		RetentionDays:     config.GetEnvInt("SPINDLE_STAGING_RETENTION_DAYS", 30),
		OrphanGrace:       config.GetEnvDuration("SPINDLE_ORPHAN_GRACE", 10*time.Minute),
		EngineURL:         config.GetEnvStr("SPINDLE_ENGINE_URL", ""),
		EngineUser:        config.GetEnvStr("SPINDLE_ENGINE_USER", ""),
		EnginePassword:    config.GetEnvStr("SPINDLE_ENGINE_PASSWORD", ""),
		ShutdownTimeout:   config.GetEnvDuration("SPINDLE_SHUTDOWN_TIMEOUT", 15*time.Second),
		CatalogRegister:   config.GetEnvBool("SPINDLE_CATALOG_AUTOREGISTER", true),
	}
}

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	cfg := loadServiceConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	logger.Info("Starting Spindle control plane",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded service configuration",
		slog.Duration("sla_interval", cfg.SLAInterval),
		slog.Duration("freshness_interval", cfg.FreshnessInterval),
		slog.Duration("status_interval", cfg.StatusInterval),
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.Int("staging_retention_days", cfg.RetentionDays),
		slog.Duration("shutdown_timeout", cfg.ShutdownTimeout),
		slog.String("log_level", cfg.LogLevel.String()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	breakers := breaker.NewRegistry()

	storageConfig := storage.LoadConfig()

	conn, err := storage.Connect(ctx, storageConfig, logger, breakers)
	if err != nil {
		logger.Error("Failed to connect to document store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store := storage.NewStore(conn, logger)

	// The control plane owns index creation; the ingester assumes they exist.
	if err := store.EnsureIndexes(ctx); err != nil {
		logger.Error("Failed to ensure indexes", slog.String("error", err.Error()))

		_ = conn.Close(context.Background())
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("Document store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.String("database", storageConfig.DatabaseName),
	)

	notifier := notify.NewThrottled(notify.NewSlogNotifier(logger), notify.DefaultThrottleConfig(), logger)

	var trigger workflow.Trigger

	if cfg.EngineURL != "" {
		trigger = workflow.NewResilient(
			newEngineClient(cfg.EngineURL, cfg.EngineUser, cfg.EnginePassword, logger),
			breakers,
			logger,
		)

		logger.Info("Workflow engine bound", slog.String("engine_url", cfg.EngineURL))
	} else {
		logger.Warn("No workflow engine configured; freshness remediation disabled",
			slog.String("note", "Set SPINDLE_ENGINE_URL to enable recovery runs"),
		)
	}

	collector := monitoring.NewCollector(conn, logger)
	alerts := monitoring.NewAlertEngine(conn, notifier, logger)
	slas := monitoring.NewSLAMonitor(conn, notifier, logger,
		monitoring.WithEvaluationLoop(cfg.SLAInterval),
	)

	freshnessOpts := []monitoring.FreshnessOption{
		monitoring.WithFreshnessSweep(cfg.FreshnessInterval),
	}
	if trigger != nil {
		freshnessOpts = append(freshnessOpts, monitoring.WithRemediation(trigger))
	}

	freshness := monitoring.NewFreshnessTracker(conn, notifier, logger, freshnessOpts...)

	dash := monitoring.NewDashboard(collector, alerts, slas, freshness, logger)

	cat := catalog.New(conn, logger)

	if cfg.CatalogRegister {
		registered, err := cat.RegisterExistingCollections(ctx)
		if err != nil {
			logger.Error("Catalog auto-registration failed", slog.String("error", err.Error()))
		} else if registered > 0 {
			logger.Info("Registered existing collections in catalog", slog.Int("count", registered))
		}
	}

	lineageSvc := lineage.New(conn, cat, logger)

	promotionConfig, err := promotion.LoadConfigFromEnv()
	if err != nil {
		logger.Warn("Falling back to default promotion config", slog.String("error", err.Error()))

		promotionConfig = promotion.DefaultConfig()
	}

	promoter := promotion.New(conn, promotionConfig, logger,
		promotion.WithSweep(promotion.SweepConfig{
			Interval:      cfg.SweepInterval,
			RetentionDays: cfg.RetentionDays,
			OrphanGrace:   cfg.OrphanGrace,
		}),
	)

	seedPromotionLineage(ctx, lineageSvc, promotionConfig, logger)

	reviews := review.New(conn, promoter, logger)

	logger.Info("Spindle control plane started")

	statusDone := make(chan struct{})

	go statusLoop(ctx, dash, conn, logger, cfg.StatusInterval, statusDone)

	<-ctx.Done()

	logger.Info("Shutdown signal received")

	<-statusDone

	slas.Close()
	freshness.Close()
	reviews.Close()
	promoter.Close()
	notifier.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := conn.Close(shutdownCtx); err != nil {
		logger.Error("Store close failed", slog.String("error", err.Error()))
	}

	logger.Info("Spindle control plane stopped")
}

// seedPromotionLineage records the staging-to-production edge for every
// configured promotion pair so impact analysis covers promotions that
// happened before the catalog existed. Edges upsert, so reseeding on every
// boot is harmless.
func seedPromotionLineage(ctx context.Context, svc *lineage.Service, cfg *promotion.Config, logger *slog.Logger) {
	for _, typeKey := range cfg.TypeKeys() {
		pair, ok := cfg.Pair(typeKey)
		if !ok {
			continue
		}

		if _, err := svc.DetectLineageFromETL(ctx, pair.Staging, pair.Production, "promotion"); err != nil {
			logger.Warn("Failed to seed promotion lineage",
				slog.String("type", typeKey),
				slog.String("staging", pair.Staging),
				slog.String("production", pair.Production),
				slog.String("error", err.Error()),
			)
		}
	}
}

// statusLoop logs one platform health line per interval. It is the
// operator-facing heartbeat; a zero or negative interval disables it.
func statusLoop(ctx context.Context, dash *monitoring.Dashboard, conn *storage.Connection, logger *slog.Logger, interval time.Duration, done chan<- struct{}) {
	defer close(done)

	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := dash.Health(ctx, 24)
			if err != nil {
				logger.Error("Platform health evaluation failed", slog.String("error", err.Error()))

				continue
			}

			health := conn.HealthCheck(ctx)

			logger.Info("Platform status",
				slog.Float64("health_score", report.Score),
				slog.String("health_status", report.Status),
				slog.Int64("unresolved_alerts", report.UnresolvedAlerts),
				slog.String("store_status", health.Status),
				slog.Int64("store_latency_ms", health.LatencyMillis),
			)
		}
	}
}
