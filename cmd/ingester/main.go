// Package main provides the Spindle run event ingester.
//
// The ingester consumes pipeline run events from Kafka and applies them to
// the control plane: run records and source bookkeeping in the document
// store, pipeline metrics, error logs, alert evaluation and review seeding.
// Offsets are committed only after an event is durably applied, so a crashed
// ingester resumes from the last applied event.
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
	"github.com/spindle-io/spindle/internal/config"
	"github.com/spindle-io/spindle/internal/ingest"
	"github.com/spindle-io/spindle/internal/monitoring"
	"github.com/spindle-io/spindle/internal/notify"
	"github.com/spindle-io/spindle/internal/promotion"
	"github.com/spindle-io/spindle/internal/review"
	"github.com/spindle-io/spindle/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "ingester"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting Spindle ingester",
		slog.String("service", name),
		slog.String("version", version),
	)

	consumerConfig, err := ingest.LoadConfig()
	if err != nil {
		logger.Error("Invalid consumer configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Loaded consumer configuration",
		slog.Any("brokers", consumerConfig.Brokers),
		slog.String("topic", consumerConfig.Topic),
		slog.String("group_id", consumerConfig.GroupID),
		slog.Duration("max_wait", consumerConfig.MaxWait),
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

	notifier := notify.NewThrottled(notify.NewSlogNotifier(logger), notify.DefaultThrottleConfig(), logger)

	collector := monitoring.NewCollector(conn, logger)
	alerts := monitoring.NewAlertEngine(conn, notifier, logger)

	promotionConfig, err := promotion.LoadConfigFromEnv()
	if err != nil {
		logger.Warn("Falling back to default promotion config", slog.String("error", err.Error()))

		promotionConfig = promotion.DefaultConfig()
	}

	// No sweep here: the control plane service owns staging retention.
	promoter := promotion.New(conn, promotionConfig, logger)
	reviews := review.New(conn, promoter, logger)

	handler := ingest.NewHandler(store, collector, alerts, reviews, logger)
	consumer := ingest.NewConsumer(consumerConfig, handler, logger)

	runErr := consumer.Run(ctx)
	if runErr != nil {
		logger.Error("Consumer stopped with error", slog.String("error", runErr.Error()))
	}

	// Shutdown order: stop intake first, then the components behind it.
	if err := consumer.Close(); err != nil {
		logger.Error("Failed to close consumer", slog.String("error", err.Error()))
	}

	if tracked := collector.ActiveRuns(); len(tracked) > 0 {
		logger.Warn("Shutting down with in-flight runs; progress events will rebuild tracking",
			slog.Int("count", len(tracked)),
		)
	}

	reviews.Close()
	promoter.Close()
	notifier.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := conn.Close(shutdownCtx); err != nil {
		logger.Error("Failed to close document store", slog.String("error", err.Error()))
	}

	if runErr != nil {
		os.Exit(1)
	}

	logger.Info("Spindle ingester stopped")
}
