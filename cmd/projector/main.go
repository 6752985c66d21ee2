package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/example/dispensary/internal/config"
	"github.com/example/dispensary/internal/deadletter"
	"github.com/example/dispensary/internal/infrastructure/kafka"
	"github.com/example/dispensary/internal/infrastructure/store"
	"github.com/example/dispensary/internal/pipeline"
	"github.com/example/dispensary/internal/projection"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Projector] Invalid configuration: %v", err)
	}
	if err := config.SetupLogging(cfg.Log); err != nil {
		log.Fatalf("[Projector] Invalid log configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group := cfg.Kafka.ConsumerGroup
	if group == "" {
		group = "views"
	}

	log.Info("[Projector] ========================================")
	log.Info("[Projector] Dispensary - Views Projector")
	log.Info("[Projector] ========================================")
	log.WithFields(log.Fields{
		"brokers": cfg.Kafka.Brokers,
		"topic":   cfg.Kafka.Topic,
		"group":   group,
		"batch":   cfg.Pipeline.ViewsBatchSize,
		"timeout": cfg.Pipeline.ViewsTimeout,
	}).Info("[Projector] Configuration loaded")

	dialect := store.Dialect(cfg.Database.Driver)
	db, err := store.Open(ctx, dialect, cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Projector] Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := store.Migrate(ctx, db, dialect); err != nil {
		log.Fatalf("[Projector] Failed to migrate database: %v", err)
	}
	log.Info("[Projector] Connected to read database")

	reg, metrics := pipeline.NewRegistry()
	policy := pipeline.Policy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		Backoff:     cfg.Pipeline.Backoff,
		MaxBackoff:  cfg.Pipeline.MaxBackoff,
		Timeout:     cfg.Pipeline.ViewsTimeout,
	}
	sink, closeSink := deadLetterSink(cfg, db, dialect)
	defer closeSink()
	runner := pipeline.NewRunner(projection.Component, policy, sink, metrics)
	runner.Concurrency = cfg.Pipeline.Concurrency
	projector := projection.NewProjector(
		store.NewSQLViewStore(db, dialect),
		store.NewSQLEventStore(db, dialect),
		runner,
	)

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, group, cfg.Pipeline.ViewsBatchSize)
	defer consumer.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipeline.ServeMetrics(ctx, cfg.MetricsAddr, reg) })
	g.Go(func() error {
		log.WithField("topic", cfg.Kafka.Topic).Info("[Projector] Starting event consumer...")
		return consumer.Consume(ctx, projector.HandleBatch)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("[Projector] Stopped: %v", err)
	}
	log.Info("[Projector] Shut down")
}

// deadLetterSink returns the configured sink and a close function.
func deadLetterSink(cfg config.Config, db *sql.DB, dialect store.Dialect) (deadletter.Sink, func()) {
	if cfg.DeadLetterSink == "kafka" {
		sink := kafka.NewDeadLetterSink(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterTopic)
		return sink, func() {
			if err := sink.Close(); err != nil {
				log.WithError(err).Warn("[Projector] Failed to close dead-letter sink")
			}
		}
	}
	return store.NewSQLDeadLetterStore(db, dialect), func() {}
}
