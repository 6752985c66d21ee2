package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/example/dispensary/internal/config"
	"github.com/example/dispensary/internal/infrastructure/awsclient"
	"github.com/example/dispensary/internal/infrastructure/kafka"
	"github.com/example/dispensary/internal/infrastructure/kinesis"
	"github.com/example/dispensary/internal/infrastructure/store"
	"github.com/example/dispensary/internal/pipeline"
	"github.com/example/dispensary/internal/publisher"
	"github.com/example/dispensary/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Publisher] Invalid configuration: %v", err)
	}
	if err := config.SetupLogging(cfg.Log); err != nil {
		log.Fatalf("[Publisher] Invalid log configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("[Publisher] ========================================")
	log.Info("[Publisher] Dispensary - Change Capture Publisher")
	log.Info("[Publisher] ========================================")
	log.WithFields(log.Fields{
		"database": cfg.Database.Driver,
		"stream":   cfg.Stream,
		"batch":    cfg.Pipeline.PublishBatch,
		"interval": cfg.Pipeline.PollInterval,
	}).Info("[Publisher] Configuration loaded")

	dialect := store.Dialect(cfg.Database.Driver)
	db, err := store.Open(ctx, dialect, cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Publisher] Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := store.Migrate(ctx, db, dialect); err != nil {
		log.Fatalf("[Publisher] Failed to migrate database: %v", err)
	}

	out, closeStream, err := openStream(ctx, cfg)
	if err != nil {
		log.Fatalf("[Publisher] Failed to open stream: %v", err)
	}
	defer closeStream()

	reg, metrics := pipeline.NewRegistry()
	policy := pipeline.Policy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		Backoff:     cfg.Pipeline.Backoff,
		MaxBackoff:  cfg.Pipeline.MaxBackoff,
	}
	runner := pipeline.NewRunner(publisher.Component, policy, store.NewSQLDeadLetterStore(db, dialect), metrics)
	relay := publisher.NewRelay(
		store.NewSQLEventStore(db, dialect),
		publisher.New(out, runner),
		cfg.Pipeline.PublishBatch,
		cfg.Pipeline.PollInterval,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipeline.ServeMetrics(ctx, cfg.MetricsAddr, reg) })
	g.Go(func() error {
		log.Info("[Publisher] Relaying committed events...")
		return relay.Run(ctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("[Publisher] Stopped: %v", err)
	}
	log.Info("[Publisher] Shut down")
}

// openStream returns the configured stream and a close function.
func openStream(ctx context.Context, cfg config.Config) (stream.Stream, func(), error) {
	switch cfg.Stream {
	case "kinesis":
		awsCfg, err := awsclient.Load(ctx, cfg.AWS)
		if err != nil {
			return nil, nil, err
		}
		return kinesis.NewProducer(awsclient.Kinesis(awsCfg, cfg.AWS), cfg.AWS.EventStreamName), func() {}, nil
	default:
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		return producer, func() {
			if err := producer.Close(); err != nil {
				log.WithError(err).Warn("[Publisher] Failed to close producer")
			}
		}, nil
	}
}
