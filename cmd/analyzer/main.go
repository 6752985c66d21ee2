package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/example/dispensary/internal/analyzer"
	"github.com/example/dispensary/internal/config"
	"github.com/example/dispensary/internal/deadletter"
	"github.com/example/dispensary/internal/domain/dispense"
	"github.com/example/dispensary/internal/infrastructure/awsclient"
	"github.com/example/dispensary/internal/infrastructure/kafka"
	"github.com/example/dispensary/internal/infrastructure/store"
	"github.com/example/dispensary/internal/pipeline"
	"github.com/example/dispensary/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Analyzer] Invalid configuration: %v", err)
	}
	if err := config.SetupLogging(cfg.Log); err != nil {
		log.Fatalf("[Analyzer] Invalid log configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group := cfg.Kafka.ConsumerGroup
	if group == "" {
		group = "analyzer"
	}

	log.Info("[Analyzer] ========================================")
	log.Info("[Analyzer] Dispensary - Prescription Analyzer")
	log.Info("[Analyzer] ========================================")
	log.WithFields(log.Fields{
		"brokers":       cfg.Kafka.Brokers,
		"events_topic":  cfg.Kafka.Topic,
		"uploads_topic": cfg.Kafka.UploadsTopic,
		"group":         group,
		"bucket":        cfg.Uploads.Bucket,
		"timeout":       cfg.Pipeline.AnalyzerTimeout,
	}).Info("[Analyzer] Configuration loaded")

	dialect := store.Dialect(cfg.Database.Driver)
	db, err := store.Open(ctx, dialect, cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Analyzer] Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := store.Migrate(ctx, db, dialect); err != nil {
		log.Fatalf("[Analyzer] Failed to migrate database: %v", err)
	}

	awsCfg, err := awsclient.Load(ctx, cfg.AWS)
	if err != nil {
		log.Fatalf("[Analyzer] Failed to load AWS configuration: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("[Analyzer] Failed to connect to Redis: %v", err)
	}

	reg, metrics := pipeline.NewRegistry()
	sink, closeSink := deadLetterSink(cfg, db, dialect)
	defer closeSink()
	service := dispense.NewService(store.NewSQLEventStore(db, dialect), cfg.SnapshotEvery)

	analyzeRunner := pipeline.NewRunner(analyzer.Component, pipeline.Policy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		Backoff:     cfg.Pipeline.Backoff,
		MaxBackoff:  cfg.Pipeline.MaxBackoff,
		Timeout:     cfg.Pipeline.AnalyzerTimeout,
	}, sink, metrics)
	a := analyzer.New(
		service,
		analyzer.NewS3ObjectStore(awsclient.S3(awsCfg, cfg.AWS)),
		analyzer.NewMetadataAnalyzer(),
		analyzeRunner,
		cfg.Uploads.Bucket,
	)

	triggerRunner := pipeline.NewRunner(analyzer.TriggerComponent, pipeline.Policy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		Backoff:     cfg.Pipeline.Backoff,
		MaxBackoff:  cfg.Pipeline.MaxBackoff,
	}, sink, metrics)
	trigger := analyzer.NewTrigger(
		service,
		analyzer.NewRedisDeduper(rdb, cfg.Redis.DedupTTL),
		triggerRunner,
		cfg.Uploads.Prefix,
		cfg.Uploads.Suffixes,
	)

	events := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, group, 1)
	defer events.Close()
	uploads := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.UploadsTopic, group+"-uploads", cfg.Pipeline.ViewsBatchSize).
		WithDecoder(func(msg kafkago.Message) (stream.Record, error) {
			return analyzer.DecodeUploadMessage(msg.Value)
		})
	defer uploads.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipeline.ServeMetrics(ctx, cfg.MetricsAddr, reg) })
	g.Go(func() error {
		log.WithField("topic", cfg.Kafka.Topic).Info("[Analyzer] Consuming dispense events...")
		return events.Consume(ctx, a.HandleBatch)
	})
	g.Go(func() error {
		log.WithField("topic", cfg.Kafka.UploadsTopic).Info("[Analyzer] Consuming upload notifications...")
		return uploads.Consume(ctx, trigger.HandleBatch)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("[Analyzer] Stopped: %v", err)
	}
	log.Info("[Analyzer] Shut down")
}

// deadLetterSink returns the configured sink and a close function.
func deadLetterSink(cfg config.Config, db *sql.DB, dialect store.Dialect) (deadletter.Sink, func()) {
	if cfg.DeadLetterSink == "kafka" {
		sink := kafka.NewDeadLetterSink(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterTopic)
		return sink, func() {
			if err := sink.Close(); err != nil {
				log.WithError(err).Warn("[Analyzer] Failed to close dead-letter sink")
			}
		}
	}
	return store.NewSQLDeadLetterStore(db, dialect), func() {}
}
