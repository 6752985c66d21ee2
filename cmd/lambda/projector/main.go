package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/config"
	"github.com/example/dispensary/internal/infrastructure/awsclient"
	"github.com/example/dispensary/internal/infrastructure/kinesis"
	"github.com/example/dispensary/internal/infrastructure/store"
	"github.com/example/dispensary/internal/pipeline"
	"github.com/example/dispensary/internal/projection"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Lambda Projector] Invalid configuration: %v", err)
	}
	if err := config.SetupLogging(cfg.Log); err != nil {
		log.Fatalf("[Lambda Projector] Invalid log configuration: %v", err)
	}

	awsCfg, err := awsclient.Load(context.Background(), cfg.AWS)
	if err != nil {
		log.Fatalf("[Lambda Projector] Failed to load AWS configuration: %v", err)
	}
	ddb := awsclient.DynamoDB(awsCfg, cfg.AWS)

	runner := pipeline.NewRunner(projection.Component, pipeline.Policy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		Backoff:     cfg.Pipeline.Backoff,
		MaxBackoff:  cfg.Pipeline.MaxBackoff,
		Timeout:     cfg.Pipeline.ViewsTimeout,
	}, store.NewDynamoDeadLetterStore(ddb, cfg.AWS.DeadLetterTable), nil)
	projector := projection.NewProjector(
		store.NewDynamoViewStore(ddb, cfg.AWS.ViewsTable),
		store.NewDynamoEventStore(ddb, cfg.AWS.EventLogTable, cfg.AWS.EventSnapshotsTable),
		runner,
	)

	log.Info("[Lambda Projector] Initialized successfully")
	lambda.Start(func(ctx context.Context, kinesisEvent events.KinesisEvent) (events.KinesisEventResponse, error) {
		batch := kinesis.DecodeKinesisEvent(kinesisEvent)
		report := projector.HandleBatch(ctx, batch.Records)
		log.WithFields(log.Fields{
			"records":   len(batch.Records),
			"succeeded": report.Count(pipeline.OutcomeSucceeded),
		}).Info("[Lambda Projector] Batch processed")
		return events.KinesisEventResponse{BatchItemFailures: batch.Failures(report.Failed())}, nil
	})
}
