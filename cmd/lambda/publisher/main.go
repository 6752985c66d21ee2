package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/config"
	"github.com/example/dispensary/internal/infrastructure/awsclient"
	"github.com/example/dispensary/internal/infrastructure/kinesis"
	"github.com/example/dispensary/internal/infrastructure/store"
	"github.com/example/dispensary/internal/pipeline"
	"github.com/example/dispensary/internal/publisher"
)

// Subscribed to the event log table's stream; forwards inserts to Kinesis.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Lambda Publisher] Invalid configuration: %v", err)
	}
	if err := config.SetupLogging(cfg.Log); err != nil {
		log.Fatalf("[Lambda Publisher] Invalid log configuration: %v", err)
	}

	awsCfg, err := awsclient.Load(context.Background(), cfg.AWS)
	if err != nil {
		log.Fatalf("[Lambda Publisher] Failed to load AWS configuration: %v", err)
	}

	sink := store.NewDynamoDeadLetterStore(awsclient.DynamoDB(awsCfg, cfg.AWS), cfg.AWS.DeadLetterTable)
	runner := pipeline.NewRunner(publisher.Component, pipeline.Policy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		Backoff:     cfg.Pipeline.Backoff,
		MaxBackoff:  cfg.Pipeline.MaxBackoff,
	}, sink, nil)
	producer := kinesis.NewProducer(awsclient.Kinesis(awsCfg, cfg.AWS), cfg.AWS.EventStreamName)
	handler := publisher.NewStreamHandler(publisher.New(producer, runner))

	log.WithField("stream", producer).Info("[Lambda Publisher] Initialized successfully")
	lambda.Start(handler.Handle)
}
