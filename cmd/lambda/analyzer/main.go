package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/analyzer"
	"github.com/example/dispensary/internal/config"
	"github.com/example/dispensary/internal/domain/dispense"
	"github.com/example/dispensary/internal/infrastructure/awsclient"
	"github.com/example/dispensary/internal/infrastructure/store"
	"github.com/example/dispensary/internal/pipeline"
)

// Subscribed to the upload bucket's notifications and to the event stream.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Lambda Analyzer] Invalid configuration: %v", err)
	}
	if err := config.SetupLogging(cfg.Log); err != nil {
		log.Fatalf("[Lambda Analyzer] Invalid log configuration: %v", err)
	}

	awsCfg, err := awsclient.Load(context.Background(), cfg.AWS)
	if err != nil {
		log.Fatalf("[Lambda Analyzer] Failed to load AWS configuration: %v", err)
	}
	ddb := awsclient.DynamoDB(awsCfg, cfg.AWS)
	sink := store.NewDynamoDeadLetterStore(ddb, cfg.AWS.DeadLetterTable)
	service := dispense.NewService(
		store.NewDynamoEventStore(ddb, cfg.AWS.EventLogTable, cfg.AWS.EventSnapshotsTable),
		cfg.SnapshotEvery,
	)
	policy := pipeline.Policy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		Backoff:     cfg.Pipeline.Backoff,
		MaxBackoff:  cfg.Pipeline.MaxBackoff,
	}

	analyzePolicy := policy
	analyzePolicy.Timeout = cfg.Pipeline.AnalyzerTimeout
	a := analyzer.New(
		service,
		analyzer.NewS3ObjectStore(awsclient.S3(awsCfg, cfg.AWS)),
		analyzer.NewMetadataAnalyzer(),
		pipeline.NewRunner(analyzer.Component, analyzePolicy, sink, nil),
		cfg.Uploads.Bucket,
	)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	trigger := analyzer.NewTrigger(
		service,
		analyzer.NewRedisDeduper(rdb, cfg.Redis.DedupTTL),
		pipeline.NewRunner(analyzer.TriggerComponent, policy, sink, nil),
		cfg.Uploads.Prefix,
		cfg.Uploads.Suffixes,
	)

	log.Info("[Lambda Analyzer] Initialized successfully")
	lambda.Start(analyzer.NewLambdaHandler(a, trigger).Handle)
}
