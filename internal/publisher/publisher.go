// Package publisher moves committed events from the event store's change
// feed onto the stream, at least once and in per-aggregate order.
package publisher

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/pipeline"
	"github.com/example/dispensary/internal/stream"
)

const Component = "publisher"

// Result summarises one Publish call. Resolved is the length of the prefix
// of the input that was either published or dead-lettered.
type Result struct {
	Published    int
	DeadLettered int
	Resolved     int
}

// Publisher writes record batches to a stream. A failing batch is retried,
// then split in half; a single record that keeps failing is dead-lettered so
// the rest of the batch can go through.
type Publisher struct {
	stream stream.Stream
	runner *pipeline.Runner
}

// New uses runner for its retry policy, dead-letter sink and metrics.
func New(s stream.Stream, runner *pipeline.Runner) *Publisher {
	return &Publisher{stream: s, runner: runner}
}

// Publish delivers records in order. It returns an error only when a record
// could be neither published nor dead-lettered; records from Result.Resolved
// onward must then be redelivered.
func (p *Publisher) Publish(ctx context.Context, records []stream.Record) (Result, error) {
	var res Result
	err := p.publish(ctx, records, &res)
	if err != nil {
		log.WithFields(log.Fields{
			"records":  len(records),
			"resolved": res.Resolved,
		}).WithError(err).Error("[Publisher] Publish stopped; remaining records will be redelivered")
	}
	return res, err
}

func (p *Publisher) publish(ctx context.Context, records []stream.Record, res *Result) error {
	if len(records) == 0 {
		return nil
	}
	start := time.Now()
	attempts, err := p.runner.Retry(ctx, func(ctx context.Context) error {
		return p.stream.Put(ctx, records)
	})
	if err == nil {
		for range records {
			p.runner.Metrics.Observe(p.runner.Component, pipeline.OutcomeSucceeded, attempts, time.Since(start))
		}
		res.Published += len(records)
		res.Resolved += len(records)
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	if len(records) == 1 {
		if dlErr := p.runner.DeadLetter(ctx, records[0], err, attempts); dlErr != nil {
			p.runner.Metrics.Observe(p.runner.Component, pipeline.OutcomeFailed, attempts, time.Since(start))
			return dlErr
		}
		p.runner.Metrics.Observe(p.runner.Component, pipeline.OutcomeDeadLettered, attempts, time.Since(start))
		res.DeadLettered++
		res.Resolved++
		return nil
	}

	mid := len(records) / 2
	log.WithFields(log.Fields{
		"records":  len(records),
		"attempts": attempts,
	}).WithError(err).Warn("[Publisher] Batch failed, splitting")
	if err := p.publish(ctx, records[:mid], res); err != nil {
		return err
	}
	return p.publish(ctx, records[mid:], res)
}
