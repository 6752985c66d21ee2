package publisher

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/infrastructure/store"
	"github.com/example/dispensary/internal/stream"
)

// Relay polls a change feed and publishes what it finds. Changes are acked
// only once every record of the change is published or dead-lettered.
type Relay struct {
	feed      store.ChangeFeed
	publisher *Publisher
	batchSize int
	interval  time.Duration
}

func NewRelay(feed store.ChangeFeed, publisher *Publisher, batchSize int, interval time.Duration) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Relay{feed: feed, publisher: publisher, batchSize: batchSize, interval: interval}
}

// PublishPending publishes one batch of pending changes and returns how many
// changes were acknowledged.
func (r *Relay) PublishPending(ctx context.Context) (int, error) {
	changes, err := r.feed.PendingChanges(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(changes) == 0 {
		return 0, nil
	}

	var records []stream.Record
	ends := make([]int, len(changes))
	for i, c := range changes {
		for _, e := range c.Events {
			records = append(records, e.Record())
		}
		ends[i] = len(records)
	}

	res, pubErr := r.publisher.Publish(ctx, records)

	var acked []int64
	for i, c := range changes {
		if ends[i] > res.Resolved {
			break
		}
		acked = append(acked, c.ID)
	}
	if len(acked) > 0 {
		if err := r.feed.AckChanges(ctx, acked); err != nil {
			return 0, err
		}
	}

	log.WithFields(log.Fields{
		"changes":       len(changes),
		"acked":         len(acked),
		"published":     res.Published,
		"dead_lettered": res.DeadLettered,
	}).Debug("[Publisher] Relayed changes")
	return len(acked), pubErr
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// the next poll; errors back off for one interval.
func (r *Relay) Run(ctx context.Context) error {
	log.WithFields(log.Fields{
		"batch_size": r.batchSize,
		"interval":   r.interval,
	}).Info("[Publisher] Relay started")
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		n, err := r.PublishPending(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.WithError(err).Warn("[Publisher] Relay pass failed")
			timer.Reset(r.interval)
		case n >= r.batchSize:
			timer.Reset(0)
		default:
			timer.Reset(r.interval)
		}
	}
}
