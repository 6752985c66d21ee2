package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/deadletter"
	"github.com/example/dispensary/internal/stream"
)

// Outcome is what happened to one record of a batch.
type Outcome string

const (
	OutcomeSucceeded    Outcome = "succeeded"
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeFailed records must be redelivered.
	OutcomeFailed Outcome = "failed"
	// OutcomeHeld records were not attempted because an earlier record of
	// the same partition failed; they are redelivered with it.
	OutcomeHeld Outcome = "held"
)

type Result struct {
	Index    int
	Record   stream.Record
	Outcome  Outcome
	Attempts int
	Err      error
}

// Report holds one Result per input record, in input order.
type Report struct {
	Results []Result
}

// Failed returns the indices of records the transport must redeliver.
func (r Report) Failed() []int {
	var out []int
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed || res.Outcome == OutcomeHeld {
			out = append(out, res.Index)
		}
	}
	return out
}

func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Handler applies one record. Returning a non-retryable error sends the
// record straight to the dead-letter sink.
type Handler func(ctx context.Context, rec stream.Record) error

// Runner processes a batch of stream records partition by partition.
// Partitions run concurrently; records of one partition run in order.
type Runner struct {
	Component   string
	Policy      Policy
	Sink        deadletter.Sink
	Concurrency int
	Metrics     *Metrics

	Sleep Sleeper
	Now   func() time.Time

	mu       sync.Mutex
	breaches map[string]int
}

// deadLetterGrace bounds the dead-letter send of a record that used up the
// batch ceiling.
const deadLetterGrace = 10 * time.Second

func NewRunner(component string, policy Policy, sink deadletter.Sink, metrics *Metrics) *Runner {
	return &Runner{
		Component:   component,
		Policy:      policy,
		Sink:        sink,
		Concurrency: 8,
		Metrics:     metrics,
	}
}

// Retry runs fn under the runner's policy.
func (r *Runner) Retry(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	return Retry(ctx, r.Policy, r.Sleep, fn)
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// Process runs h over records and reports a per-record outcome. It never
// returns early: every record ends up succeeded, dead-lettered, failed or
// held.
func (r *Runner) Process(ctx context.Context, records []stream.Record, h Handler) Report {
	report := Report{Results: make([]Result, len(records))}
	for i, rec := range records {
		report.Results[i] = Result{Index: i, Record: rec}
	}
	if len(records) == 0 {
		return report
	}

	parent := ctx
	if r.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Policy.Timeout)
		defer cancel()
	}

	keys, groups := stream.GroupByPartition(records)
	var g errgroup.Group
	if r.Concurrency > 0 {
		g.SetLimit(r.Concurrency)
	}
	for _, key := range keys {
		indices := groups[key]
		g.Go(func() error {
			r.processPartition(parent, ctx, report.Results, indices, h)
			return nil
		})
	}
	_ = g.Wait()

	logger := log.WithFields(log.Fields{
		"component":     r.Component,
		"records":       len(records),
		"succeeded":     report.Count(OutcomeSucceeded),
		"dead_lettered": report.Count(OutcomeDeadLettered),
		"redeliver":     len(report.Failed()),
	})
	if len(report.Failed()) > 0 {
		logger.Warn("[Pipeline] Batch finished with records to redeliver")
	} else {
		logger.Debug("[Pipeline] Batch finished")
	}
	return report
}

func (r *Runner) processPartition(parent, ctx context.Context, results []Result, indices []int, h Handler) {
	for pos, idx := range indices {
		res := &results[idx]
		start := time.Now()

		attempts, err := r.Retry(ctx, func(ctx context.Context) error {
			if msg, bad := res.Record.DecodeFailure(); bad {
				return apperror.Validation("undecodable record: %s", msg)
			}
			return h(ctx, res.Record)
		})
		res.Attempts = attempts

		switch {
		case err == nil:
			res.Outcome = OutcomeSucceeded
			r.forgetBreaches(res.Record)
		case parent.Err() != nil:
			res.Outcome = OutcomeFailed
			res.Err = apperror.Transient(err, "processing interrupted")
		case ctx.Err() != nil:
			r.ceilingReached(parent, res, err)
		default:
			if sendErr := r.DeadLetter(ctx, res.Record, err, attempts); sendErr != nil {
				res.Outcome = OutcomeFailed
				res.Err = errors.Join(err, sendErr)
			} else {
				res.Outcome = OutcomeDeadLettered
				res.Err = err
			}
		}
		r.Metrics.Observe(r.Component, res.Outcome, attempts, time.Since(start))

		if res.Outcome == OutcomeFailed {
			r.hold(results, indices[pos+1:], res.Record)
			return
		}
	}
}

// ceilingReached handles a record that was still running when the batch
// ceiling expired. Each breach counts as one attempt across redeliveries;
// once the policy's attempts are used up the record is dead-lettered.
func (r *Runner) ceilingReached(parent context.Context, res *Result, err error) {
	cause := apperror.Transient(err, "processing ceiling reached")
	breaches := r.breach(res.Record)
	res.Attempts = breaches
	if breaches < r.Policy.attempts() {
		res.Outcome = OutcomeFailed
		res.Err = cause
		log.WithFields(log.Fields{
			"component": r.Component,
			"record":    res.Record.DedupKey(),
			"breaches":  breaches,
		}).Warn("[Pipeline] Processing ceiling reached; record will be redelivered")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), deadLetterGrace)
	defer cancel()
	if sendErr := r.DeadLetter(ctx, res.Record, cause, breaches); sendErr != nil {
		res.Outcome = OutcomeFailed
		res.Err = errors.Join(cause, sendErr)
		return
	}
	r.forgetBreaches(res.Record)
	res.Outcome = OutcomeDeadLettered
	res.Err = cause
}

func (r *Runner) breach(rec stream.Record) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.breaches == nil {
		r.breaches = make(map[string]int)
	}
	r.breaches[rec.DedupKey()]++
	return r.breaches[rec.DedupKey()]
}

func (r *Runner) forgetBreaches(rec stream.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breaches, rec.DedupKey())
}

func (r *Runner) hold(results []Result, indices []int, blocker stream.Record) {
	for _, idx := range indices {
		results[idx].Outcome = OutcomeHeld
		results[idx].Err = apperror.Transient(nil, "held behind %s", blocker.DedupKey())
		r.Metrics.Observe(r.Component, OutcomeHeld, 0, 0)
	}
}

// ErrorClass is the class recorded on a dead-letter entry. Retryable
// failures that ran out of attempts are permanent from then on.
func ErrorClass(err error) string {
	switch kind := apperror.KindOf(err); kind {
	case apperror.KindTransient, apperror.KindConcurrencyConflict:
		return string(apperror.KindPermanent)
	default:
		return string(kind)
	}
}

// DeadLetter sends rec to the sink, retrying the send under the runner's
// policy. A non-nil error means the record is neither processed nor
// quarantined and must be redelivered.
func (r *Runner) DeadLetter(ctx context.Context, rec stream.Record, cause error, attempts int) error {
	if r.Sink == nil {
		return apperror.Transient(nil, "no dead-letter sink configured")
	}
	entry := deadletter.Entry{
		Component:      r.Component,
		OriginalRecord: rec,
		ErrorClass:     ErrorClass(cause),
		Message:        cause.Error(),
		AttemptCount:   attempts,
		FirstFailedAt:  r.now(),
	}
	_, err := r.Retry(ctx, func(ctx context.Context) error {
		return r.Sink.Send(ctx, entry)
	})
	fields := log.Fields{
		"component":   r.Component,
		"record":      rec.DedupKey(),
		"event_type":  rec.EventType,
		"error_class": entry.ErrorClass,
		"attempts":    attempts,
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Error("[Pipeline] Dead-letter sink failed; record will be redelivered")
		return err
	}
	r.Metrics.DeadLettered(r.Component, entry.ErrorClass)
	log.WithFields(fields).WithError(cause).Warn("[Pipeline] Record dead-lettered")
	return nil
}
