// Package pipeline runs stream records through a handler with bounded
// retries, dead-lettering and a per-record outcome report.
package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/example/dispensary/internal/apperror"
)

// Policy bounds the work spent on a record or batch.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration // delay before the second attempt
	MaxBackoff  time.Duration
	// Timeout is the ceiling of one Process call; zero means none.
	Timeout time.Duration
}

// DefaultPolicy is three attempts with a short exponential backoff.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Backoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// BackOff returns the delay schedule: Backoff doubling up to MaxBackoff,
// without jitter.
func (p Policy) BackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.Reset()
	return b
}

// Sleeper waits for d or until ctx is done. Tests use it as a clock.
type Sleeper func(ctx context.Context, d time.Duration) error

// sleeperBackOff hands each delay to a Sleeper and lets backoff.Retry go on
// immediately.
type sleeperBackOff struct {
	backoff.BackOff
	ctx   context.Context
	sleep Sleeper
	err   error
}

func (s *sleeperBackOff) NextBackOff() time.Duration {
	d := s.BackOff.NextBackOff()
	if err := s.sleep(s.ctx, d); err != nil {
		s.err = err
		return backoff.Stop
	}
	return 0
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// policy's attempts are used up. It returns the number of attempts made and
// the last error. A nil sleep waits on the wall clock.
func Retry(ctx context.Context, policy Policy, sleep Sleeper, fn func(ctx context.Context) error) (int, error) {
	maxTries := policy.attempts()
	schedule := policy.BackOff()
	var hooked *sleeperBackOff
	if sleep != nil {
		hooked = &sleeperBackOff{BackOff: schedule, ctx: ctx, sleep: sleep}
		schedule = hooked
	}

	attempts := 0
	var last error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		last = fn(ctx)
		if last != nil && !apperror.Retryable(last) {
			return struct{}{}, backoff.Permanent(last)
		}
		return struct{}{}, last
	},
		backoff.WithBackOff(schedule),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return attempts, nil
	}

	interrupted := ctx.Err() != nil || (hooked != nil && hooked.err != nil)
	if interrupted && attempts < maxTries && apperror.Retryable(last) {
		return attempts, apperror.Transient(last, "retry interrupted")
	}
	return attempts, last
}
