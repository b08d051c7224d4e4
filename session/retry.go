package session

import (
	"context"
	"log/slog"
	"time"

	"authkit/api"
)

// Class is the retry policy's view of a failure.
type Class int

const (
	// ClassTemporary failures (no response, 5xx, timeout, 429) may succeed
	// on a later attempt.
	ClassTemporary Class = iota
	// ClassPermanent failures (401/403 and other 4xx) will not.
	ClassPermanent
)

// Classify maps an error to its retry class. Errors outside the api error
// taxonomy count as temporary, matching the no-response bucket.
func Classify(err error) Class {
	if api.IsTemporary(err) {
		return ClassTemporary
	}
	return ClassPermanent
}

// nextDelay is the linear backoff schedule: attempt * base. Pure so the
// schedule is testable without timers.
func nextDelay(attempt int, base time.Duration) time.Duration {
	return time.Duration(attempt) * base
}

// Retrier applies bounded linear-backoff retries to an operation. A
// permanent auth rejection triggers exactly one refresh through the shared
// Coordinator followed by one more attempt; any other permanent failure
// stops immediately.
type Retrier struct {
	coord       *Coordinator
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger

	// sleep is injected so tests observe the schedule without waiting.
	sleep func(context.Context, time.Duration) error
}

// NewRetrier constructs a Retrier with the real clock.
func NewRetrier(coord *Coordinator, maxAttempts int, baseDelay time.Duration, logger *slog.Logger) *Retrier {
	return &Retrier{
		coord:       coord,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		logger:      logger,
		sleep:       sleepContext,
	}
}

// Do runs op until it succeeds, attempts are exhausted, or a permanent
// failure is hit.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) error) error {
	refreshed := false
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		if Classify(err) == ClassPermanent {
			if api.IsAuthRejected(err) && !refreshed && r.coord != nil {
				if _, rerr := r.coord.Refresh(ctx); rerr != nil {
					return rerr
				}
				refreshed = true
				r.logger.Debug("retry_after_refresh", "attempt", attempt)
				continue
			}
			return err
		}

		if attempt >= r.maxAttempts {
			return err
		}
		delay := nextDelay(attempt, r.baseDelay)
		r.logger.Debug("retry_backoff", "attempt", attempt, "delay_ms", delay.Milliseconds(), "error", err)
		if serr := r.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
