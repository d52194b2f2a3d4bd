// Package retry implements the bounded retry policy shared by report compute
// and dashboard submission.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/emg.report/internal/monitoring"
	"github.com/banshee-data/emg.report/internal/timeutil"
)

var (
	// ErrTransient marks failures worth another attempt, typically a failed
	// call to a collaborator.
	ErrTransient = errors.New("transient failure")
	// ErrPermanentFailure is returned once the retry budget is exhausted.
	ErrPermanentFailure = errors.New("permanent failure")
)

var logf = monitoring.Component("retry")

type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() []error { return []error{e.err, ErrTransient} }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Policy bounds how many extra attempts follow a transient failure.
type Policy struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// Backoff is the pause between attempts. Zero retries immediately.
	Backoff time.Duration
	// Clock drives the backoff wait; nil uses the real clock.
	Clock timeutil.Clock
}

// Do runs fn until it succeeds, fails with a non-transient error, exhausts
// the retry budget, or ctx is done. attempt counts from zero. The returned
// int is the number of attempts made.
//
// Exhaustion wraps both ErrPermanentFailure and the last error, so callers can
// test for either with errors.Is.
func (p Policy) Do(ctx context.Context, name string, fn func(ctx context.Context, attempt int) error) (int, error) {
	clock := p.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}
		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 0 {
				logf("%s succeeded on attempt %d", name, attempt+1)
			}
			return attempt + 1, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt + 1, ctxErr
		}
		if !IsTransient(err) {
			return attempt + 1, err
		}
		if attempt >= maxRetries {
			logf("%s failed after %d attempts: %v", name, attempt+1, err)
			return attempt + 1, fmt.Errorf("%s: %w after %d attempts: %w", name, ErrPermanentFailure, attempt+1, err)
		}
		logf("%s attempt %d failed, retrying: %v", name, attempt+1, err)

		if p.Backoff > 0 {
			select {
			case <-ctx.Done():
				return attempt + 1, ctx.Err()
			case <-clock.After(p.Backoff):
			}
		}
	}
}
