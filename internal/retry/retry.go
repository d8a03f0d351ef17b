// Package retry provides the retry policy shared by every outbound call of the
// orchestration core (provider API requests and artifact transfers).
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how an operation is retried.
// The zero value performs a single attempt.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialInterval is the wait before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps the exponential growth of the wait.
	MaxInterval time.Duration
	// MaxElapsedTime bounds the total time spent retrying (0 = bounded by MaxRetries only).
	MaxElapsedTime time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsTransient.
	Retryable func(error) bool
	// OnRetry is called before each wait, typically for logging.
	OnRetry func(err error, wait time.Duration)
}

// Default returns the policy used for provider calls: 3 retries with
// exponential backoff starting at one second.
func Default() Policy {
	return Policy{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
	}
}

// WithMaxRetries returns a copy of p with MaxRetries set to n.
func (p Policy) WithMaxRetries(n int) Policy {
	if n < 0 {
		n = 0
	}
	p.MaxRetries = n
	return p
}

// WithNotify returns a copy of p that reports each retry to fn.
func (p Policy) WithNotify(fn func(err error, wait time.Duration)) Policy {
	p.OnRetry = fn
	return p
}

// Do runs op until it succeeds, returns a non-retryable error, the retry budget
// is exhausted, or ctx is done. The last error from op is returned; when ctx ends
// during a wait, the context error is joined to it so both remain matchable.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = p.MaxElapsedTime

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	var lastErr error
	operation := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = backoff.Notify(p.OnRetry)
	}
	err := backoff.RetryNotify(operation, b, notify)
	if err != nil && lastErr != nil && err != lastErr && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%w: %w", lastErr, err)
	}
	return err
}

// transientError marks an error as safe to retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}

// Transient wraps err so that IsTransient reports true. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient returns true if err (or anything it wraps) was marked with Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
