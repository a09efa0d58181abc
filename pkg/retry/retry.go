// Package retry wraps a single outbound call with bounded exponential
// backoff. It keeps no state between invocations, so one Policy can be shared
// by any number of goroutines.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// Policy controls how often and how patiently an operation is retried.
type Policy struct {
	MaxRetries     int           `yaml:"maxRetries"`
	InitialDelay   time.Duration `yaml:"initialDelay"`
	MaxDelay       time.Duration `yaml:"maxDelay"`
	BackoffFactor  float64       `yaml:"backoffFactor"`
	Jitter         float64       `yaml:"jitter"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
}

// DefaultOCRPolicy is used for OCR provider calls.
func DefaultOCRPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialDelay:   time.Second,
		MaxDelay:       10 * time.Second,
		BackoffFactor:  2,
		Jitter:         0.2,
		AttemptTimeout: 60 * time.Second,
	}
}

// DefaultHTTPPolicy is used for search, analysis and scrape calls.
func DefaultHTTPPolicy() Policy {
	return Policy{
		MaxRetries:     2,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		BackoffFactor:  2,
		Jitter:         0.2,
		AttemptTimeout: 30 * time.Second,
	}
}

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// ExhaustedError is returned once every allowed attempt failed with a
// retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Attempts returns the number of calls made before giving up, or 0 when err
// did not come from an exhausted retry loop.
func Attempts(err error) int {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Attempts
	}
	return 0
}

type settings struct {
	sleep   func(ctx context.Context, d time.Duration) error
	rand    func() float64
	onRetry func(attempt int, err error, wait time.Duration)
}

type Option func(*settings)

// WithSleep replaces the timer based wait, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *settings) { s.sleep = fn }
}

// WithRand replaces the jitter source. fn must return values in [0,1).
func WithRand(fn func() float64) Option {
	return func(s *settings) { s.rand = fn }
}

// WithOnRetry registers a callback invoked before every backoff wait.
func WithOnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(s *settings) { s.onRetry = fn }
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// policy's retry budget is spent. Non-retryable errors are returned as is.
func Do[T any](ctx context.Context, p Policy, classify Classifier, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	s := settings{sleep: sleepContext, rand: rand.Float64}
	for _, opt := range opts {
		opt(&s)
	}
	if classify == nil {
		classify = IsRetryable
	}

	var zero T
	delay := p.InitialDelay
	for attempt := 1; ; attempt++ {
		v, err := callOnce(ctx, p.AttemptTimeout, op)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		// an attempt that ran out of its own deadline is always worth retrying
		timedOut := errors.Is(err, context.DeadlineExceeded)
		if !timedOut && !classify(err) {
			return zero, err
		}
		if attempt > p.MaxRetries {
			return zero, &ExhaustedError{Attempts: attempt, Err: err}
		}

		wait := p.jittered(delay, s.rand())
		if s.onRetry != nil {
			s.onRetry(attempt, err, wait)
		}
		if sleepErr := s.sleep(ctx, wait); sleepErr != nil {
			return zero, err
		}
		delay = p.next(delay)
	}
}

func callOnce[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}

// jittered spreads d by ±Jitter and caps it at MaxDelay. r is in [0,1).
func (p Policy) jittered(d time.Duration, r float64) time.Duration {
	spread := 1 + p.Jitter*(2*r-1)
	w := time.Duration(math.Round(float64(d) * spread))
	if p.MaxDelay > 0 && w > p.MaxDelay {
		w = p.MaxDelay
	}
	if w < 0 {
		w = 0
	}
	return w
}

func (p Policy) next(d time.Duration) time.Duration {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	n := float64(d) * factor
	if p.MaxDelay > 0 {
		n = math.Min(n, float64(p.MaxDelay))
	}
	return time.Duration(math.Round(n))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRetryable is the default classifier: network failures, timeouts, 5xx
// and 429 are retried, every other 4xx is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		return RetryableStatus(sc.StatusCode())
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return true
}

// RetryableStatus classifies an HTTP status code.
func RetryableStatus(code int) bool {
	switch {
	case code == 0:
		return true
	case code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
