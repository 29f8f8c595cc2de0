// bounded_provider.go: Time-bounded suggestion providers
//
// A provider that may perform slow lookups is wrapped so that every call has
// a deadline, transient failures are retried a bounded number of times and a
// circuit breaker stops hammering a provider that keeps failing. Resolution
// treats any error from here as "no suggestion".
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"context"
	goerrors "errors"
	"time"

	"github.com/agilira/go-errors"
	"github.com/sony/gobreaker"
)

// BoundedOptions configures a BoundedProvider.
type BoundedOptions struct {
	// Name identifies the breaker in logs. Default: "suggestions"
	Name string

	// Timeout bounds each attempt. Default: 50ms
	Timeout time.Duration

	// MaxRetries is the number of extra attempts after the first. Default: 0
	MaxRetries int

	// RetryDelay is the pause between attempts. Default: 10ms
	RetryDelay time.Duration

	// FailureThreshold consecutive failures open the breaker. Default: 5
	FailureThreshold uint32

	// OpenTimeout is how long the breaker stays open before probing. Default: 30s
	OpenTimeout time.Duration

	// OnStateChange is called on breaker transitions.
	OnStateChange func(name string, from, to gobreaker.State)
}

func (o BoundedOptions) withDefaults() BoundedOptions {
	if o.Name == "" {
		o.Name = "suggestions"
	}
	if o.Timeout <= 0 {
		o.Timeout = 50 * time.Millisecond
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 10 * time.Millisecond
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 30 * time.Second
	}
	return o
}

// BoundedProvider enforces deadlines, retries and a circuit breaker around
// another provider.
type BoundedProvider struct {
	inner   SuggestionProvider
	opts    BoundedOptions
	breaker *gobreaker.CircuitBreaker
}

type boundedResult struct {
	s     Suggestion
	found bool
}

// NewBoundedProvider wraps inner.
func NewBoundedProvider(inner SuggestionProvider, opts BoundedOptions) *BoundedProvider {
	opts = opts.withDefaults()
	threshold := opts.FailureThreshold
	settings := gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: opts.OnStateChange,
	}
	return &BoundedProvider{
		inner:   inner,
		opts:    opts,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// State returns the breaker state.
func (b *BoundedProvider) State() gobreaker.State {
	return b.breaker.State()
}

// Suggest calls the wrapped provider within the configured bounds.
func (b *BoundedProvider) Suggest(ctx context.Context, req SuggestionRequest) (Suggestion, bool, error) {
	out, err := b.breaker.Execute(func() (interface{}, error) {
		return b.attemptWithRetry(ctx, req)
	})
	if err != nil {
		if goerrors.Is(err, gobreaker.ErrOpenState) || goerrors.Is(err, gobreaker.ErrTooManyRequests) {
			return Suggestion{}, false, errors.Wrap(err, ErrCodeSuggestionUnavailable, "suggestion provider unavailable").
				WithContext("provider", b.opts.Name)
		}
		return Suggestion{}, false, err
	}
	res := out.(boundedResult)
	return res.s, res.found, nil
}

func (b *BoundedProvider) attemptWithRetry(ctx context.Context, req SuggestionRequest) (boundedResult, error) {
	var lastErr error
	for attempt := 0; attempt <= b.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := waitForRetry(ctx, b.opts.RetryDelay); err != nil {
				return boundedResult{}, err
			}
		}
		res, err := b.attempt(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if shouldStopRetrying(ctx, err) {
			break
		}
	}
	return boundedResult{}, lastErr
}

// attempt runs one call with a deadline. The call runs in its own goroutine so
// a provider that ignores its context still cannot block the caller.
func (b *BoundedProvider) attempt(ctx context.Context, req SuggestionRequest) (boundedResult, error) {
	actx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	type reply struct {
		res boundedResult
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		s, found, err := b.inner.Suggest(actx, req)
		ch <- reply{res: boundedResult{s: s, found: found}, err: err}
	}()

	select {
	case r := <-ch:
		return r.res, r.err
	case <-actx.Done():
		return boundedResult{}, errors.Wrap(actx.Err(), ErrCodeSuggestionTimeout, "suggestion provider timed out").
			WithContext("provider", b.opts.Name).
			WithContext("key", req.Key.raw).
			WithContext("timeout", b.opts.Timeout.String())
	}
}

// waitForRetry waits for the retry delay or context cancellation.
func waitForRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), ErrCodeSuggestionTimeout, "context canceled during retry")
	}
}

// shouldStopRetrying stops once the caller's context is done. Per-attempt
// timeouts are retried.
func shouldStopRetrying(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil {
		return true
	}
	return goerrors.Is(err, context.Canceled)
}
