package backend

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// CircuitBreakerRegistry manages per-provider circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(logger *slog.Logger) *CircuitBreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the circuit breaker for the given provider, creating it on first use.
func (r *CircuitBreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3, // Trial requests allowed while half-open
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Cancellation and a model that replied with garbage are not provider outages.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return errors.Is(err, ErrMalformedOutput)
		},
	})

	r.breakers[name] = cb
	return cb
}

// ResilientGenerator retries transport-level generation faults with
// exponential backoff behind a circuit breaker. These retries happen below the
// worker's self-correction loop and do not consume its attempt budget.
type ResilientGenerator struct {
	inner   Generator
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
}

// NewResilientGenerator wraps inner with the breaker registered under name.
func NewResilientGenerator(inner Generator, name string, breakers *CircuitBreakerRegistry, retry RetryConfig) *ResilientGenerator {
	return &ResilientGenerator{
		inner:   inner,
		breaker: breakers.Get(name),
		retry:   retry,
	}
}

// Forget passes through to the wrapped generator when it keeps sessions.
func (g *ResilientGenerator) Forget(taskID string) {
	if f, ok := g.inner.(interface{ Forget(string) }); ok {
		f.Forget(taskID)
	}
}

// Generate calls the wrapped generator. Malformed output is returned at once
// since retrying the same prompt is the worker's job.
func (g *ResilientGenerator) Generate(ctx context.Context, req Request) (Generation, error) {
	var gen Generation

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := g.breaker.Execute(func() (interface{}, error) {
			return g.inner.Generate(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil || errors.Is(err, ErrMalformedOutput) {
				return backoff.Permanent(err)
			}
			return err
		}

		gen = result.(Generation)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.retry.InitialInterval
	policy.MaxInterval = g.retry.MaxInterval
	policy.MaxElapsedTime = g.retry.MaxElapsedTime
	policy.Multiplier = g.retry.Multiplier
	policy.RandomizationFactor = g.retry.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return gen, err
}
