// Package resiliency wraps calls to external capabilities (feature store,
// signer, legal reference validator) with retry, backoff and circuit
// breaking. Only transient failures are retried; domain errors pass through
// untouched so their deterministic codes survive.
package resiliency

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/data-riot/policy-as-code/pkg/contracts"
)

// Retrier retries transient failures with exponential backoff and jitter.
// A global rate limiter caps the aggregate retry volume so a degraded
// dependency is not hammered by every in-flight execution at once.
type Retrier struct {
	maxAttempts int
	baseDelay   time.Duration
	maxJitter   time.Duration
	budget      *rate.Limiter
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier. retriesPerSecond bounds retry attempts (not
// first attempts) across all callers.
func NewRetrier(maxAttempts int, baseDelay time.Duration, retriesPerSecond float64) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Retrier{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxJitter:   baseDelay / 2,
		budget:      rate.NewLimiter(rate.Limit(retriesPerSecond), maxAttempts),
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retryable reports whether an error is worth retrying. Context cancellation
// and typed domain errors are final; everything else is assumed transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return contracts.CodeOf(err) == "" || contracts.IsCode(err, contracts.CodeExternalDependency)
}

// Do runs fn until it succeeds, exhausts attempts, or hits a final error.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			if !r.budget.Allow() {
				return contracts.WrapError(contracts.CodeExternalDependency, err, "retry budget exhausted")
			}
			if serr := r.sleep(ctx, r.backoff(attempt)); serr != nil {
				return serr
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
	}
	return contracts.WrapError(contracts.CodeExternalDependency, err, "exhausted %d attempts", r.maxAttempts)
}

// backoff is base * 2^(attempt-1) plus bounded jitter.
func (r *Retrier) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * r.baseDelay
	if r.maxJitter > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(int64(r.maxJitter))); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	return d
}

// breaker states.
const (
	stateClosed   = "CLOSED"
	stateOpen     = "OPEN"
	stateHalfOpen = "HALF_OPEN"
)

// CircuitBreaker trips after consecutive failures and probes again after a
// reset timeout.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string
	now          func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        stateClosed,
		now:          time.Now,
	}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateOpen {
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	return true
}

// Success records a successful call and closes the breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failureCount = 0
}

// Failure records a failed call, tripping the breaker at the threshold.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	if cb.failureCount >= cb.threshold {
		cb.state = stateOpen
	}
}

// Call runs fn through the breaker.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.Allow() {
		return contracts.NewError(contracts.CodeExternalDependency, "circuit breaker %s open", cb.name)
	}
	if err := fn(ctx); err != nil {
		cb.Failure()
		return err
	}
	cb.Success()
	return nil
}
