package providers

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sipeed/picocell/pkg/logger"
)

// RetryPolicy defines per-attempt timeouts and backoffs. The number of
// attempts equals len(AttemptTimeouts); the last backoff repeats when there
// are more gaps than entries.
type RetryPolicy struct {
	AttemptTimeouts []time.Duration
	Backoffs        []time.Duration
	MaxJitter       time.Duration
}

// DefaultRetryPolicy matches observed provider behavior: a quick first
// attempt, two slower retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		AttemptTimeouts: []time.Duration{45 * time.Second, 90 * time.Second, 120 * time.Second},
		Backoffs:        []time.Duration{2 * time.Second, 5 * time.Second},
		MaxJitter:       500 * time.Millisecond,
	}
}

// BreakerConfig controls the circuit breaker around one provider.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

const (
	breakerClosed = iota
	breakerOpen
	breakerHalfOpen
)

// breaker is a minimal three-state circuit breaker. Only retriable failures
// count toward opening it; deterministic failures (auth, format) pass
// through without tripping.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	state     int
	openedAt  time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &breaker{threshold: cfg.FailureThreshold, cooldown: cfg.Cooldown}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default: // half-open: one probe already in flight
		return false
	}
}

func (b *breaker) markSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = breakerClosed
}

func (b *breaker) markFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

// Reliable wraps a Provider with retries, a circuit breaker, and request
// rate smoothing. This is the only place retries live; the core loop never
// retries an LLM call itself.
type Reliable struct {
	inner   Provider
	name    string
	policy  RetryPolicy
	breaker *breaker
	limiter *rate.Limiter
}

// NewReliable wraps inner. requestsPerSecond <= 0 disables rate smoothing.
func NewReliable(name string, inner Provider, policy RetryPolicy, bc BreakerConfig, requestsPerSecond float64) *Reliable {
	if len(policy.AttemptTimeouts) == 0 {
		policy = DefaultRetryPolicy()
	}
	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return &Reliable{
		inner:   inner,
		name:    name,
		policy:  policy,
		breaker: newBreaker(bc),
		limiter: limiter,
	}
}

func (r *Reliable) DefaultModel() string { return r.inner.DefaultModel() }

func (r *Reliable) Complete(ctx context.Context, req Request) (*Completion, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if !r.breaker.allow() {
		return nil, &FailoverError{Reason: ReasonCircuitOpen, Provider: r.name, Model: req.Model}
	}

	var lastErr error
	attempts := len(r.policy.AttemptTimeouts)
	for attempt := 0; attempt < attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeouts[attempt])
		resp, err := r.inner.Complete(attemptCtx, req)
		cancel()

		if err == nil {
			r.breaker.markSuccess()
			return resp, nil
		}
		if ctx.Err() != nil {
			// Caller gave up; the error is theirs, not the provider's.
			return nil, ctx.Err()
		}

		fe := ClassifyError(err, r.name, req.Model)
		if fe == nil {
			r.breaker.markFailure()
			return nil, err
		}
		if !fe.IsRetriable() {
			return nil, fe
		}

		lastErr = fe
		r.breaker.markFailure()

		if attempt == attempts-1 {
			break
		}

		delay := r.backoff(attempt)
		if fe.RetryAfter > delay {
			delay = fe.RetryAfter
		}
		logger.WarnCF("providers", "retrying after failure", map[string]any{
			"provider": r.name,
			"attempt":  attempt + 1,
			"reason":   string(fe.Reason),
			"delay":    delay.String(),
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// Stream applies the limiter and breaker but never retries: a stream that
// breaks mid-way surfaces as a terminal chunk with a stream-interrupted
// error, and the caller decides what to do with partial content.
func (r *Reliable) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if !r.breaker.allow() {
		return nil, &FailoverError{Reason: ReasonCircuitOpen, Provider: r.name, Model: req.Model}
	}

	inner, err := r.inner.Stream(ctx, req)
	if err != nil {
		r.breaker.markFailure()
		if fe := ClassifyError(err, r.name, req.Model); fe != nil {
			return nil, fe
		}
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		clean := true
		for chunk := range inner {
			if chunk.Err != nil {
				clean = false
				chunk.Err = &FailoverError{
					Reason:   ReasonStreamInterrupted,
					Provider: r.name,
					Model:    req.Model,
					Wrapped:  chunk.Err,
				}
			}
			out <- chunk
		}
		if clean {
			r.breaker.markSuccess()
		} else {
			r.breaker.markFailure()
		}
	}()
	return out, nil
}

func (r *Reliable) backoff(attempt int) time.Duration {
	var delay time.Duration
	if len(r.policy.Backoffs) == 0 {
		delay = 2 * time.Second
	} else if attempt < len(r.policy.Backoffs) {
		delay = r.policy.Backoffs[attempt]
	} else {
		delay = r.policy.Backoffs[len(r.policy.Backoffs)-1]
	}
	if r.policy.MaxJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(r.policy.MaxJitter)))
	}
	return delay
}
