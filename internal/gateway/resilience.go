package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/backend"
)

// RetryConfig configures exponential backoff for transport failures.
type RetryConfig struct {
	InitialInterval     time.Duration // default 100ms
	MaxInterval         time.Duration // default 10s
	MaxElapsedTime      time.Duration // default 2m
	Multiplier          float64       // default 2.0
	RandomizationFactor float64       // default 0.5
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

// Breakers holds one circuit breaker per provider.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewBreakers creates an empty breaker registry. logger may be nil.
func NewBreakers(logger *zap.Logger) *Breakers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breakers{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the breaker for provider, creating it on first use.
func (r *Breakers) Get(provider string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[provider]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 3,                // probes allowed while half-open
		Timeout:     30 * time.Second, // open period before probing
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is the caller's doing, not the provider's.
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[provider] = cb
	return cb
}

// Resilient sends messages with retry and per-provider circuit breaking.
type Resilient struct {
	breakers *Breakers
	retry    RetryConfig
}

// NewResilient combines a breaker registry with a retry policy.
func NewResilient(breakers *Breakers, retry RetryConfig) *Resilient {
	return &Resilient{breakers: breakers, retry: retry}
}

// Send delivers msg to b, retrying transient failures with exponential
// backoff. An open breaker or a cancelled context stops retrying at once.
func (r *Resilient) Send(ctx context.Context, provider string, b backend.Backend, msg backend.Message) (backend.Response, error) {
	logger := r.breakers.logger.With(zap.String("provider", provider))
	notify := func(err error, wait time.Duration) {
		logger.Warn("provider call failed, retrying", zap.Error(err), zap.Duration("backoff", wait))
	}
	return sendWithRetry(ctx, b, msg, r.breakers.Get(provider), r.retry, notify)
}

// sendWithRetry runs b.Send through cb under the retry policy. notify,
// when non-nil, sees every failure that will be retried.
func sendWithRetry(ctx context.Context, b backend.Backend, msg backend.Message, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig, notify backoff.Notify) (backend.Response, error) {
	var resp backend.Response

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return b.Send(ctx, msg)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		resp = result.(backend.Response)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.InitialInterval
	policy.MaxInterval = retryCfg.MaxInterval
	policy.MaxElapsedTime = retryCfg.MaxElapsedTime
	policy.Multiplier = retryCfg.Multiplier
	policy.RandomizationFactor = retryCfg.RandomizationFactor

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
	return resp, err
}
