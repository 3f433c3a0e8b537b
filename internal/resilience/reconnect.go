package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrReconnectExhausted is returned once the policy allows no further attempts
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Unexpected closes tolerated before giving up
	Backoff     time.Duration // Delay before the first reconnect
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 3,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// ReconnectState is a snapshot of the policy counters
type ReconnectState struct {
	Attempts    int
	MaxAttempts int
	BaseDelay   time.Duration
}

// ReconnectPolicy counts unexpected closes and decides whether and when to reconnect.
// Attempts reset to zero on every successful open.
type ReconnectPolicy struct {
	config ReconnectConfig

	mu       sync.Mutex
	attempts int
}

// NewReconnectPolicy creates a policy; nil selects the defaults
func NewReconnectPolicy(config *ReconnectConfig) *ReconnectPolicy {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	cfg := *config
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	return &ReconnectPolicy{config: cfg}
}

// Next records one unexpected close. It returns the delay before the next attempt,
// or false once attempts reach MaxAttempts.
func (p *ReconnectPolicy) Next() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts++
	if p.attempts >= p.config.MaxAttempts {
		return 0, false
	}
	return CalculateBackoff(p.attempts-1, p.config.Backoff, p.config.MaxBackoff, p.config.Multiplier), true
}

// Reset clears the attempt counter after a successful open
func (p *ReconnectPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
}

// State returns the current counters
func (p *ReconnectPolicy) State() ReconnectState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ReconnectState{
		Attempts:    p.attempts,
		MaxAttempts: p.config.MaxAttempts,
		BaseDelay:   p.config.Backoff,
	}
}

// Waiter blocks for d or until ctx is done
type Waiter func(ctx context.Context, d time.Duration) error

// SleepContext is the default Waiter
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ReconnectFunc performs one reconnect attempt
type ReconnectFunc func(ctx context.Context, attempt int) error

// Reconnect is called after an unexpected close. It waits out the policy delay and calls fn,
// treating every retryable failure of fn as another unexpected close. It stops on success,
// on a non-retryable error, on ctx cancellation, or with ErrReconnectExhausted.
func Reconnect(ctx context.Context, policy *ReconnectPolicy, wait Waiter, fn ReconnectFunc, isRetryable IsRetryableError, logger zerolog.Logger) error {
	if wait == nil {
		wait = SleepContext
	}

	var lastErr error
	for {
		delay, ok := policy.Next()
		state := policy.State()
		if !ok {
			logger.Warn().
				Int("attempts", state.Attempts).
				Int("max_attempts", state.MaxAttempts).
				AnErr("last_error", lastErr).
				Msg("Reconnect attempts exhausted")
			if lastErr != nil {
				return fmt.Errorf("%w after %d unexpected closes: %v", ErrReconnectExhausted, state.Attempts, lastErr)
			}
			return fmt.Errorf("%w after %d unexpected closes", ErrReconnectExhausted, state.Attempts)
		}

		logger.Info().
			Int("attempt", state.Attempts).
			Dur("delay", delay).
			Msg("Scheduling reconnect")

		if err := wait(ctx, delay); err != nil {
			return err
		}

		err := fn(ctx, state.Attempts)
		if err == nil {
			policy.Reset()
			logger.Info().Int("attempt", state.Attempts).Msg("Reconnection successful")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isRetryable != nil && !isRetryable(err) {
			return err
		}

		logger.Warn().Err(err).Int("attempt", state.Attempts).Msg("Reconnect attempt failed")
		lastErr = err
	}
}
