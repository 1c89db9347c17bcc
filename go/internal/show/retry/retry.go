// Package retry holds the exponential backoff policy shared by the transport
// reconnect loop and backlog drains.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

// Policy controls exponential backoff between attempts.
type Policy struct {
	MaxAttempts  int           `yaml:"max_attempts"` // 0 means unbounded
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// DefaultPolicy returns an unbounded policy: 1s initial delay, 2x multiplier,
// 30s max delay.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
// Attempts below 1 get no delay.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Exhausted reports whether attempt is past MaxAttempts.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Wait sleeps on clk for the delay of attempt, returning early with the
// context's error if ctx is cancelled first.
func (p Policy) Wait(ctx context.Context, clk clockwork.Clock, attempt int) error {
	delay := p.NextDelay(attempt)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := clk.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// Execute runs fn until it succeeds, MaxAttempts is reached or retryable
// reports false for its error, sleeping between attempts. It returns nil on
// success or the last error.
func (p Policy) Execute(ctx context.Context, clk clockwork.Clock, retryable func(error) bool, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; !p.Exhausted(attempt); attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return err
		}
		if p.Exhausted(attempt + 1) {
			break
		}
		if werr := p.Wait(ctx, clk, attempt); werr != nil {
			return lastErr
		}
	}
	return lastErr
}
