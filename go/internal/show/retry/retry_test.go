package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestNextDelay(t *testing.T) {
	p := DefaultPolicy()
	require.Equal(t, time.Duration(0), p.NextDelay(0))
	require.Equal(t, 1*time.Second, p.NextDelay(1))
	require.Equal(t, 2*time.Second, p.NextDelay(2))
	require.Equal(t, 4*time.Second, p.NextDelay(3))
	require.Equal(t, 30*time.Second, p.NextDelay(10))
}

func TestExhausted(t *testing.T) {
	require.False(t, DefaultPolicy().Exhausted(1000))

	p := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	require.False(t, p.Exhausted(3))
	require.True(t, p.Exhausted(4))
}

func TestWaitHonoursCancellation(t *testing.T) {
	fc := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, DefaultPolicy().Wait(ctx, fc, 1), context.Canceled)
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	fc := clockwork.NewFakeClock()
	p := Policy{MaxAttempts: 5, InitialDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		for i := 0; i < 2; i++ {
			if err := fc.BlockUntilContext(ctx, 1); err != nil {
				return
			}
			fc.Advance(p.NextDelay(i + 1))
		}
	}()

	calls := 0
	err := p.Execute(ctx, fc, nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestExecuteStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("forbidden")
	calls := 0
	err := DefaultPolicy().Execute(context.Background(), clockwork.NewFakeClock(),
		func(err error) bool { return !errors.Is(err, permanent) },
		func(context.Context) error {
			calls++
			return permanent
		})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestExecuteGivesUpAfterMaxAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 1, InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Second}
	calls := 0
	err := p.Execute(context.Background(), clockwork.NewFakeClock(), nil, func(context.Context) error {
		calls++
		return errors.New("timeout")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
