package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/inkfetch/internal/fault"
	"github.com/sells-group/inkfetch/internal/transfer"
)

// fastRetry records sleeps instead of waiting.
func fastRetry(attempts int, slept *[]time.Duration) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
		JitterFraction: 0,
		Sleep: func(ctx context.Context, d time.Duration) error {
			*slept = append(*slept, d)
			return ctx.Err()
		},
	}
}

func stalled(delivered int64) transfer.Outcome {
	return transfer.Outcome{
		Kind:          fault.Stalled,
		Err:           fault.New(fault.Stalled, "no progress"),
		ContentLength: -1,
		Delivered:     delivered,
	}
}

func TestDo_FirstAttempt(t *testing.T) {
	var slept []time.Duration
	calls := 0
	err := Do(context.Background(), fastRetry(3, &slept), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, slept)
}

func TestDoVal_RetriesTransientOutcome(t *testing.T) {
	var slept []time.Duration
	calls := 0
	out, err := DoVal(context.Background(), fastRetry(3, &slept), func(context.Context) (transfer.Outcome, error) {
		calls++
		if calls < 3 {
			o := stalled(int64(calls))
			return o, OutcomeErr(o)
		}
		o := transfer.Outcome{OK: true, StatusCode: 200}
		return o, OutcomeErr(o)
	})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, slept)
}

func TestDoVal_ExhaustedKeepsLastOutcome(t *testing.T) {
	var slept []time.Duration
	calls := 0
	out, err := DoVal(context.Background(), fastRetry(3, &slept), func(context.Context) (transfer.Outcome, error) {
		calls++
		o := stalled(int64(calls * 10))
		return o, OutcomeErr(o)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, slept, 2, "no sleep after the last attempt")
	assert.Equal(t, int64(30), out.Delivered)

	var ae *AttemptError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, fault.Stalled, ae.Outcome.Kind)
	assert.True(t, fault.Is(err, fault.Stalled))
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	var slept []time.Duration
	calls := 0
	err := Do(context.Background(), fastRetry(5, &slept), func(context.Context) error {
		calls++
		return OutcomeErr(transfer.Outcome{Kind: fault.MalformedURL, Err: fault.New(fault.MalformedURL, "bad")})
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, slept)
}

func TestDo_CanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}
	calls := 0
	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		return fault.New(fault.Timeout, "deadline")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_CustomShouldRetry(t *testing.T) {
	var slept []time.Duration
	cfg := fastRetry(3, &slept)
	cfg.ShouldRetry = func(error) bool { return true }
	calls := 0
	_ = Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return errors.New("anything")
	})
	assert.Equal(t, 3, calls)
}

func TestDo_OnRetry(t *testing.T) {
	var slept []time.Duration
	cfg := fastRetry(3, &slept)
	var attempts []int
	cfg.OnRetry = func(attempt int, _ error, _ time.Duration) { attempts = append(attempts, attempt) }
	_ = Do(context.Background(), cfg, func(context.Context) error {
		return fault.New(fault.ConnectionLost, "gone")
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDo_RealSleep(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls == 1 {
			return fault.New(fault.Busy, "busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestComputeBackoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, computeBackoff(0, cfg))
	assert.Equal(t, 2*time.Second, computeBackoff(1, cfg))
	assert.Equal(t, 4*time.Second, computeBackoff(2, cfg))
	assert.Equal(t, 5*time.Second, computeBackoff(3, cfg), "capped")

	cfg.JitterFraction = 0.5
	for i := 0; i < 50; i++ {
		d := computeBackoff(1, cfg)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}
