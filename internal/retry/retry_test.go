package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func recordSleeps(into *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*into = append(*into, d)
		return nil
	}
}

func TestDoBackoffSchedule(t *testing.T) {
	var slept []time.Duration
	calls := 0
	opts := Options{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
		Sleep:         recordSleeps(&slept),
	}

	err := Do(context.Background(), opts, func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, slept)
}

func TestDoReturnsLastErrorUnchanged(t *testing.T) {
	calls := 0
	opts := Options{MaxAttempts: 4, Sleep: recordSleeps(new([]time.Duration))}

	final := errors.New("attempt 4")
	err := Do(context.Background(), opts, func(context.Context) error {
		calls++
		if calls == 4 {
			return final
		}
		return errFlaky
	})

	assert.Same(t, final, err)
	assert.Equal(t, 4, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	permanent := errors.New("bad request")
	opts := Options{
		MaxAttempts: 5,
		ShouldRetry: func(err error) bool { return !errors.Is(err, permanent) },
		Sleep:       recordSleeps(new([]time.Duration)),
	}

	err := Do(context.Background(), opts, func(context.Context) error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDelaysCapAtMaxDelay(t *testing.T) {
	got := Delays(Options{
		MaxAttempts:   6,
		InitialDelay:  time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 3,
	})
	want := []time.Duration{time.Second, 3 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}
	assert.Equal(t, want, got)
}

func TestNoDelay(t *testing.T) {
	for _, d := range Delays(Options{MaxAttempts: 4}.NoDelay()) {
		assert.Zero(t, d)
	}
}

func TestDoHonorsContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	err := Do(ctx, Options{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: time.Second}, func(context.Context) error {
		calls++
		return errFlaky
	})

	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), Options{Sleep: recordSleeps(new([]time.Duration))}, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errFlaky
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDoCanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Options{}, func(context.Context) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
