package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errDown = errors.New("service down")

func fail(context.Context) error { return errDown }
func ok(context.Context) error   { return nil }

func newTestBreaker(clock *fakeClock) *Breaker {
	return New("sync", Options{FailureThreshold: 3, ResetTimeout: 30 * time.Second, Now: clock.Now})
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(context.Background(), fail), errDown)
	}
	assert.Equal(t, Open, b.State())

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open circuit must not run the operation")

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "sync", openErr.Name)
	assert.Equal(t, time.Unix(1030, 0), openErr.RetryAt)
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	require.NoError(t, b.Execute(context.Background(), ok))
	_ = b.Execute(context.Background(), fail)

	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 1, b.Failures())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), fail)
	}

	clock.Advance(29 * time.Second)
	assert.Equal(t, Open, b.State())

	clock.Advance(time.Second)
	assert.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Execute(context.Background(), ok))
	assert.Equal(t, Closed, b.State())
	assert.Zero(t, b.Failures())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	clock.Advance(30 * time.Second)

	assert.ErrorIs(t, b.Execute(context.Background(), fail), errDown)
	assert.Equal(t, Open, b.State())

	clock.Advance(10 * time.Second)
	assert.ErrorIs(t, b.Execute(context.Background(), ok), ErrOpen)
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	clock.Advance(31 * time.Second)

	release := make(chan struct{})
	entered := make(chan struct{})
	var probes atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(context.Background(), func(context.Context) error {
			probes.Add(1)
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := b.Execute(context.Background(), ok)
	assert.ErrorIs(t, err, ErrOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), probes.Load())
	assert.Equal(t, Closed, b.State())
}

func TestBreakerIgnoresUncountedErrors(t *testing.T) {
	notFound := errors.New("not found")
	b := New("sync", Options{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, notFound) },
	})

	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return notFound })
	}
	assert.Equal(t, Closed, b.State())
}

func TestRegistryKeysByName(t *testing.T) {
	r := NewRegistry(Options{FailureThreshold: 1})

	_ = r.Execute(context.Background(), "budget", fail)
	assert.Equal(t, Open, r.Get("budget").State())
	assert.Equal(t, Closed, r.Get("import").State())
	assert.Same(t, r.Get("budget"), r.Get("budget"))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, Status{Name: "budget", State: "OPEN", Failures: 1}, snap[0])
	assert.Equal(t, "import", snap[1].Name)

	r.Reset()
	assert.Equal(t, Closed, r.Get("budget").State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", Closed.String())
	assert.Equal(t, "OPEN", Open.String())
	assert.Equal(t, "HALF_OPEN", HalfOpen.String())
}
