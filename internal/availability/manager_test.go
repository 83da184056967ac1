package availability

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/envsync/internal/connectivity"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func countingProbe(n *atomic.Int32, err error) Probe {
	return func(context.Context) error {
		n.Add(1)
		return err
	}
}

func TestCheckServiceCachesWithinTTL(t *testing.T) {
	var calls atomic.Int32
	clk := &clock{now: time.Unix(0, 0)}
	m := New(Options{
		Probes: map[string]Probe{"budget": countingProbe(&calls, nil)},
		TTL:    30 * time.Second,
		Now:    clk.Now,
		Logger: quietLogger(),
	})

	st := m.CheckService(context.Background(), "budget", false)
	assert.True(t, st.Available)

	clk.Advance(29 * time.Second)
	m.CheckService(context.Background(), "budget", false)
	assert.Equal(t, int32(1), calls.Load())

	clk.Advance(time.Second)
	m.CheckService(context.Background(), "budget", false)
	assert.Equal(t, int32(2), calls.Load())

	m.CheckService(context.Background(), "budget", true)
	assert.Equal(t, int32(3), calls.Load(), "force bypasses the cache")
}

func TestConcurrentChecksShareOneProbe(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	m := New(Options{
		Probes: map[string]Probe{"sync": func(context.Context) error {
			calls.Add(1)
			once.Do(func() { close(entered) })
			<-release
			return nil
		}},
		Logger: quietLogger(),
	})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Status, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.CheckService(context.Background(), "sync", false)
		}()
	}

	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, st := range results {
		assert.True(t, st.Available)
	}
}

func TestOfflineSkipsProbe(t *testing.T) {
	var calls atomic.Int32
	mon := connectivity.NewStatic(false)
	m := New(Options{
		Probes:  map[string]Probe{"sync": countingProbe(&calls, nil)},
		Monitor: mon,
		Logger:  quietLogger(),
	})

	st := m.CheckService(context.Background(), "sync", true)
	assert.False(t, st.Available)
	assert.Equal(t, "offline", st.Error)
	assert.Zero(t, calls.Load())

	mon.Set(true)
	st = m.CheckService(context.Background(), "sync", false)
	assert.True(t, st.Available, "an offline entry is not served once back online")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOfflineOverridesFreshCache(t *testing.T) {
	var calls atomic.Int32
	mon := connectivity.NewStatic(true)
	m := New(Options{
		Probes:  map[string]Probe{"sync": countingProbe(&calls, nil)},
		TTL:     time.Hour,
		Monitor: mon,
		Logger:  quietLogger(),
	})

	require.True(t, m.CheckService(context.Background(), "sync", false).Available)
	require.Equal(t, int32(1), calls.Load())

	// No Watch running: the cache still holds the online result.
	mon.Set(false)
	st := m.CheckService(context.Background(), "sync", false)
	assert.False(t, st.Available)
	assert.Equal(t, "offline", st.Error)
	assert.Equal(t, int32(1), calls.Load(), "no probe while offline")
}

func TestFailedProbeRecordsError(t *testing.T) {
	var calls atomic.Int32
	m := New(Options{
		Probes: map[string]Probe{"import": countingProbe(&calls, errors.New("http 503"))},
		Logger: quietLogger(),
	})

	st := m.CheckService(context.Background(), "import", false)
	assert.False(t, st.Available)
	assert.Equal(t, "http 503", st.Error)
	assert.False(t, m.IsAvailable(context.Background(), "import"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestUnknownService(t *testing.T) {
	m := New(Options{Logger: quietLogger()})
	st := m.CheckService(context.Background(), "payroll", false)
	assert.False(t, st.Available)
	assert.Contains(t, st.Error, "unknown service")
}

func TestCheckAllAndClear(t *testing.T) {
	var a, b atomic.Int32
	m := New(Options{
		Probes: map[string]Probe{
			"budget": countingProbe(&a, nil),
			"import": countingProbe(&b, errors.New("down")),
		},
		Logger: quietLogger(),
	})

	all := m.CheckAll(context.Background(), false)
	require.Len(t, all, 2)
	assert.True(t, all["budget"].Available)
	assert.False(t, all["import"].Available)
	assert.Len(t, m.Statuses(), 2)

	m.ClearService("budget")
	assert.Len(t, m.Statuses(), 1)
	m.CheckService(context.Background(), "budget", false)
	assert.Equal(t, int32(2), a.Load())

	m.Clear()
	assert.Empty(t, m.Statuses())
}

func TestCallerCancellationDoesNotAbortSharedProbe(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	m := New(Options{
		Probes: map[string]Probe{"sync": func(ctx context.Context) error {
			close(entered)
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		Logger: quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan Status, 1)
	go func() { first <- m.CheckService(ctx, "sync", false) }()
	<-entered

	second := make(chan Status, 1)
	go func() { second <- m.CheckService(context.Background(), "sync", false) }()

	cancel()
	assert.False(t, (<-first).Available)

	close(release)
	assert.True(t, (<-second).Available)
}

func TestWatchTransitions(t *testing.T) {
	var calls atomic.Int32
	mon := connectivity.NewStatic(true)
	m := New(Options{
		Probes:  map[string]Probe{"sync": countingProbe(&calls, nil)},
		Monitor: mon,
		Logger:  quietLogger(),
	})
	require.True(t, m.CheckService(context.Background(), "sync", false).Available)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Watch(ctx)
		close(done)
	}()
	// Subscription happens inside Watch; give it a moment.
	time.Sleep(20 * time.Millisecond)

	mon.Set(false)
	require.Eventually(t, func() bool {
		st := m.Statuses()
		return len(st) == 1 && !st[0].Available && st[0].Error == "offline"
	}, time.Second, 5*time.Millisecond)

	mon.Set(true)
	require.Eventually(t, func() bool {
		st := m.Statuses()
		return calls.Load() == 2 && len(st) == 1 && st[0].Available
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
