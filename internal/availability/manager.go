// Package availability tracks whether backend services are reachable. Health
// results are cached for a TTL, concurrent checks for one service share a
// single probe, and connectivity transitions reset or short-circuit the cache.
package availability

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/theirongolddev/envsync/internal/connectivity"
)

// Probe checks one service. A nil error means the service is available.
type Probe func(ctx context.Context) error

// Status is the last known availability of one service.
type Status struct {
	Service   string        `json:"service"`
	Available bool          `json:"available"`
	CheckedAt time.Time     `json:"checked_at"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
}

// Options configures a Manager.
type Options struct {
	Probes       map[string]Probe
	TTL          time.Duration
	ProbeTimeout time.Duration
	Monitor      connectivity.Monitor
	Now          func() time.Time
	Logger       *log.Logger
}

const (
	defaultTTL          = 30 * time.Second
	defaultProbeTimeout = 5 * time.Second
	offlineReason       = "offline"
)

// Manager caches service availability.
type Manager struct {
	opts   Options
	logger *log.Logger

	mu    sync.Mutex
	cache map[string]Status

	group singleflight.Group
}

// New returns a manager with an empty cache.
func New(opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[availability] ", log.LstdFlags)
	}
	return &Manager{opts: opts, logger: logger, cache: make(map[string]Status)}
}

// Services returns the registered service names, sorted.
func (m *Manager) Services() []string {
	names := make([]string, 0, len(m.opts.Probes))
	for name := range m.opts.Probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckService returns the availability of name. While offline it reports
// unavailable without probing or consulting the cache. Otherwise a fresh
// cached result is returned as is unless force is set. Concurrent
// callers for the same name share one probe.
func (m *Manager) CheckService(ctx context.Context, name string, force bool) Status {
	now := m.opts.Now()

	// Offline wins over any cached result, fresh or not.
	if m.opts.Monitor != nil && !m.opts.Monitor.Online() {
		st := Status{Service: name, CheckedAt: now, Error: offlineReason}
		m.store(st)
		return st
	}

	if !force {
		if st, ok := m.cached(name, now); ok && st.Error != offlineReason {
			return st
		}
	}

	probe, ok := m.opts.Probes[name]
	if !ok {
		return Status{Service: name, CheckedAt: now, Error: fmt.Sprintf("unknown service %q", name)}
	}

	ch := m.group.DoChan(name, func() (any, error) {
		return m.runProbe(ctx, name, probe), nil
	})
	select {
	case res := <-ch:
		return res.Val.(Status)
	case <-ctx.Done():
		return Status{Service: name, CheckedAt: m.opts.Now(), Error: ctx.Err().Error()}
	}
}

// runProbe is detached from the first caller's cancellation so that other
// waiters still get a result.
func (m *Manager) runProbe(ctx context.Context, name string, probe Probe) Status {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ProbeTimeout)
	defer cancel()

	start := m.opts.Now()
	err := probe(pctx)
	st := Status{
		Service:   name,
		Available: err == nil,
		CheckedAt: m.opts.Now(),
		Latency:   m.opts.Now().Sub(start),
	}
	if err != nil {
		st.Error = err.Error()
		m.logger.Printf("%s unavailable: %v", name, err)
	}
	m.store(st)
	return st
}

// IsAvailable is CheckService reduced to a bool.
func (m *Manager) IsAvailable(ctx context.Context, name string) bool {
	return m.CheckService(ctx, name, false).Available
}

// CheckAll checks every registered service concurrently.
func (m *Manager) CheckAll(ctx context.Context, force bool) map[string]Status {
	names := m.Services()
	results := make([]Status, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			results[i] = m.CheckService(ctx, name, force)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Status, len(names))
	for _, st := range results {
		out[st.Service] = st
	}
	return out
}

// Statuses returns every cached status, sorted by service name.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.cache))
	for _, st := range m.cache {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Clear empties the cache.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]Status)
}

// ClearService drops the cached status for name.
func (m *Manager) ClearService(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, name)
}

// Watch follows connectivity transitions until ctx ends. Going offline marks
// every service unavailable; coming back online clears the cache and
// re-checks everything.
func (m *Manager) Watch(ctx context.Context) {
	if m.opts.Monitor == nil {
		return
	}
	ch, cancel := m.opts.Monitor.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-ch:
			if !ok {
				return
			}
			if online {
				m.logger.Printf("connectivity restored, re-checking services")
				m.Clear()
				m.CheckAll(ctx, true)
			} else {
				m.logger.Printf("connectivity lost")
				m.markOffline()
			}
		}
	}
}

func (m *Manager) markOffline() {
	now := m.opts.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.opts.Probes {
		m.cache[name] = Status{Service: name, CheckedAt: now, Error: offlineReason}
	}
}

func (m *Manager) cached(name string, now time.Time) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.cache[name]
	if !ok || now.Sub(st.CheckedAt) >= m.opts.TTL {
		return Status{}, false
	}
	return st, true
}

func (m *Manager) store(st Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[st.Service] = st
}
