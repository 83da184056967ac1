// Package connectivity reports whether the host is online and announces
// online/offline transitions.
package connectivity

import (
	"context"
	"net"
	"sync"
	"time"
)

// Monitor exposes the current connectivity state and its transitions.
type Monitor interface {
	Online() bool
	// Subscribe returns a channel that receives the new state on every
	// transition and a func that ends the subscription.
	Subscribe() (<-chan bool, func())
}

// hub fans transitions out to subscribers.
type hub struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]chan bool
}

func newHub(online bool) *hub {
	return &hub{online: online, subs: make(map[int]chan bool)}
}

func (h *hub) Online() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online
}

func (h *hub) Subscribe() (<-chan bool, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	ch := make(chan bool, 4)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// set records state and reports whether it changed.
func (h *hub) set(online bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.online == online {
		return false
	}
	h.online = online
	for _, ch := range h.subs {
		select {
		case ch <- online:
		default:
		}
	}
	return true
}

// Static is a monitor driven by explicit Set calls.
type Static struct {
	*hub
}

// NewStatic returns a monitor that starts in the given state.
func NewStatic(online bool) *Static {
	return &Static{hub: newHub(online)}
}

// Set changes the state, notifying subscribers on a transition.
func (s *Static) Set(online bool) {
	s.set(online)
}

// Prober decides connectivity by dialing a TCP address on an interval.
type Prober struct {
	*hub
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewProber returns a prober for addr ("host:port"). It assumes online until
// the first probe says otherwise.
func NewProber(addr string, interval, timeout time.Duration) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := &net.Dialer{}
	return &Prober{
		hub:      newHub(true),
		addr:     addr,
		interval: interval,
		timeout:  timeout,
		dial:     d.DialContext,
	}
}

// Check probes once and updates the state.
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dial(ctx, "tcp", p.addr)
	online := err == nil
	if conn != nil {
		_ = conn.Close()
	}
	p.set(online)
	return online
}

// Run probes until ctx is canceled.
func (p *Prober) Run(ctx context.Context) {
	p.Check(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
