// Package daemon provides the long-running background sync service.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/theirongolddev/envsync/internal/availability"
	"github.com/theirongolddev/envsync/internal/breaker"
	"github.com/theirongolddev/envsync/internal/connectivity"
	"github.com/theirongolddev/envsync/internal/remote"
	"github.com/theirongolddev/envsync/internal/syncer"
)

// Trigger reasons.
const (
	TriggerStartup      = "startup"
	TriggerInterval     = "interval"
	TriggerLocalChange  = "local_change"
	TriggerRemoteChange = "remote_change"
	TriggerReconnect    = "reconnect"
	TriggerManual       = "manual"
)

// Syncer runs one reconciliation. *syncer.Orchestrator implements it.
type Syncer interface {
	Run(ctx context.Context) (syncer.Result, error)
	LastResult() syncer.Result
	LastSyncedAt() time.Time
}

// Config controls the daemon runtime behavior.
type Config struct {
	BudgetID     string
	DBPath       string
	Interval     time.Duration
	Debounce     time.Duration
	Addr         string
	EventsBuffer int

	// WatchLocal syncs shortly after the local database changes on disk.
	WatchLocal bool
	// Feed subscribes to remote change notifications. Nil disables remote triggers.
	Feed func(ctx context.Context) (<-chan remote.Notification, error)

	Monitor      connectivity.Monitor
	Breakers     *breaker.Registry
	Availability *availability.Manager
	Logger       *log.Logger
}

// Event is emitted for every sync run and every observed trigger.
type Event struct {
	ID           int64                `json:"id"`
	Type         string               `json:"type"`
	Timestamp    time.Time            `json:"timestamp"`
	Trigger      string               `json:"trigger,omitempty"`
	Result       *syncer.Result       `json:"result,omitempty"`
	Online       *bool                `json:"online,omitempty"`
	Notification *remote.Notification `json:"notification,omitempty"`
}

// Status is served at /v1/status.
type Status struct {
	StartedAt       time.Time             `json:"started_at"`
	BudgetID        string                `json:"budget_id"`
	LastRunAt       time.Time             `json:"last_run_at"`
	LastSyncedAt    time.Time             `json:"last_synced_at"`
	LastResult      syncer.Result         `json:"last_result"`
	IntervalSec     int                   `json:"interval_sec"`
	RunCount        int64                 `json:"run_count"`
	Online          bool                  `json:"online"`
	Breakers        []breaker.Status      `json:"breakers,omitempty"`
	Services        []availability.Status `json:"services,omitempty"`
	LastError       string                `json:"last_error,omitempty"`
	EventCount      int                   `json:"event_count"`
	SubscriberCount int                   `json:"subscriber_count"`
}

// Service provides the daemon runtime and HTTP API.
type Service struct {
	cfg  Config
	sync Syncer
	log  *log.Logger

	triggers chan string
	syncing  atomic.Bool

	mu          sync.RWMutex
	startedAt   time.Time
	lastRunAt   time.Time
	runCount    int64
	lastError   string
	nextEventID int64
	events      []Event

	nextSubID int
	subs      map[int]chan Event
}

// New returns a new daemon service with the provided config.
func New(cfg Config, s Syncer) *Service {
	if cfg.Interval < 2*time.Second {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.EventsBuffer < 1 {
		cfg.EventsBuffer = 200
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8787"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	return &Service{
		cfg:       cfg,
		sync:      s,
		log:       logger,
		triggers:  make(chan string, 16),
		startedAt: time.Now(),
		subs:      make(map[int]chan Event),
	}
}

// Handler returns the daemon HTTP API.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/stream", s.handleStream)
	mux.HandleFunc("POST /v1/sync", s.handleSync)
	return mux
}

// Run starts HTTP endpoints, triggers and the sync loop until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var wg sync.WaitGroup
	loopCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()
	s.startWatchers(loopCtx, &wg)

	s.syncOnce(ctx, TriggerStartup)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var (
		debounce *time.Timer
		fire     <-chan time.Time
		reason   string
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case <-ticker.C:
			s.syncOnce(ctx, TriggerInterval)
		case r := <-s.triggers:
			reason = r
			if debounce == nil {
				debounce = time.NewTimer(s.cfg.Debounce)
			} else {
				debounce.Reset(s.cfg.Debounce)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			s.syncOnce(ctx, reason)
		case err := <-errCh:
			return fmt.Errorf("daemon http server: %w", err)
		}
	}
}

func (s *Service) startWatchers(ctx context.Context, wg *sync.WaitGroup) {
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	if s.cfg.WatchLocal && s.cfg.DBPath != "" {
		start(s.watchLocal)
	}
	if s.cfg.Feed != nil {
		start(s.watchRemote)
	}
	if s.cfg.Monitor != nil {
		start(s.watchConnectivity)
		if s.cfg.Availability != nil {
			start(s.cfg.Availability.Watch)
		}
	}
}

// trigger schedules a debounced sync. Triggers beyond the buffer are dropped
// since one pending sync covers them all.
func (s *Service) trigger(reason string) {
	select {
	case s.triggers <- reason:
	default:
	}
}

func (s *Service) syncOnce(ctx context.Context, reason string) syncer.Result {
	s.syncing.Store(true)
	res, err := s.sync.Run(ctx)
	s.syncing.Store(false)

	s.mu.Lock()
	s.lastRunAt = time.Now()
	s.runCount++
	switch {
	case err != nil:
		s.lastError = err.Error()
	case res.Error != "":
		s.lastError = res.Error
	default:
		s.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Printf("sync (%s) failed: %v", reason, err)
	} else if res.Status == syncer.Synced {
		s.log.Printf("sync (%s): pushed %d, pulled %d, version %s", reason, res.Pushed, res.Pulled, res.SyncVersion)
	}

	s.emit(Event{Type: "sync", Trigger: reason, Result: &res})
	return res
}

func (s *Service) watchConnectivity(ctx context.Context) {
	ch, unsubscribe := s.cfg.Monitor.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-ch:
			if !ok {
				return
			}
			s.emit(Event{Type: "connectivity", Online: &online})
			if online {
				s.trigger(TriggerReconnect)
			}
		}
	}
}

// emit stamps ev with the next id and publishes it.
func (s *Service) emit(ev Event) {
	s.mu.Lock()
	s.nextEventID++
	ev.ID = s.nextEventID
	s.mu.Unlock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.publishEvent(ev)
}

func (s *Service) publishEvent(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > s.cfg.EventsBuffer {
		s.events = s.events[len(s.events)-s.cfg.EventsBuffer:]
	}

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Service) snapshotStatus() Status {
	st := Status{
		BudgetID:     s.cfg.BudgetID,
		IntervalSec:  int(s.cfg.Interval.Seconds()),
		LastResult:   s.sync.LastResult(),
		LastSyncedAt: s.sync.LastSyncedAt(),
		Online:       true,
	}
	if s.cfg.Monitor != nil {
		st.Online = s.cfg.Monitor.Online()
	}
	if s.cfg.Breakers != nil {
		st.Breakers = s.cfg.Breakers.Snapshot()
	}
	if s.cfg.Availability != nil {
		st.Services = s.cfg.Availability.Statuses()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	st.StartedAt = s.startedAt
	st.LastRunAt = s.lastRunAt
	st.RunCount = s.runCount
	st.LastError = s.lastError
	st.EventCount = len(s.events)
	st.SubscriberCount = len(s.subs)
	return st
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.snapshotStatus())
}

func (s *Service) handleEvents(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(events)
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	res := s.syncOnce(r.Context(), TriggerManual)
	w.Header().Set("Content-Type", "application/json")
	if res.Status == syncer.Failed {
		w.WriteHeader(http.StatusBadGateway)
	}
	_ = json.NewEncoder(w).Encode(res)
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan Event, 16)
	id := s.addSubscriber(ch)
	defer s.removeSubscriber(id)

	// Send the last sync result immediately.
	last := s.sync.LastResult()
	writeSSE(w, Event{Type: "status", Timestamp: time.Now(), Result: &last})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if ev.ID > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", ev.ID)
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", ev.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *Service) addSubscriber(ch chan Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = ch
	return id
}

func (s *Service) removeSubscriber(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}
