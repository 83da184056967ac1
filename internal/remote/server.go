package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/theirongolddev/envsync/internal/codec"
)

const maxUploadSize = 64 << 20 // 64 MB

// Server is the reference sync backend HTTP handler.
type Server struct {
	backend Backend
	logger  *log.Logger
	now     func() time.Time

	mux *http.ServeMux

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Notification
}

// NewServer wires the backend routes.
func NewServer(backend Backend, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	s := &Server{
		backend: backend,
		logger:  logger,
		now:     time.Now,
		mux:     http.NewServeMux(),
		subs:    make(map[string]map[int]chan Notification),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/budgets/{id}", s.handleGet)
	s.mux.HandleFunc("PUT /v1/budgets/{id}", s.handlePut)
	s.mux.HandleFunc("GET /v1/budgets/{id}/chunks", s.handleChunks)
	s.mux.HandleFunc("GET /v1/budgets/{id}/watch", s.handleWatch)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", codec.ContentTypeJSON)
	_, _ = w.Write([]byte(`{"ok":true}` + "\n"))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if validateID(id) != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_budget_id", "budget id is required")
		return
	}
	doc, err := s.backend.Main(r.Context(), id)
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusOK, doc)
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if validateID(id) != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_budget_id", "budget id is required")
		return
	}
	chunks, err := s.backend.Chunks(r.Context(), id)
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	if chunks == nil {
		chunks = []ChunkDoc{}
	}
	writeBody(w, r, http.StatusOK, chunks)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if validateID(id) != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_budget_id", "budget id is required")
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize+1))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "read_failed", err.Error())
		return
	}
	if len(data) > maxUploadSize {
		writeError(w, r, http.StatusRequestEntityTooLarge, "too_large", "snapshot exceeds upload limit")
		return
	}

	var doc Document
	if err := codec.Unmarshal(codec.FormatFor(r.Header.Get("Content-Type")), data, &doc); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed_document", err.Error())
		return
	}
	if doc.SyncVersion == "" || len(doc.Main) == 0 {
		writeError(w, r, http.StatusBadRequest, "malformed_document", "syncVersion and main are required")
		return
	}
	for _, c := range doc.Chunks {
		if c.ID == "" || c.SyncVersion != doc.SyncVersion {
			writeError(w, r, http.StatusBadRequest, "malformed_document", "chunk "+c.ID+" does not belong to this version")
			return
		}
	}
	doc.BudgetID = id
	doc.UpdatedAt = s.now().UTC()

	if err := s.backend.Put(r.Context(), doc); err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	s.logger.Printf("stored %s version %s (%d chunks) from %q", id, doc.SyncVersion, len(doc.Chunks), doc.Actor)

	n := Notification{BudgetID: id, SyncVersion: doc.SyncVersion, Actor: doc.Actor, UpdatedAt: doc.UpdatedAt}
	s.publish(n)
	writeBody(w, r, http.StatusOK, n)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if validateID(id) != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_budget_id", "budget id is required")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ch, cancel := s.subscribe(id)
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-ch:
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) subscribe(budgetID string) (<-chan Notification, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	ch := make(chan Notification, 16)
	if s.subs[budgetID] == nil {
		s.subs[budgetID] = make(map[int]chan Notification)
	}
	s.subs[budgetID][id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[budgetID], id)
		if len(s.subs[budgetID]) == 0 {
			delete(s.subs, budgetID)
		}
	}
}

// Watchers returns the number of open change-feed subscriptions for budgetID.
func (s *Server) Watchers(budgetID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[budgetID])
}

func (s *Server) publish(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[n.BudgetID] {
		select {
		case ch <- n:
		default:
		}
	}
}

func (s *Server) writeBackendError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "no snapshot for budget")
	case errors.Is(err, ErrConflict):
		writeError(w, r, http.StatusConflict, "version_conflict", "snapshot changed since base version")
	case errors.Is(err, ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
	default:
		s.logger.Printf("backend error: %v", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "backend failure")
	}
}

func writeBody(w http.ResponseWriter, r *http.Request, status int, v any) {
	format := codec.FormatFor(r.Header.Get("Accept"))
	data, err := codec.Marshal(format, v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeBody(w, r, status, map[string]string{"code": code, "message": message})
}
