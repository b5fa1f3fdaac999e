// Package server exposes the host's control plane: task operations,
// mediation responses, and a server-sent-events feed of everything the
// scheduler forwards.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sevir/escolta/internal/mediation"
	"github.com/sevir/escolta/internal/scheduler"
	"github.com/sevir/escolta/internal/store"
	"github.com/sevir/escolta/pkg/models"
)

// Config holds server configuration.
type Config struct {
	Addr      string
	Scheduler *scheduler.Scheduler
	Mediation *mediation.Server
	Store     store.Store
	Version   string
	Commit    string
}

// Server is the control-plane HTTP server.
type Server struct {
	scheduler *scheduler.Scheduler
	mediation *mediation.Server
	store     store.Store
	addr      string
	version   string
	commit    string

	httpServer  *http.Server
	subscribers map[string]chan []byte
	subMu       sync.RWMutex
}

// New creates a control-plane server.
func New(cfg Config) *Server {
	s := &Server{
		scheduler:   cfg.Scheduler,
		mediation:   cfg.Mediation,
		store:       cfg.Store,
		addr:        cfg.Addr,
		version:     cfg.Version,
		commit:      cfg.Commit,
		subscribers: make(map[string]chan []byte),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.corsMiddleware(s.newEngine()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No timeout for SSE
	}

	return s
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("server_event=starting addr=%s", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.subMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subMu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

// TaskSink returns the event sink the scheduler should use for a task:
// every event is broadcast to the SSE feed.
func (s *Server) TaskSink() models.EventSink {
	return func(ev models.Event) {
		s.Broadcast(ev)
	}
}

// Broadcast fans an event out to every SSE subscriber. Slow consumers
// are skipped, never blocked on.
func (s *Server) Broadcast(ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("server_event=marshal_failed type=%s err=%v", ev.Type, err)
		return
	}

	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- data:
		default:
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	id := uuid.New().String()
	ch := make(chan []byte, 100)
	s.subMu.Lock()
	s.subscribers[id] = ch
	s.subMu.Unlock()

	defer func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}()

	fmt.Fprintf(w, "event: connected\ndata: {\"subscriberId\":%q}\n\n", id)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
