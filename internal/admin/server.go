// Package admin exposes a loopback HTTP endpoint the UI layer polls
// for queue diagnostics and uses to trigger explicit retries.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	fserrors "github.com/awheeler/fieldsync/internal/errors"
	"github.com/awheeler/fieldsync/internal/observe"
	"github.com/awheeler/fieldsync/internal/state"
)

// queueStore is the subset of the queue store the admin surface needs.
type queueStore interface {
	Events() []state.Event
	FailedEvents() []state.Event
	RetryEvent(id string) error
	RetryAllFailed() int
	ClearCompleted() int
	CompletedCount() int
}

// kicker triggers an immediate processing pass after a retry so the
// operator sees the result without waiting for the next tick.
type kicker interface {
	ProcessNow()
}

// Signals are the observable containers the host platform feeds
// through this endpoint. Either may be nil, which disables its route.
type Signals struct {
	Connectivity *observe.Value[observe.Connectivity]
	Lifecycle    *observe.Value[observe.LifecycleSignal]
}

// tokenSink receives the token pair produced by the host app's login
// flow, which lives outside this core.
type tokenSink interface {
	SetTokens(access, refresh string)
	SignedIn() bool
}

// Server serves the diagnostics API.
type Server struct {
	queue   queueStore
	proc    kicker
	signals Signals
	tokens  tokenSink
	logger  *slog.Logger
}

// NewServer creates the diagnostics server over the given queue. tokens
// may be nil, which disables the token-install route.
func NewServer(queue queueStore, proc kicker, signals Signals, tokens tokenSink, logger *slog.Logger) *Server {
	return &Server{queue: queue, proc: proc, signals: signals, tokens: tokens, logger: logger}
}

// Routes builds the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/queue/stats", s.handleStats)
	mux.HandleFunc("/queue/failed", s.handleFailed)
	mux.HandleFunc("/queue/retry", s.handleRetry)
	mux.HandleFunc("/queue/clear-completed", s.handleClearCompleted)

	if s.signals.Connectivity != nil {
		mux.HandleFunc("/signals/connectivity", s.handleConnectivity)
	}
	if s.signals.Lifecycle != nil {
		mux.HandleFunc("/signals/lifecycle", s.handleLifecycle)
	}
	if s.tokens != nil {
		mux.HandleFunc("/auth/tokens", s.handleTokens)
	}

	return mux
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("diagnostics server listening", slog.String("addr", addr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("diagnostics server error: %w", err)
	}

	return nil
}

type queueStats struct {
	Total          int `json:"total"`
	Pending        int `json:"pending"`
	Processing     int `json:"processing"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	TotalCompleted int `json:"totalCompleted"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var stats queueStats
	for _, ev := range s.queue.Events() {
		stats.Total++
		switch ev.Status {
		case state.StatusPending:
			stats.Pending++
		case state.StatusProcessing:
			stats.Processing++
		case state.StatusCompleted:
			stats.Completed++
		case state.StatusFailed:
			stats.Failed++
		}
	}
	stats.TotalCompleted = s.queue.CompletedCount()

	writeJSON(w, stats)
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	failed := s.queue.FailedEvents()
	if failed == nil {
		failed = []state.Event{}
	}

	writeJSON(w, failed)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		if err := s.queue.RetryEvent(id); err != nil {
			if errors.Is(err, fserrors.ErrEventNotFound) {
				http.Error(w, "event not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.proc.ProcessNow()
		writeJSON(w, map[string]int{"retried": 1})
		return
	}

	n := s.queue.RetryAllFailed()
	if n > 0 {
		s.proc.ProcessNow()
	}
	writeJSON(w, map[string]int{"retried": n})
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, map[string]int{"cleared": s.queue.ClearCompleted()})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var sig observe.Connectivity
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		http.Error(w, "invalid connectivity signal", http.StatusBadRequest)
		return
	}

	s.signals.Connectivity.Set(sig)
	s.logger.Debug("connectivity signal updated",
		slog.Bool("connected", sig.Connected),
		slog.Bool("reachable", sig.Reachable),
	)

	// Coming back online is the moment to drain the backlog.
	if sig.Online() {
		s.proc.ProcessNow()
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var sig observe.LifecycleSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		http.Error(w, "invalid lifecycle signal", http.StatusBadRequest)
		return
	}

	s.signals.Lifecycle.Set(sig)
	s.logger.Debug("lifecycle signal updated", slog.String("state", string(sig.State)))

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]bool{"signedIn": s.tokens.SignedIn()})

	case http.MethodPost:
		var pair struct {
			AccessToken  string `json:"accessToken"`
			RefreshToken string `json:"refreshToken"`
		}
		if err := json.NewDecoder(r.Body).Decode(&pair); err != nil || pair.AccessToken == "" {
			http.Error(w, "invalid token pair", http.StatusBadRequest)
			return
		}

		s.tokens.SetTokens(pair.AccessToken, pair.RefreshToken)
		s.logger.Info("token pair installed")

		// A sign-in usually means queued events can finally go out.
		s.proc.ProcessNow()

		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
