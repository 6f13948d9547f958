// Package httpd implements the callback HTTP server.
//
// Notification channels that can reach back over HTTP (webhook relays,
// shortcut apps, a phone browser) resolve pending approvals here. The server
// binds to loopback only; anything that can reach it is already on the box,
// so there is no auth beyond that.
//
// Endpoints:
//
//	GET  /health           → {"status":"ok"}
//	GET  /history?limit=N  → recent resolved requests (newest first)
//	POST /callback         → {"requestId","approved"} → {"ok":true,"resolved":bool}
//	POST /channel-callback → {"callback_data":"ag:approve:<id>"} → {"ok":true,"resolved":bool}
package httpd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rudenavuud/agent-gate/internal/gate/channel"
	"github.com/rudenavuud/agent-gate/internal/gate/history"
	"github.com/rudenavuud/agent-gate/internal/gate/pending"
)

// Server is the loopback callback server.
type Server struct {
	addr     string
	registry *pending.Registry
	// history is optional; nil turns GET /history into a 404.
	history *history.Store
	server  *http.Server
}

// New creates a Server listening on 127.0.0.1:port.
func New(port int, registry *pending.Registry, hist *history.Store) *Server {
	s := &Server{
		addr:     fmt.Sprintf("127.0.0.1:%d", port),
		registry: registry,
		history:  hist,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/callback", s.handleCallback)
	mux.HandleFunc("/channel-callback", s.handleChannelCallback)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// corsMiddleware answers preflight requests and marks every response as
// cross-origin readable, so browser-based approval pages work without a
// same-origin proxy.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins listening. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("callback listen %s: %w", s.addr, err)
	}
	slog.Info("callback server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("callback server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.server.Shutdown(context.Background())
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"pending": s.registry.Snapshot(),
	})
}

// CallbackRequest is the body for POST /callback.
type CallbackRequest struct {
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
}

// CallbackResponse reports whether the callback resolved a pending request.
// Resolved is false when the request already timed out or was resolved by
// another channel; that is a no-op, not an error.
type CallbackResponse struct {
	OK       bool `json:"ok"`
	Resolved bool `json:"resolved"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.RequestID == "" {
		writeError(w, http.StatusBadRequest, "requestId is required")
		return
	}

	resolved := s.registry.Resolve(req.RequestID, req.Approved)
	slog.Info("callback received", "request", req.RequestID, "approved", req.Approved, "resolved", resolved)
	writeJSON(w, http.StatusOK, CallbackResponse{OK: true, Resolved: resolved})
}

// ChannelCallbackRequest is the body for POST /channel-callback. It carries
// the opaque callback-data string a notification channel echoes back, e.g.
// "ag:approve:3f2a6c80d91e4b07".
type ChannelCallbackRequest struct {
	CallbackData string `json:"callback_data"`
}

func (s *Server) handleChannelCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ChannelCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	id, approved, err := channel.ParseCallbackData(req.CallbackData)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resolved := s.registry.Resolve(id, approved)
	slog.Info("channel callback received", "request", id, "approved", approved, "resolved", resolved)
	writeJSON(w, http.StatusOK, CallbackResponse{OK: true, Resolved: resolved})
}

// historyLimit caps GET /history page size.
const historyLimit = 200

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		http.Error(w, "history not enabled", http.StatusNotFound)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > historyLimit {
		limit = historyLimit
	}

	entries, err := s.history.List(r.Context(), limit)
	if err != nil {
		slog.Error("history query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// TestHandler exposes the server's HTTP handler for use in httptest.NewServer.
// This is only intended for tests.
func (s *Server) TestHandler() http.Handler {
	return s.server.Handler
}
