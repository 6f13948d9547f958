// Package sockd implements the agent-facing transport: a unix domain socket
// speaking newline-delimited JSON.
//
// Each connected agent sends one JSON object per line and receives exactly
// one JSON line in reply, in request order. A connection survives malformed
// input: bad JSON or an unknown action earns an error line, not a hangup.
// Gated reads hold their line open until the approval resolves, so an agent
// that wants concurrent reads opens concurrent connections.
//
// Requests:
//
//	{"action":"read","uri":"op://vault/item/field","reason":"..."} → {"value":"..."} | {"error":"..."}
//	{"action":"ping"}   → {"status":"ok","pending":N}
//	{"action":"status"} → StatusResponse
package sockd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/rudenavuud/agent-gate/common/trace"
	"github.com/rudenavuud/agent-gate/internal/gate/broker"
)

// maxLineBytes caps a single request line to prevent memory exhaustion from
// a misbehaving agent.
const maxLineBytes = 64 * 1024 // 64 KiB

// Service is the broker surface the transport needs.
type Service interface {
	Read(ctx context.Context, uri, reason string) (string, error)
	Status() broker.Status
	Pending() int
}

// Request is one line from the agent.
type Request struct {
	Action string `json:"action"`
	URI    string `json:"uri,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// PingResponse is returned for the ping action.
type PingResponse struct {
	Status  string `json:"status"`
	Pending int    `json:"pending"`
}

// StatusResponse is returned for the status action.
type StatusResponse struct {
	Status        string   `json:"status"`
	Pending       int      `json:"pending"`
	CacheSize     int      `json:"cacheSize"`
	UptimeSeconds int      `json:"uptimeSeconds"`
	Channels      []string `json:"channels"`
	Provider      string   `json:"provider"`
}

// Server accepts agent connections on a unix socket.
type Server struct {
	path    string
	service Service

	mu sync.Mutex
	ln net.Listener
}

// New creates a Server listening at the given socket path.
func New(path string, service Service) *Server {
	return &Server{path: path, service: service}
}

// Start binds the socket and begins accepting connections. It returns once
// the listener is bound so callers can immediately connect. A stale socket
// file from a previous run is removed first; the live socket is opened to
// all local users (callers are gated by approval, not by socket perms).
func (s *Server) Start(ctx context.Context) error {
	// A leftover socket from an unclean shutdown would fail the bind.
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.path, err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("socket listen %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o666); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	slog.Info("socket server listening", "path", s.path)

	go s.acceptLoop(ctx, ln)
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop closes the listener and removes the socket file. Connections that are
// mid-request finish on their own when the broker resolves them.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
		os.Remove(s.path)
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("socket accept failed", "err", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn serves one agent connection: requests are processed strictly in
// arrival order, one reply line per request line.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	slog.Debug("agent connected", "conn", connID)

	enc := json.NewEncoder(conn)
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeError(enc, connID, "Invalid JSON")
			continue
		}

		reqCtx := trace.WithTraceID(ctx, trace.GenerateID())
		s.handleRequest(reqCtx, enc, connID, req)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		slog.Debug("agent connection read error", "conn", connID, "err", err)
	}
	slog.Debug("agent disconnected", "conn", connID)
}

func (s *Server) handleRequest(ctx context.Context, enc *json.Encoder, connID string, req Request) {
	switch req.Action {
	case "read":
		value, err := s.service.Read(ctx, req.URI, req.Reason)
		if err != nil {
			slog.Info("read refused", "conn", connID, "uri", req.URI, "err", err)
			s.writeError(enc, connID, err.Error())
			return
		}
		s.writeReply(enc, connID, map[string]string{"value": value})

	case "ping":
		s.writeReply(enc, connID, PingResponse{
			Status:  "ok",
			Pending: s.service.Pending(),
		})

	case "status":
		st := s.service.Status()
		channels := st.Channels
		if channels == nil {
			channels = []string{}
		}
		s.writeReply(enc, connID, StatusResponse{
			Status:        "running",
			Pending:       st.Pending,
			CacheSize:     st.CacheSize,
			UptimeSeconds: st.UptimeSeconds,
			Channels:      channels,
			Provider:      st.Provider,
		})

	default:
		s.writeError(enc, connID, fmt.Sprintf("Unknown action: %s", req.Action))
	}
}

func (s *Server) writeReply(enc *json.Encoder, connID string, body any) {
	if err := enc.Encode(body); err != nil {
		slog.Debug("socket write failed", "conn", connID, "err", err)
	}
}

func (s *Server) writeError(enc *json.Encoder, connID, msg string) {
	s.writeReply(enc, connID, map[string]string{"error": msg})
}
