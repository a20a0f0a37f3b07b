// Package server exposes the orchestrator over HTTP and a websocket stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/npcbrain/internal/config"
	"github.com/stellarlinkco/npcbrain/internal/gateway"
	"github.com/stellarlinkco/npcbrain/internal/logging"
	"github.com/stellarlinkco/npcbrain/internal/world"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// MaxBodyBytes caps a snapshot body or websocket frame.
const MaxBodyBytes = 1 << 20

const writeTimeout = 5 * time.Second

// Ticker is the part of the orchestrator the server drives.
type Ticker interface {
	Tick(ctx context.Context, snap *world.Snapshot) *gateway.Response
	Backend() string
}

type Server struct {
	addr   string
	ticker Ticker
	logger *zap.Logger

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener

	clients sync.Map
	nextID  atomic.Int64
}

type errorBody struct {
	Error string `json:"error"`
}

type healthBody struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	LLM     string `json:"llm"`
}

func New(cfg config.ServerConfig, t Ticker, logger *zap.Logger) *Server {
	port := cfg.Port
	if port == 0 {
		port = config.DefaultPort
	}
	return &Server{
		addr:   net.JoinHostPort(cfg.Host, fmt.Sprint(port)),
		ticker: t,
		logger: logging.OrNop(logger).Named("server"),
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agent/tick", s.handleTick)
	mux.HandleFunc("GET /api/agent/stream", s.handleStream)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.withRequestLog(mux)
}

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound listen address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests until ctx expires and closes open streams.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()

	s.clients.Range(func(_, value any) bool {
		value.(*websocket.Conn).CloseNow()
		return true
	})

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthBody{Status: "ok", Version: Version, LLM: s.ticker.Backend()})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "body exceeds 1 MiB"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "read body: " + err.Error()})
		return
	}

	snap, err := decodeSnapshot(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.ticker.Tick(r.Context(), snap))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(MaxBodyBytes)

	clientID := fmt.Sprintf("stream-%d", s.nextID.Add(1))
	s.clients.Store(clientID, conn)
	s.logger.Info("stream connected", zap.String("client", clientID))
	defer func() {
		s.clients.Delete(clientID)
		conn.CloseNow()
		s.logger.Info("stream disconnected", zap.String("client", clientID))
	}()

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var reply any
		snap, err := decodeSnapshot(data)
		if err != nil {
			reply = errorBody{Error: err.Error()}
		} else {
			reply = s.ticker.Tick(gateway.WithRequestID(ctx, uuid.NewString()), snap)
		}

		out, err := json.Marshal(reply)
		if err != nil {
			s.logger.Error("encode stream reply", zap.Error(err))
			return
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = conn.Write(wctx, websocket.MessageText, out)
		cancel()
		if err != nil {
			return
		}
	}
}

func decodeSnapshot(data []byte) (*world.Snapshot, error) {
	var snap world.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := world.Validate(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
