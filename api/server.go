package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"track-record-engine/audit"
	"track-record-engine/auth"
	"track-record-engine/handlers"
	"track-record-engine/ladder"
	"track-record-engine/metrics"
	"track-record-engine/proof"
	"track-record-engine/storage"
)

// Dependencies are the services the API exposes. Broker and Gateway are
// optional.
type Dependencies struct {
	Instances storage.InstanceStore
	Reader    storage.ChainReader
	Ingestor  handlers.Ingester
	Audit     *audit.Service
	Proofs    *proof.Generator
	Keys      storage.KeyStore
	Evidence  storage.EvidenceStore
	Ladder    *ladder.Service
	Terminals *auth.TerminalAuth
	Broker    http.Handler
	Gateway   http.Handler
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	ShareTTL  time.Duration
	// Ping reports backing store health for /health.
	Ping func(ctx context.Context) error
}

// Server handles HTTP API requests
type Server struct {
	deps   Dependencies
	logger zerolog.Logger
	now    func() time.Time
}

// NewServer creates a new API server instance
func NewServer(deps Dependencies) *Server {
	return &Server{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "api").Logger(),
		now:    time.Now,
	}
}

// Handler builds the routed handler with middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())

	// Instances and ledger reads
	mux.HandleFunc("POST /api/v1/instances", s.handleCreateInstance)
	mux.HandleFunc("GET /api/v1/instances/{id}", s.handleGetInstance)
	mux.HandleFunc("GET /api/v1/instances/{id}/state", s.handleGetState)
	mux.HandleFunc("GET /api/v1/instances/{id}/events", s.handleListEvents)

	// Terminal write path
	mux.Handle("POST /api/v1/ingest", s.deps.Terminals.Middleware(http.HandlerFunc(s.handleIngest)))
	mux.Handle("GET /api/v1/terminal/state", s.deps.Terminals.Middleware(http.HandlerFunc(s.handleTerminalState)))
	if s.deps.Gateway != nil {
		mux.Handle("GET /api/v1/terminal/ws", s.deps.Gateway)
	}

	// Verification
	mux.HandleFunc("GET /api/v1/instances/{id}/verify", s.handleVerify)
	mux.HandleFunc("GET /api/v1/instances/{id}/rebuild", s.handleRebuild)

	// Proof bundles and key registry
	mux.HandleFunc("POST /api/v1/instances/{id}/proofs", s.handleExportProof)
	mux.HandleFunc("GET /api/v1/proofs/{bundleId}", s.handleOpenProof)
	mux.HandleFunc("DELETE /api/v1/proofs/{bundleId}", s.handleRevokeProof)
	mux.HandleFunc("POST /api/v1/proofs/verify", s.handleVerifyProof)
	mux.HandleFunc("GET /api/v1/keys", s.handleListKeys)

	// Trust ladder and its evidence
	mux.HandleFunc("GET /api/v1/instances/{id}/ladder", s.handleLadder)
	mux.HandleFunc("GET /api/v1/ladder/thresholds", s.handleThresholds)
	mux.HandleFunc("PUT /api/v1/instances/{id}/backtest", s.handlePutBacktest)
	mux.HandleFunc("POST /api/v1/instances/{id}/health", s.handleRecordHealth)

	if s.deps.Broker != nil {
		mux.Handle("GET /api/v1/stream", s.deps.Broker)
	}

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int, readTimeout, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:        fmt.Sprintf("0.0.0.0:%d", port),
		Handler:     s.Handler(),
		ReadTimeout: readTimeout,
		// SSE and websocket responses outlive any write timeout; handlers
		// that need one set their own deadlines.
		WriteTimeout: 0,
		IdleTimeout:  2 * writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("API server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		s.logger.Info().Msg("API server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// Middleware
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// statusRecorder keeps the streaming and hijacking abilities of the wrapped
// writer, which the SSE feed and the terminal gateway need.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Handlers are distributed across multiple files:
// - handlers_ledger.go: instances, ingestion, state and events
// - handlers_audit.go: chain verification and state rebuild
// - handlers_proofs.go: proof bundles and the public key registry
// - handlers_ladder.go: trust ladder and its evidence
