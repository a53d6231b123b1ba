// Package api exposes the engine over HTTP: JSON endpoints for every
// operation and query, plus a websocket feed of committed events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"basketbatch/internal/engine"
	"basketbatch/internal/logging"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Config holds the listener settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server serves the engine API.
type Server struct {
	engine   *engine.Engine
	cfg      Config
	upgrader websocket.Upgrader
	handler  http.Handler
}

// New builds a server for e. Nothing listens until Run.
func New(e *engine.Engine, cfg Config) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		engine: e,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.handler = s.withLogging(s.routes())
	return s
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Batch queue
	mux.HandleFunc("POST /mint", s.handleMint)
	mux.HandleFunc("POST /redeem", s.handleRedeem)
	mux.HandleFunc("POST /withdraw", s.handleWithdraw)
	mux.HandleFunc("POST /execute/{kind}", s.handleExecute)
	mux.HandleFunc("POST /claim", s.handleClaim)

	// Share vault
	mux.HandleFunc("POST /vault/deposit", s.handleVaultDeposit)
	mux.HandleFunc("POST /vault/withdraw", s.handleVaultWithdraw)
	mux.HandleFunc("POST /vault/report", s.handleVaultReport)

	// Zapper
	mux.HandleFunc("POST /zap/in", s.handleZapIn)
	mux.HandleFunc("POST /zap/out", s.handleZapOut)
	mux.HandleFunc("POST /zap/claim", s.handleZapClaim)

	// Governance
	mux.HandleFunc("POST /governance/fees", s.handleSetFeeRates)
	mux.HandleFunc("POST /governance/batch-params", s.handleSetBatchParams)

	// Queries
	mux.HandleFunc("GET /batches/{id}", s.handleGetBatch)
	mux.HandleFunc("GET /accounts/{addr}/batches", s.handleAccountBatches)
	mux.HandleFunc("GET /accounts/{addr}/vault", s.handleAccountVault)
	mux.HandleFunc("GET /cooldowns", s.handleCooldowns)
	mux.HandleFunc("GET /times", s.handleTimes)
	mux.HandleFunc("GET /vault", s.handleVault)
	mux.HandleFunc("GET /preview/{kind}", s.handlePreview)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /ws/events", s.handleFeed)

	return mux
}

// Run listens on cfg.Addr until ctx is done, then shuts down gracefully.
// Open websocket feeds end with ctx.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.API("listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		logging.API("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.APIDebug("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryAPI).Warn("failed to encode response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	code, kind := classify(err)
	if code >= http.StatusInternalServerError {
		logging.Get(logging.CategoryAPI).Error("request failed: %v", err)
	}
	s.sendJSON(w, code, ErrorResponse{Error: err.Error(), Kind: kind})
}

// decode reads a JSON body into v. An empty body leaves v untouched when
// optional is set.
func decode(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}
