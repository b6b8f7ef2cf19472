package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"settlechain/core"
	"settlechain/core/events"
	"settlechain/observability"
	"settlechain/observability/logging"
)

const (
	defaultMaxRequestBytes = 1 << 20
	defaultEventLimit      = 100
	maxEventLimit          = 1000
	shutdownTimeout        = 10 * time.Second
)

// EventSource answers escrow_listEvents. The in-memory recorder and the
// persistent event store both satisfy it.
type EventSource interface {
	Query(ctx context.Context, q events.Query) ([]events.Record, error)
}

// ServerConfig tunes the JSON-RPC server. Zero values select defaults.
type ServerConfig struct {
	MaxBodyBytes      int64
	RateLimitPerSec   float64
	RateLimitBurst    int
	JWTSecret         string
	JWTIssuer         string
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	// Events backs escrow_listEvents; the recorder is used when nil.
	Events EventSource
	Logger *slog.Logger
}

type Server struct {
	node     *core.Node
	recorder *events.Recorder
	events   EventSource
	cfg      ServerConfig
	auth     *authenticator
	limiter  *clientLimiter
	logger   *slog.Logger
	metrics  interface {
		Observe(module, method string, status int, duration time.Duration)
	}
}

type requestIDKey struct{}

// NewServer wires the JSON-RPC surface of node. recorder feeds the websocket
// stream and, without a configured archive, escrow_listEvents.
func NewServer(node *core.Node, recorder *events.Recorder, cfg ServerConfig) (*Server, error) {
	if node == nil {
		return nil, fmt.Errorf("rpc: node required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("rpc: event recorder required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxRequestBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	source := cfg.Events
	if source == nil {
		source = recorder
	}
	return &Server{
		node:     node,
		recorder: recorder,
		events:   source,
		cfg:      cfg,
		auth:     newAuthenticator(cfg.JWTSecret, cfg.JWTIssuer),
		limiter:  newClientLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
		logger:   logger.With("component", "rpc"),
		metrics:  observability.ModuleMetrics(),
	}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(sr chi.Router) {
		sr.Use(s.limiter.middleware)
		sr.Post("/", s.handle)
		sr.Get("/ws/events", s.handleEventsWS)
	})
	return otelhttp.NewHandler(r, "settled.rpc")
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting JSON-RPC server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("rpc: shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxBodyBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.dispatch(rec, r, req)
	s.metrics.Observe(moduleOf(req.Method), req.Method, rec.status, time.Since(start))
	s.logger.Debug("rpc request",
		"requestId", requestIDFrom(r.Context()),
		"method", req.Method,
		"status", rec.status,
		"duration", time.Since(start))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "escrow_sendTransaction":
		if authErr := s.auth.requireAuth(r); authErr != nil {
			s.logger.Warn("transaction rejected by auth",
				"requestId", requestIDFrom(r.Context()),
				"reason", authErr.Message,
				logging.MaskField("authorization", r.Header.Get("Authorization")))
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleSendTransaction(w, r, req)
	case "escrow_get":
		s.handleEscrowGet(w, r, req)
	case "escrow_getCounter":
		s.handleEscrowGetCounter(w, r, req)
	case "escrow_getFeeRate":
		s.handleEscrowGetFeeRate(w, r, req)
	case "escrow_calculateFee":
		s.handleEscrowCalculateFee(w, r, req)
	case "escrow_isExpired":
		s.handleEscrowIsExpired(w, r, req)
	case "escrow_statusString":
		s.handleEscrowStatusString(w, r, req)
	case "escrow_listEvents":
		s.handleEscrowListEvents(w, r, req)
	case "escrow_getVault":
		s.handleEscrowGetVault(w, r, req)
	case "chain_getHeight":
		s.handleChainGetHeight(w, r, req)
	case "chain_getChainId":
		s.handleChainGetChainID(w, r, req)
	case "chain_getBalance":
		s.handleChainGetBalance(w, r, req)
	case "chain_getNonce":
		s.handleChainGetNonce(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

func moduleOf(method string) string {
	for i := 0; i < len(method); i++ {
		if method[i] == '_' {
			return method[:i]
		}
	}
	return "unknown"
}
