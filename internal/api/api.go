// Package api provides the HTTP server for WaGate.
//
// It exposes the encrypted WhatsApp Flows endpoint, the Cloud API webhook and
// a small JSON API for sending replies, queueing proactive messages and
// inspecting conversation windows.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/BTreeMap/WaGate/internal/flow"
	"github.com/BTreeMap/WaGate/internal/flowcrypto"
	"github.com/BTreeMap/WaGate/internal/messaging"
	"github.com/BTreeMap/WaGate/internal/store"
)

// Default server configuration
const (
	DefaultAddr         = ":8080"
	DefaultMaxBodyBytes = 1 << 20
	shutdownTimeout     = 10 * time.Second
	requestIDHeader     = "X-Request-ID"
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr         string
	AppSecret    string
	VerifyToken  string
	MaxBodyBytes int64
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAppSecret enables X-Hub-Signature-256 verification on the webhook
// and Flow endpoints.
func WithAppSecret(secret string) Option {
	return func(o *Opts) { o.AppSecret = secret }
}

// WithVerifyToken sets the token Meta echoes during webhook subscription.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithMaxBodyBytes caps request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(o *Opts) { o.MaxBodyBytes = n }
}

// Server serves the WaGate HTTP API.
type Server struct {
	opts       Opts
	msgService messaging.Service
	st         store.Store
	codec      *flowcrypto.Codec
	flows      *flow.Router
	router     chi.Router
}

// NewServer creates a Server. codec may be nil, in which case the Flow
// endpoint answers 503.
func NewServer(msgService messaging.Service, st store.Store, codec *flowcrypto.Codec, flows *flow.Router, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, MaxBodyBytes: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(&cfg)
	}
	if flows == nil {
		flows = flow.NewRouter(nil)
	}
	s := &Server{opts: cfg, msgService: msgService, st: st, codec: codec, flows: flows}
	s.router = s.buildRouter()
	slog.Debug("Server created", "addr", cfg.Addr, "app_secret_set", cfg.AppSecret != "",
		"verify_token_set", cfg.VerifyToken != "", "flow_codec_set", codec != nil)
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/flows", s.flowsHandler)
	r.Get("/webhook", s.webhookVerifyHandler)
	r.Post("/webhook", s.webhookHandler)

	r.Post("/send", s.sendHandler)
	r.Post("/proactive", s.proactiveHandler)
	r.Get("/windows/{phone}", s.windowHandler)
	r.Get("/receipts", s.receiptsHandler)
	r.Get("/responses", s.responsesHandler)
	return r
}

// Handler returns the HTTP handler, used by tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// requestID tags every request with a uuid, reusing a well-formed inbound id.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), middleware.RequestIDKey, id)))
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Server: request handled", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"bytes", ww.BytesWritten(), "duration", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
	})
}
