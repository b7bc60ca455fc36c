package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/relay/internal/auth"
	"github.com/mattjoyce/relay/internal/dispatch"
	"github.com/mattjoyce/relay/internal/events"
)

const (
	defaultMaxBodySize  = 1 << 20
	defaultReplyTimeout = 10 * time.Second
)

// Config holds listener configuration.
type Config struct {
	Listen string
	// Secret verifies X-Relay-Signature on POST bodies and signs replies.
	Secret string
	// Token, when set, grants every scope. Token or Tokens being set makes a
	// bearer token mandatory on every route except /healthz.
	Token        string
	Tokens       []auth.Token
	MaxBodySize  int64
	ReplyTimeout time.Duration
}

// Server exposes an Instance over HTTP.
type Server struct {
	config    Config
	in        *dispatch.Instance
	hub       *events.Hub
	corr      *Correlator
	http      *http.Client
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	replies   sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithEvents streams hub on GET /events.
func WithEvents(hub *events.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithCorrelator resolves POST /reply through c.
func WithCorrelator(c *Correlator) Option {
	return func(s *Server) { s.corr = c }
}

// WithHTTPClient sets the client used to post asynchronous replies.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.http = c }
}

// NewServer creates a listener for in.
func NewServer(config Config, in *dispatch.Instance, logger *slog.Logger, opts ...Option) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = defaultMaxBodySize
	}
	if config.ReplyTimeout <= 0 {
		config.ReplyTimeout = defaultReplyTimeout
	}
	s := &Server{
		config:    config,
		in:        in,
		http:      &http.Client{},
		logger:    logger,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start serves until ctx is cancelled, then drains pending replies.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // synchronous calls and event streams
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("relay listener starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("relay listener shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("listener shutdown failed: %w", err)
		}
		s.replies.Wait()
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("listener error: %w", err)
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.With(s.requireScope(auth.ScopeAct)).Post("/act", s.handleAct)
	r.With(s.requireScope(auth.ScopeReply)).Post("/reply", s.handleReply)

	r.Group(func(r chi.Router) {
		r.Use(s.requireScope(auth.ScopeRead))
		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)
		if g := s.in.Gatherer(); g != nil {
			r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
		}
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.config.Token == "" && len(s.config.Tokens) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			token, err := auth.Bearer(r.Header.Get("Authorization"))
			if err != nil {
				s.respondError(w, http.StatusUnauthorized, err.Error())
				return
			}
			principal, ok := auth.Authenticate(token, s.config.Token, s.config.Tokens)
			if !ok {
				s.respondError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if !auth.HasScope(principal, scope) {
				s.logger.Warn("token lacks scope", "path", r.URL.Path, "scope", scope)
				s.respondError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status         string `json:"status"`
	Instance       string `json:"instance"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Actions        int    `json:"actions"`
	PendingReplies int    `json:"pending_replies"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Instance:      s.in.ID(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Actions:       len(s.in.Patterns()),
	}
	if s.corr != nil {
		resp.PendingReplies = s.corr.Pending()
	}
	status := http.StatusOK
	if s.in.Closed() {
		resp.Status = "closing"
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.in.Stats())
}

// AcceptedResponse is the body of a 202 reply to POST /act.
type AcceptedResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleAct(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readEnvelope(w, r, KindAct)
	if !ok {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	opts := []dispatch.CallOption{dispatch.WithID(req.ID)}
	if req.Tx != "" {
		opts = append(opts, dispatch.WithTx(req.Tx))
	}
	if len(req.Custom) > 0 {
		opts = append(opts, dispatch.WithCustomValues(req.Custom))
	}
	if req.TimeoutMS > 0 {
		opts = append(opts, dispatch.WithTimeout(time.Duration(req.TimeoutMS)*time.Millisecond))
	}

	if req.ReplyTo == "" {
		res, meta, err := s.in.Act(r.Context(), req.Msg, opts...)
		if errors.Is(err, dispatch.ErrInvalidCall) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeEnvelope(w, http.StatusOK, s.reply(req, res, meta, err))
		return
	}

	opts = append(opts, dispatch.WithAsyncReply())
	err := s.in.Dispatch(context.WithoutCancel(r.Context()), req.Msg, func(res any, meta *dispatch.Meta, err error) {
		env := s.reply(req, res, meta, err)
		s.replies.Add(1)
		go func() {
			defer s.replies.Done()
			s.postReply(req.ReplyTo, env)
		}()
	}, opts...)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusAccepted, AcceptedResponse{ID: req.ID})
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	env, ok := s.readEnvelope(w, r, KindRes)
	if !ok {
		return
	}
	if s.corr == nil || !s.corr.Resolve(env) {
		s.logger.Warn("reply for unknown call", "call_id", env.ID, "origin", env.Origin)
		s.respondError(w, http.StatusNotFound, "unknown reply id")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readEnvelope enforces the body limit and signature and decodes one
// envelope of the wanted kind.
func (s *Server) readEnvelope(w http.ResponseWriter, r *http.Request, kind string) (*Envelope, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return nil, false
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return nil, false
	}

	if s.config.Secret != "" {
		if err := Verify(body, r.Header.Get(SignatureHeader), s.config.Secret); err != nil {
			s.logger.Warn("signature verification failed", "path", r.URL.Path, "error", err)
			s.respondError(w, http.StatusForbidden, "forbidden")
			return nil, false
		}
	}

	env, err := Decode(body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if env.Kind != kind {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("expected a %q envelope", kind))
		return nil, false
	}
	return env, true
}

func (s *Server) reply(req *Envelope, res any, meta *dispatch.Meta, err error) *Envelope {
	env := &Envelope{
		Kind:   KindRes,
		ID:     req.ID,
		Tx:     req.Tx,
		Res:    res,
		Err:    errorBody(err),
		Origin: s.in.ID(),
		Sync:   req.ReplyTo == "",
	}
	if meta != nil {
		env.Tx = meta.Tx
		env.Pattern = meta.Pattern
		env.Custom = meta.Custom.Snapshot()
	}
	return env
}

func (s *Server) postReply(url string, env *Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ReplyTimeout)
	defer cancel()

	var buf bytes.Buffer
	if err := Encode(&buf, env); err != nil {
		env = &Envelope{Kind: KindRes, ID: env.ID, Tx: env.Tx, Origin: env.Origin,
			Err: &ErrorBody{Code: dispatch.CodeTransportErr, Message: err.Error()}}
		buf.Reset()
		if err := Encode(&buf, env); err != nil {
			s.logger.Error("failed to encode reply", "call_id", env.ID, "error", err)
			return
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf.Bytes()))
	if err != nil {
		s.logger.Error("invalid reply address", "call_id", env.ID, "reply_to", url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(buf.Bytes(), s.config.Secret))
	}
	resp, err := s.http.Do(req)
	if err != nil {
		s.logger.Warn("reply delivery failed", "call_id", env.ID, "reply_to", url, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		s.logger.Warn("reply rejected", "call_id", env.ID, "reply_to", url, "status", resp.StatusCode)
	}
}

// writeEnvelope marshals env before writing so that an unencodable result
// still produces a well-formed reply.
func (s *Server) writeEnvelope(w http.ResponseWriter, status int, env *Envelope) {
	var buf bytes.Buffer
	if err := Encode(&buf, env); err != nil {
		s.logger.Error("failed to encode result", "call_id", env.ID, "error", err)
		buf.Reset()
		_ = Encode(&buf, &Envelope{Kind: KindRes, ID: env.ID, Tx: env.Tx, Origin: env.Origin, Sync: env.Sync,
			Err: &ErrorBody{Code: dispatch.CodeTransportErr, Message: err.Error()}})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// ErrorResponse is the body of transport-level failures.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
