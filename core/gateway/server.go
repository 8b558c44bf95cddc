package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/davidahmann/handoff/core/config"
	herrors "github.com/davidahmann/handoff/core/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	TokenHeader     = "X-Gateway-Token"
	RequestIDHeader = "X-Request-Id"

	defaultMaxBodyBytes    = int64(8 << 20)
	defaultShutdownTimeout = 10 * time.Second
)

type ctxKey struct{}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Server is the HTTP transport for a Service. Authenticated requests are
// handled strictly one at a time.
type Server struct {
	cfg     config.GatewayConfig
	svc     *Service
	logger  *zap.Logger
	limiter *rate.Limiter
	mu      sync.Mutex
	router  chi.Router
}

func NewServer(cfg config.GatewayConfig, svc *Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{cfg: cfg, svc: svc, logger: logger.With(zap.String("component", "gateway_http"))}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	s.router = s.routes()
	return s
}

// ValidateConfig refuses configurations that would expose the gateway
// without a secret or beyond loopback by accident.
func ValidateConfig(cfg config.GatewayConfig) (config.GatewayConfig, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return config.GatewayConfig{}, herrors.New(herrors.EInvalidInput, "gateway port out of range", map[string]any{"port": cfg.Port})
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return config.GatewayConfig{}, herrors.New(herrors.EInvalidInput, "gateway token is required", nil)
	}
	if !isLoopbackHost(cfg.Host) && !cfg.AllowNonLoopback {
		return config.GatewayConfig{}, herrors.New(
			herrors.EInvalidInput,
			"non-loopback listen requires --allow-non-loopback",
			map[string]any{"listen": cfg.Addr()},
		)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return cfg, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestID, s.logRequests, middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, herrors.New(herrors.ENotFound, "not found", nil))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": "method not allowed"})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate, s.rateLimit, s.limitBody, s.serialize)

		r.Post("/repo/tree", s.handleTree)
		r.Post("/repo/read", s.handleRead)
		r.Post("/repo/search", s.handleSearch)
		r.Post("/repo/write", s.handleWrite)
		r.Post("/git/status", s.handleGitStatus)
		r.Post("/git/diff", s.handleGitDiff)
		r.Post("/plan/validate", s.handlePlanValidate)
		r.Post("/plan/apply", s.handlePlanApply)
		r.Post("/patch/validate", s.handlePatchValidate)
		r.Post("/patch/apply", s.handlePatchApply)
		r.Post("/patch/revert", s.handlePatchRevert)
	})
	return r
}

// ListenAndServe binds the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	cfg, err := ValidateConfig(s.cfg)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is done, then drains in-flight requests
// within the shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	shutdownTimeout := s.cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("gateway listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("repo", s.svc.Root()),
		zap.Bool("readonly", s.cfg.Readonly),
		zap.Bool("allow_write", s.cfg.AllowWrite),
		zap.Bool("allow_apply_plan", s.cfg.AllowApplyPlan),
		zap.Bool("allow_patch_apply", s.cfg.AllowPatchApply),
		zap.Bool("allow_git", !s.cfg.DisallowGit),
	)

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
			return fmt.Errorf("shutdown gateway: %w", err)
		}
		s.logger.Info("gateway stopped")
		return nil
	}
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", RequestID(r.Context())),
		)
	})
}

// authenticate compares the shared secret in constant time. A server with no
// token configured admits nobody.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(TokenHeader)
		if token == "" {
			token = strings.TrimPrefix(strings.TrimSpace(r.Header.Get("Authorization")), "Bearer ")
		}
		if s.cfg.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			s.writeError(w, herrors.New(herrors.EUnauthorized, "unauthorized", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.writeError(w, herrors.New(herrors.ERateLimited, "rate limit exceeded", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) serialize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	var req TreeRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.svc.Tree(r.Context(), req)
	s.respond(w, resp, err)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	var req ReadRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.svc.Read(req)
	s.respond(w, resp, err)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.svc.Search(r.Context(), req)
	s.respond(w, resp, err)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req WriteRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.svc.Write(req)
	s.respond(w, resp, err)
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.GitStatus(r.Context())
	s.respondGit(w, resp, err)
}

func (s *Server) handleGitDiff(w http.ResponseWriter, r *http.Request) {
	var req GitDiffRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.svc.GitDiff(r.Context(), req)
	s.respondGit(w, resp, err)
}

func (s *Server) handlePlanValidate(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.svc.PlanValidate(req)
	s.respond(w, resp, err)
}

func (s *Server) handlePlanApply(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.svc.PlanApply(req)
	s.respond(w, resp, err)
}

func (s *Server) handlePatchValidate(w http.ResponseWriter, r *http.Request) {
	var req PatchRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.svc.PatchValidate(r.Context(), req)
	s.respond(w, resp, err)
}

func (s *Server) handlePatchApply(w http.ResponseWriter, r *http.Request) {
	var req PatchRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.svc.PatchApply(r.Context(), req)
	s.respond(w, resp, err)
}

func (s *Server) handlePatchRevert(w http.ResponseWriter, r *http.Request) {
	var req PatchRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.svc.PatchRevert(r.Context(), req)
	s.respond(w, resp, err)
}

func (s *Server) respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) respondGit(w http.ResponseWriter, resp GitResponse, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

// writeError renders {ok:false, code, error} plus the error's details, so
// callers see errors, touched and hint where the service supplied them.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := herrors.CodeOf(err)
	status := herrors.HTTPStatusFor(code)
	body := map[string]any{}
	var herr herrors.HandoffError
	if errors.As(err, &herr) {
		for k, v := range herr.Details {
			body[k] = v
		}
	}
	body["ok"] = false
	body["code"] = code
	body["error"] = messageOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSON treats an empty body as an empty object.
func decodeJSON(body io.ReadCloser, out any) error {
	defer func() { _ = body.Close() }()
	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return herrors.New(herrors.ESizeLimitExceeded, "request body too large", map[string]any{"limit": tooLarge.Limit})
		}
		return herrors.New(herrors.EInvalidInput, "read request body", map[string]any{"detail": err.Error()})
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return herrors.New(herrors.EInvalidInput, "invalid request json", map[string]any{"detail": err.Error()})
	}
	return nil
}

func isLoopbackHost(host string) bool {
	host = strings.TrimSpace(strings.Trim(host, "[]"))
	if host == "localhost" {
		return true
	}
	if host == "" {
		// An empty host binds every interface.
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback() && !ip.IsUnspecified()
}
