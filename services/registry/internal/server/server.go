package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"copyreg/internal/metrics"
	"copyreg/internal/policy"
	"copyreg/internal/ratelimit"
	"copyreg/internal/util"
	"copyreg/pkg/apperr"
	"copyreg/services/registry/internal/app"
	"copyreg/services/registry/internal/security"
)

const (
	maxJSONBytes          = 1 << 20
	defaultMaxUploadBytes = 20 << 20
	multipartMemory       = 8 << 20
)

// Config wires required dependencies for the HTTP server. Limiters are
// optional; a nil limiter lets every request through.
type Config struct {
	App            *app.App
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	MaxUploadBytes int64
	Gatherer       prometheus.Gatherer
	Alerter        *security.AuditAlerter

	LoginLimiter    ratelimit.Limiter
	RegisterLimiter ratelimit.Limiter
	PasswordLimiter ratelimit.Limiter
}

// Server exposes the registry JSON API.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	trusted        *util.TrustedProxies
	corsOrigins    []string
	maxUploadBytes int64
	alerter        *security.AuditAlerter

	loginLimiter    ratelimit.Limiter
	registerLimiter ratelimit.Limiter
	passwordLimiter ratelimit.Limiter
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		trusted:         cfg.TrustedProxies,
		corsOrigins:     cfg.CORSOrigins,
		maxUploadBytes:  maxUpload,
		alerter:         cfg.Alerter,
		loginLimiter:    cfg.LoginLimiter,
		registerLimiter: cfg.RegisterLimiter,
		passwordLimiter: cfg.PasswordLimiter,
	}
	s.routes()
	if cfg.Gatherer != nil {
		s.mux.Handle("GET /metrics", metrics.Handler(cfg.Gatherer))
	}
	return s
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(
		util.WithRequestLog("registry",
			util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux)),
		),
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// accounts
	s.mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	s.mux.Handle("GET /api/me", s.withActor(s.handleMe))
	s.mux.Handle("POST /api/me/password", s.withActor(s.handleChangePassword))
	s.mux.HandleFunc("POST /api/password/forgot", s.handleForgotPassword)
	s.mux.HandleFunc("GET /api/password/reset/{token}", s.handleCheckResetToken)
	s.mux.HandleFunc("POST /api/password/reset/{token}", s.handleResetPassword)

	// applications
	s.mux.Handle("GET /api/applications", s.withActor(s.handleListApplications))
	s.mux.Handle("POST /api/applications", s.withActor(s.handleCreateApplication))
	s.mux.Handle("GET /api/applications/{id}", s.withActor(s.handleViewApplication))
	s.mux.Handle("PUT /api/applications/{id}", s.withActor(s.handleEditApplication))
	s.mux.Handle("DELETE /api/applications/{id}", s.withActor(s.handleDeleteApplication))
	s.mux.Handle("POST /api/applications/{id}/submit", s.withActor(s.handleSubmit))
	s.mux.Handle("POST /api/applications/{id}/cancel", s.withActor(s.handleCancel))
	s.mux.Handle("POST /api/applications/{id}/review", s.withActor(s.handleReview))
	s.mux.Handle("GET /api/files/{id}", s.withActor(s.handleDownloadFile))
	s.mux.Handle("DELETE /api/files/{id}", s.withActor(s.handleDeleteFile))

	// review & admin
	s.mux.Handle("GET /api/review/queue", s.withActor(s.handleReviewQueue))
	s.mux.Handle("GET /api/admin/users", s.withActor(s.handleAdminUsers))
	s.mux.Handle("POST /api/admin/users/{id}/role", s.withActor(s.handleChangeRole))
	s.mux.Handle("POST /api/admin/users/{id}/block", s.withActor(s.handleToggleBlock))
	s.mux.Handle("GET /api/admin/stats", s.withActor(s.handleStats))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Ping(r.Context()); err != nil {
		util.LoggerFromContext(r.Context()).Error("health check failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type actorHandler func(http.ResponseWriter, *http.Request, policy.Actor)

// withActor resolves the bearer token. Requests without one run as the
// anonymous actor and are turned away by the policy; a bad token is a 401.
func (s *Server) withActor(next actorHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := bearerToken(r)
		actor, err := s.app.UserFromToken(r.Context(), token)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		next(w, r, actor)
	})
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, msg string) bool {
	if limiter == nil {
		return true
	}
	logger := util.LoggerFromContext(r.Context())
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	decision, err := limiter.Allow(r.Context(), key)
	if err != nil {
		// fail closed
		logger.Error("rate limiter unavailable", "err", err)
	}
	if decision.Allowed {
		return true
	}
	logger.Warn("rate limited", "path", r.URL.Path)
	s.audit(r, r.URL.Path, security.OutcomeRateLimited)
	w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(decision.RetryAfter)))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func retrySeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// audit feeds the alerter and logs once when a client crosses a threshold.
func (s *Server) audit(r *http.Request, event, outcome string) {
	if s.alerter == nil {
		return
	}
	ip := util.ClientIP(r, s.trusted)
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	logger := util.LoggerFromContext(r.Context())
	if err != nil {
		logger.Warn("audit alerter unavailable", "err", err)
		return
	}
	if result.Triggered {
		logger.Warn("security alert", "event", event, "outcome", outcome, "client_ip", ip,
			"count", result.Count, "window", result.Window.String())
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("invalid JSON body")
	}
	return nil
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotAuthenticated:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidState, apperr.KindConflict, apperr.KindQuotaExceeded:
		return http.StatusConflict
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	var e *apperr.Error
	if kind == apperr.KindInternal || !errors.As(err, &e) {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:     "internal error",
			Code:      string(apperr.KindInternal),
			RequestID: util.RequestIDFromContext(r.Context()),
		})
		return
	}
	if kind == apperr.KindForbidden {
		s.audit(r, security.EventAccess, security.OutcomeDenied)
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      string(e.Kind),
		Reason:    string(e.Reason),
		RequestID: util.RequestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
