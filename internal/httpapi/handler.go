package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"staffportal/auth-service/internal/gate"
	"staffportal/auth-service/internal/models"
	"staffportal/auth-service/internal/role"
	"staffportal/auth-service/internal/session"

	"github.com/go-chi/chi/v5"
)

// SessionService is the session lifecycle as seen by the HTTP layer.
type SessionService interface {
	Login(ctx context.Context, employeeID, password string, r role.Role, meta models.ClientMetadata) (session.LoginResult, error)
	Authenticate(ctx context.Context, tok string, r role.Role) (session.Authentication, error)
	AuthenticateAdmin(ctx context.Context, tok string, r role.Role) (session.Authentication, error)
	Revoke(ctx context.Context, identityID int64, tok string, r role.Role) (int64, error)
}

type Config struct {
	CookieName   string
	CookieSecure bool
	// Gate is optional; nil disables structural gating.
	Gate      *gate.Gate
	RateLimit RateLimitConfig
	Logger    *slog.Logger
	// Ready backs /healthz; nil always reports healthy.
	Ready func(ctx context.Context) error
}

type Handler struct {
	sessions     SessionService
	gate         *gate.Gate
	limiter      *RateLimiter
	cookieName   string
	cookieSecure bool
	logger       *slog.Logger
	ready        func(ctx context.Context) error
}

type loginRequest struct {
	EmployeeID string `json:"employee_id"`
	Password   string `json:"password"`
	Role       string `json:"role"`
}

type loginResponse struct {
	Token   string         `json:"token"`
	Profile models.Profile `json:"profile"`
}

type logoutRequest struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
}

type logoutResponse struct {
	UserID int64 `json:"user_id"`
}

type meResponse struct {
	Profile      models.Profile `json:"profile"`
	Role         string         `json:"role,omitempty"`
	LastActivity string         `json:"last_activity"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(sessions SessionService, cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions:     sessions,
		gate:         cfg.Gate,
		limiter:      NewRateLimiter(cfg.RateLimit),
		cookieName:   cfg.CookieName,
		cookieSecure: cfg.CookieSecure,
		logger:       logger.With("component", "httpapi"),
		ready:        cfg.Ready,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(h.loggingMiddleware)
	r.Use(h.recoveryMiddleware)

	r.Get("/healthz", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.limiter.Middleware)
		if h.gate != nil {
			r.Use(h.gate.Middleware)
		}

		r.Post("/api/auth/login", h.handleLogin)
		r.Post("/api/auth/logout", h.handleLogout)
		r.With(h.requireSession(false)).Get("/api/auth/me", h.handleMe)
		r.With(h.requireSession(true)).Get("/api/admin/{role}/me", h.handleMe)

		// Preflight never needs a session; CORS headers are set upstream.
		r.Options("/api/auth/login", handleOptions(http.MethodPost))
		r.Options("/api/auth/logout", handleOptions(http.MethodPost))
		r.Options("/api/auth/me", handleOptions(http.MethodGet))
		r.Options("/api/admin/{role}/me", handleOptions(http.MethodGet))
	})
	return r
}

func handleOptions(methods ...string) http.HandlerFunc {
	allow := strings.Join(append(methods, http.MethodOptions), ", ")
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", allow)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "unavailable", "service unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.EmployeeID = strings.TrimSpace(req.EmployeeID)
	if req.EmployeeID == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "employee_id and password are required")
		return
	}
	if !h.limiter.AllowLogin(req.EmployeeID) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many login attempts")
		return
	}

	meta := models.ClientMetadata{UserAgent: r.UserAgent(), IPAddress: h.limiter.clientIP(r)}
	result, err := h.sessions.Login(r.Context(), req.EmployeeID, req.Password, role.ResolveOptional(req.Role), meta)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidCredential), errors.Is(err, session.ErrNotFound):
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		default:
			h.logger.ErrorContext(r.Context(), "login failed", "error", err, "request_id", requestIDFromContext(r.Context()))
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		}
		return
	}

	h.setSessionCookie(w, result.Token)
	writeJSON(w, http.StatusOK, loginResponse{Token: result.Token, Profile: result.Profile})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	tok := credentialFromRequest(r, h.cookieName)
	if tok == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	revoked, err := h.sessions.Revoke(r.Context(), req.UserID, tok, role.ResolveOptional(req.Role))
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}

	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, logoutResponse{UserID: revoked})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	info, ok := authFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		Profile:      info.Auth.Profile,
		Role:         info.Role.Tag(),
		LastActivity: info.Auth.LastActivity.UTC().Format(time.RFC3339Nano),
	})
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, tok string) {
	if h.cookieName == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    tok,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	if h.cookieName == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: responseError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
