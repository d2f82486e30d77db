package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"staffportal/auth-service/internal/gate"
	"staffportal/auth-service/internal/role"
	"staffportal/auth-service/internal/session"

	"github.com/go-chi/chi/v5"
)

type authContextKey struct{}

type authInfo struct {
	Auth session.Authentication
	Role role.Role
}

// requireSession authenticates the request credential before next runs.
// On the admin surface the role comes from the {role} URL parameter;
// elsewhere from the optional "role" query parameter.
func (h *Handler) requireSession(admin bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := credentialFromRequest(r, h.cookieName)
			if tok == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}

			var (
				sessionRole role.Role
				auth        session.Authentication
				err         error
			)
			if admin {
				sessionRole = role.Resolve(chi.URLParam(r, "role"))
				auth, err = h.sessions.AuthenticateAdmin(r.Context(), tok, sessionRole)
			} else {
				sessionRole = role.ResolveOptional(r.URL.Query().Get("role"))
				auth, err = h.sessions.Authenticate(r.Context(), tok, sessionRole)
			}
			if err != nil {
				h.writeSessionError(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), authContextKey{}, authInfo{Auth: auth, Role: sessionRole})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authFromContext(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(authContextKey{}).(authInfo)
	return info, ok
}

// credentialFromRequest prefers a bearer token over the session cookie.
func credentialFromRequest(r *http.Request, cookieName string) string {
	if tok := gate.BearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	if cookieName == "" {
		return ""
	}
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

// writeSessionError renders every authentication failure as the same 401.
func (h *Handler) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrInvalidCredential):
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
	case errors.Is(err, session.ErrRenewalFailed):
		h.logger.ErrorContext(r.Context(), "session renewal failed", "error", err, "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	default:
		h.logger.ErrorContext(r.Context(), "session lookup failed", "error", err, "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
