// Package gate is the structural pre-handler check for protected routes. It
// never verifies a credential; it only rejects requests that cannot possibly
// authenticate so the session manager is not reached for them.
package gate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gobwas/glob"
)

const defaultMaxBodyBytes = 1 << 20

var (
	ErrMalformedRequest = errors.New("malformed request")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrBodyTooLarge     = errors.New("request body too large")
)

type Action int

const (
	// Bypass means the path is not gated.
	Bypass Action = iota
	Forward
	Reject
	Redirect
)

func (a Action) String() string {
	switch a {
	case Bypass:
		return "bypass"
	case Forward:
		return "forward"
	case Reject:
		return "reject"
	case Redirect:
		return "redirect"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the outcome of evaluating one request. Err, Status and Code
// are set for Reject; Location for Redirect.
type Decision struct {
	Action   Action
	Status   int
	Code     string
	Err      error
	Location string
}

type Config struct {
	// Patterns select gated paths. "*" matches any sequence of characters,
	// including "/".
	Patterns     []string
	CookieName   string
	LoginPath    string
	MaxBodyBytes int64
}

type Gate struct {
	patterns   []glob.Glob
	cookieName string
	loginPath  string
	maxBody    int64
}

func New(cfg Config) (*Gate, error) {
	g := &Gate{
		cookieName: cfg.CookieName,
		loginPath:  cfg.LoginPath,
		maxBody:    cfg.MaxBodyBytes,
	}
	if g.maxBody <= 0 {
		g.maxBody = defaultMaxBodyBytes
	}
	for _, pattern := range cfg.Patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		compiled, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling gate pattern %q: %w", pattern, err)
		}
		g.patterns = append(g.patterns, compiled)
	}
	return g, nil
}

// Gated reports whether path matches any configured pattern.
func (g *Gate) Gated(path string) bool {
	for _, pattern := range g.patterns {
		if pattern.Match(path) {
			return true
		}
	}
	return false
}

// Evaluate decides what happens to r. When it reads the body it restores it,
// so the handler sees the same bytes.
func (g *Gate) Evaluate(r *http.Request) Decision {
	if !g.Gated(r.URL.Path) {
		return Decision{Action: Bypass}
	}
	if r.Method == http.MethodOptions {
		return Decision{Action: Forward}
	}

	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		if r.ContentLength <= 0 {
			return malformed("request body is required")
		}
		if r.ContentLength > g.maxBody {
			return tooLarge()
		}
		body, err := g.readBody(r)
		if err != nil {
			if errors.Is(err, ErrBodyTooLarge) {
				return tooLarge()
			}
			return malformed("request body could not be read")
		}
		if !nonNullJSON(body) {
			return malformed("request body must be a JSON value")
		}
	}

	if header := r.Header.Get("Authorization"); header != "" {
		if BearerToken(header) == "" {
			return malformed("authorization header must be a bearer token")
		}
		return Decision{Action: Forward}
	}

	if g.cookieName != "" {
		if cookie, err := r.Cookie(g.cookieName); err == nil && cookie.Value != "" {
			return Decision{Action: Forward}
		}
	}

	if g.loginPath != "" && strings.Contains(r.Header.Get("Accept"), "text/html") {
		return Decision{Action: Redirect, Status: http.StatusFound, Location: g.loginPath}
	}

	return Decision{Action: Reject, Status: http.StatusUnauthorized, Code: "unauthorized", Err: ErrUnauthorized}
}

// Middleware applies Evaluate in front of next.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := g.Evaluate(r)
		switch decision.Action {
		case Bypass, Forward:
			next.ServeHTTP(w, r)
		case Redirect:
			http.Redirect(w, r, decision.Location, decision.Status)
		default:
			writeError(w, decision.Status, decision.Code, decision.Err.Error())
		}
	})
}

// BearerToken returns the token of a "Bearer <token>" header, or "" when the
// header has any other shape. The scheme is case-insensitive.
func BearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

func (g *Gate) readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, g.maxBody+1))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if int64(len(body)) > g.maxBody {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

func nonNullJSON(body []byte) bool {
	var value interface{}
	if err := json.Unmarshal(body, &value); err != nil {
		return false
	}
	return value != nil
}

func malformed(message string) Decision {
	return Decision{
		Action: Reject,
		Status: http.StatusBadRequest,
		Code:   "malformed_request",
		Err:    fmt.Errorf("%w: %s", ErrMalformedRequest, message),
	}
}

func tooLarge() Decision {
	return Decision{
		Action: Reject,
		Status: http.StatusRequestEntityTooLarge,
		Code:   "request_too_large",
		Err:    ErrBodyTooLarge,
	}
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: responseError{Code: code, Message: message}})
}
