// Package session implements the session lifecycle: issuing tokens at login,
// authenticating them per request under a role predicate, renewing the
// activity timestamp and revoking them at logout.
//
// Verification always happens before a profile is disclosed or a session is
// deleted. By default the activity timestamp is bumped before the token is
// verified, so a failed verification still counts as activity; set
// Options.VerifyBeforeTouch to verify first.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"staffportal/auth-service/internal/models"
	"staffportal/auth-service/internal/role"
	"staffportal/auth-service/internal/security"
	"staffportal/auth-service/internal/store"
	"staffportal/auth-service/internal/token"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "staffportal/auth-service/internal/session"

// maxIssueAttempts bounds retries when a freshly generated lookup id collides.
const maxIssueAttempts = 3

type Options struct {
	// IdleTimeout expires sessions whose last activity is older than this.
	// Zero disables expiry.
	IdleTimeout       time.Duration
	VerifyBeforeTouch bool
	// PasswordCost is the bcrypt cost of stored password hashes. Logins for
	// unknown employees are compared against a placeholder of this cost.
	// Zero selects security.DefaultCost.
	PasswordCost      int
	Clock             func() time.Time
	Logger            *slog.Logger
}

// Authentication is the result of a successful Authenticate call.
type Authentication struct {
	Profile      models.Profile
	SessionID    string
	LastActivity time.Time
}

// LoginResult carries the plaintext token. It is the only place the token is
// ever returned.
type LoginResult struct {
	Token   string
	Profile models.Profile
}

type Manager struct {
	sessions   store.SessionStore
	identities store.IdentityStore
	codec      *token.Codec
	opts       Options
	logger     *slog.Logger
	tracer     trace.Tracer
	operations metric.Int64Counter

	// placeholder is compared against when no identity matches a login.
	placeholder string
}

func NewManager(sessions store.SessionStore, identities store.IdentityStore, codec *token.Codec, opts Options) (*Manager, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"auth.session.operations",
		metric.WithDescription("Session lifecycle operations by outcome"),
	)
	if err != nil {
		logger.Warn("session counter unavailable", "error", err)
		counter, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter("auth.session.operations")
	}

	placeholder, err := placeholderHash(opts.PasswordCost)
	if err != nil {
		return nil, err
	}

	return &Manager{
		sessions:    sessions,
		identities:  identities,
		codec:       codec,
		opts:        opts,
		logger:      logger.With("component", "session"),
		tracer:      otel.Tracer(instrumentationName),
		operations:  counter,
		placeholder: placeholder,
	}, nil
}

func placeholderHash(cost int) (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generating placeholder secret: %w", err)
	}
	hash, err := security.NewHasher(cost).Hash(secret)
	if err != nil {
		return "", fmt.Errorf("hashing placeholder secret: %w", err)
	}
	return hash, nil
}

// Login checks an employee's password and, on success, issues a session.
// Unknown employees, wrong passwords and unmet role predicates all yield
// ErrInvalidCredential.
func (m *Manager) Login(ctx context.Context, employeeID, password string, r role.Role, meta models.ClientMetadata) (LoginResult, error) {
	ctx, span := m.tracer.Start(ctx, "session.Login", trace.WithAttributes(attribute.String("role", r.String())))
	defer span.End()

	result, err := m.login(ctx, employeeID, password, r, meta)
	m.finish(ctx, span, "login", err)
	return result, err
}

func (m *Manager) login(ctx context.Context, employeeID, password string, r role.Role, meta models.ClientMetadata) (LoginResult, error) {
	identity, err := m.identities.GetIdentityByEmployeeID(ctx, employeeID)
	if err != nil {
		if !errors.Is(err, store.ErrIdentityNotFound) {
			return LoginResult{}, fmt.Errorf("loading identity: %w", err)
		}
		// Spend the same hashing work as a real comparison.
		m.codec.Verify(ctx, password, m.placeholder)
		return LoginResult{}, ErrInvalidCredential
	}
	if !m.codec.Verify(ctx, password, identity.PasswordHash) {
		return LoginResult{}, ErrInvalidCredential
	}
	if !r.SatisfiedBy(identity.Roles) {
		return LoginResult{}, ErrInvalidCredential
	}

	tok, err := m.issue(ctx, identity, meta)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: tok, Profile: identity.Profile()}, nil
}

// Issue creates a new session for identityID and returns its plaintext
// token. Existing sessions of the identity are left untouched.
func (m *Manager) Issue(ctx context.Context, identityID int64, meta models.ClientMetadata) (string, error) {
	ctx, span := m.tracer.Start(ctx, "session.Issue", trace.WithAttributes(attribute.Int64("user.id", identityID)))
	defer span.End()

	tok, err := m.issueFor(ctx, identityID, meta)
	m.finish(ctx, span, "issue", err)
	return tok, err
}

func (m *Manager) issueFor(ctx context.Context, identityID int64, meta models.ClientMetadata) (string, error) {
	identity, err := m.identities.GetIdentity(ctx, identityID)
	if err != nil {
		return "", m.mapStoreErr("loading identity", err)
	}
	return m.issue(ctx, identity, meta)
}

func (m *Manager) issue(ctx context.Context, identity models.Identity, meta models.ClientMetadata) (string, error) {
	for attempt := 1; ; attempt++ {
		tok, hash, err := m.codec.Generate(ctx)
		if err != nil {
			return "", err
		}
		_, err = m.sessions.CreateSession(ctx, store.CreateSessionInput{
			UserID:    identity.ID,
			LookupID:  m.codec.LookupID(tok),
			TokenHash: hash,
			Roles:     identity.Roles,
			Metadata:  meta,
			Activity:  m.opts.Clock(),
		})
		if err == nil {
			return tok, nil
		}
		if errors.Is(err, store.ErrDuplicateLookup) && attempt < maxIssueAttempts {
			m.logger.Warn("lookup id collision, regenerating", "attempt", attempt)
			continue
		}
		return "", m.mapStoreErr("creating session", err)
	}
}

// Authenticate validates tok for a session whose owner satisfies r and
// bumps its activity timestamp. role.None applies no predicate.
func (m *Manager) Authenticate(ctx context.Context, tok string, r role.Role) (Authentication, error) {
	ctx, span := m.tracer.Start(ctx, "session.Authenticate", trace.WithAttributes(attribute.String("role", r.String())))
	defer span.End()

	auth, err := m.authenticate(ctx, tok, r)
	m.finish(ctx, span, "authenticate", err)
	return auth, err
}

func (m *Manager) authenticate(ctx context.Context, tok string, r role.Role) (Authentication, error) {
	if tok == "" {
		return Authentication{}, ErrNotFound
	}
	lookupID := m.codec.LookupID(tok)

	// Touching first would hide an expired session, so the idle check needs
	// its own lookup.
	if m.opts.VerifyBeforeTouch || m.opts.IdleTimeout > 0 {
		found, err := m.find(ctx, lookupID, r)
		if err != nil {
			return Authentication{}, err
		}
		if m.opts.VerifyBeforeTouch && !m.codec.Verify(ctx, tok, found.TokenHash) {
			return Authentication{}, ErrInvalidCredential
		}
	}

	touched, err := m.sessions.TouchSession(ctx, lookupID, r, m.opts.Clock())
	if err != nil {
		return Authentication{}, m.mapStoreErr("touching session", err)
	}
	if !m.opts.VerifyBeforeTouch && !m.codec.Verify(ctx, tok, touched.TokenHash) {
		return Authentication{}, ErrInvalidCredential
	}

	return m.authentication(ctx, touched, r)
}

// AuthenticateAdmin is Authenticate for the administrative surface. The
// lookup and the activity update are separate operations; a failed update
// after a successful lookup is reported as ErrRenewalFailed.
func (m *Manager) AuthenticateAdmin(ctx context.Context, tok string, r role.Role) (Authentication, error) {
	ctx, span := m.tracer.Start(ctx, "session.AuthenticateAdmin", trace.WithAttributes(attribute.String("role", r.String())))
	defer span.End()

	auth, err := m.authenticateAdmin(ctx, tok, r)
	m.finish(ctx, span, "authenticate_admin", err)
	return auth, err
}

func (m *Manager) authenticateAdmin(ctx context.Context, tok string, r role.Role) (Authentication, error) {
	if tok == "" {
		return Authentication{}, ErrNotFound
	}
	lookupID := m.codec.LookupID(tok)

	found, err := m.find(ctx, lookupID, r)
	if err != nil {
		return Authentication{}, err
	}
	if m.opts.VerifyBeforeTouch && !m.codec.Verify(ctx, tok, found.TokenHash) {
		return Authentication{}, ErrInvalidCredential
	}

	touched, err := m.sessions.TouchSession(ctx, lookupID, r, m.opts.Clock())
	if err != nil {
		return Authentication{}, fmt.Errorf("%w: %w", ErrRenewalFailed, err)
	}
	if !m.opts.VerifyBeforeTouch && !m.codec.Verify(ctx, tok, touched.TokenHash) {
		return Authentication{}, ErrInvalidCredential
	}

	return m.authentication(ctx, touched, r)
}

// Revoke deletes the session for tok after checking that it belongs to
// identityID, satisfies r and verifies. It returns the revoked identity id.
func (m *Manager) Revoke(ctx context.Context, identityID int64, tok string, r role.Role) (int64, error) {
	ctx, span := m.tracer.Start(ctx, "session.Revoke", trace.WithAttributes(
		attribute.Int64("user.id", identityID),
		attribute.String("role", r.String()),
	))
	defer span.End()

	id, err := m.revoke(ctx, identityID, tok, r)
	m.finish(ctx, span, "revoke", err)
	return id, err
}

func (m *Manager) revoke(ctx context.Context, identityID int64, tok string, r role.Role) (int64, error) {
	if tok == "" {
		return 0, ErrNotFound
	}
	lookupID := m.codec.LookupID(tok)

	found, err := m.sessions.FindSession(ctx, lookupID, r)
	if err != nil {
		return 0, m.mapStoreErr("finding session", err)
	}
	if found.UserID != identityID {
		return 0, ErrNotFound
	}
	if !m.codec.Verify(ctx, tok, found.TokenHash) {
		return 0, ErrInvalidCredential
	}
	if err := m.sessions.DeleteSession(ctx, lookupID); err != nil {
		return 0, m.mapStoreErr("deleting session", err)
	}
	return found.UserID, nil
}

// SweepIdle deletes every session idle for longer than the configured
// timeout. It is a no-op when no timeout is configured.
func (m *Manager) SweepIdle(ctx context.Context) (int64, error) {
	if m.opts.IdleTimeout <= 0 {
		return 0, nil
	}
	ctx, span := m.tracer.Start(ctx, "session.SweepIdle")
	defer span.End()

	deleted, err := m.sessions.DeleteIdleSessions(ctx, m.opts.Clock().Add(-m.opts.IdleTimeout))
	if err != nil {
		err = fmt.Errorf("deleting idle sessions: %w", err)
	}
	span.SetAttributes(attribute.Int64("sessions.deleted", deleted))
	m.finish(ctx, span, "sweep_idle", err)
	return deleted, err
}

// find looks a session up and enforces the idle timeout on it.
func (m *Manager) find(ctx context.Context, lookupID string, r role.Role) (models.Session, error) {
	found, err := m.sessions.FindSession(ctx, lookupID, r)
	if err != nil {
		return models.Session{}, m.mapStoreErr("finding session", err)
	}
	if m.expired(found) {
		if err := m.sessions.DeleteSession(ctx, lookupID); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
			m.logger.Warn("deleting expired session failed", "session_id", found.SessionID, "error", err)
		}
		return models.Session{}, ErrNotFound
	}
	return found, nil
}

func (m *Manager) expired(s models.Session) bool {
	if m.opts.IdleTimeout <= 0 {
		return false
	}
	return m.opts.Clock().Sub(s.LastActivity) > m.opts.IdleTimeout
}

func (m *Manager) authentication(ctx context.Context, s models.Session, r role.Role) (Authentication, error) {
	identity, err := m.identities.GetIdentityWithRole(ctx, s.UserID, r)
	if err != nil {
		return Authentication{}, m.mapStoreErr("loading identity", err)
	}
	return Authentication{
		Profile:      identity.Profile(),
		SessionID:    s.SessionID,
		LastActivity: s.LastActivity,
	}, nil
}

func (m *Manager) mapStoreErr(op string, err error) error {
	if errors.Is(err, store.ErrSessionNotFound) || errors.Is(err, store.ErrIdentityNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (m *Manager) finish(ctx context.Context, span trace.Span, operation string, err error) {
	outcome := outcomeOf(err)
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
	span.SetAttributes(attribute.String("outcome", outcome))
	if outcome == "error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.ErrorContext(ctx, "session operation failed", "operation", operation, "error", err)
		return
	}
	if err != nil {
		m.logger.DebugContext(ctx, "session operation rejected", "operation", operation, "outcome", outcome)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, ErrRenewalFailed):
		return "renewal_failed"
	default:
		return "error"
	}
}
