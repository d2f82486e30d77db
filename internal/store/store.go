package store

import (
	"context"
	"time"

	"staffportal/auth-service/internal/models"
	"staffportal/auth-service/internal/role"
)

type CreateSessionInput struct {
	UserID    int64
	LookupID  string
	TokenHash string
	Roles     role.Flags
	Metadata  models.ClientMetadata
	Activity  time.Time
}

// SessionStore persists sessions. A role other than role.None restricts a
// lookup to sessions whose owner holds that role's flag; sessions that fail
// the predicate are reported as ErrSessionNotFound.
type SessionStore interface {
	CreateSession(ctx context.Context, input CreateSessionInput) (models.Session, error)
	FindSession(ctx context.Context, lookupID string, r role.Role) (models.Session, error)
	TouchSession(ctx context.Context, lookupID string, r role.Role, at time.Time) (models.Session, error)
	DeleteSession(ctx context.Context, lookupID string) error
	DeleteIdleSessions(ctx context.Context, before time.Time) (int64, error)
}

type IdentityStore interface {
	GetIdentity(ctx context.Context, userID int64) (models.Identity, error)
	GetIdentityWithRole(ctx context.Context, userID int64, r role.Role) (models.Identity, error)
	GetIdentityByEmployeeID(ctx context.Context, employeeID string) (models.Identity, error)
}
