package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"staffportal/auth-service/internal/models"
	"staffportal/auth-service/internal/role"
	"staffportal/auth-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const sessionColumns = `
	s.session_id, s.user_id, s.lookup_id, s.token_hash, s.user_agent, s.ip_address,
	s.last_activity, s.created_at,
	u.staff, u.head_of_unit, u.head_of_department, u.head_of_service, u.permanent_secretary`

const identityColumns = `
	u.id, u.employee_id, u.ministry_id, u.department_id, u.unit_id,
	u.first_name, u.last_name, u.email, u.password_hash,
	u.staff, u.head_of_unit, u.head_of_department, u.head_of_service, u.permanent_secretary,
	u.created_at`

// Store implements store.SessionStore and store.IdentityStore on Postgres.
// Role predicates are evaluated by joining sessions to users.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// roleClause returns the predicate for r. Flag names come from a closed set
// in package role and are safe to interpolate.
func roleClause(r role.Role) string {
	if r == role.None {
		return ""
	}
	return " AND u." + r.Flag() + " = TRUE"
}

func (s *Store) CreateSession(ctx context.Context, input store.CreateSessionInput) (models.Session, error) {
	session := models.Session{
		SessionID:    uuid.NewString(),
		UserID:       input.UserID,
		LookupID:     input.LookupID,
		TokenHash:    input.TokenHash,
		UserAgent:    input.Metadata.UserAgent,
		IPAddress:    input.Metadata.IPAddress,
		Roles:        input.Roles,
		LastActivity: input.Activity,
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (session_id, user_id, lookup_id, token_hash, user_agent, ip_address, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, session.SessionID, session.UserID, session.LookupID, session.TokenHash,
		session.UserAgent, session.IPAddress, session.LastActivity)
	if err := row.Scan(&session.Created); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return models.Session{}, store.ErrDuplicateLookup
			case pgForeignKeyViolation:
				return models.Session{}, store.ErrIdentityNotFound
			}
		}
		return models.Session{}, fmt.Errorf("creating session: %w", err)
	}
	return session, nil
}

func (s *Store) FindSession(ctx context.Context, lookupID string, r role.Role) (models.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+sessionColumns+`
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.lookup_id = $1`+roleClause(r), lookupID)
	return scanSession(row)
}

func (s *Store) TouchSession(ctx context.Context, lookupID string, r role.Role, at time.Time) (models.Session, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE sessions s
		SET last_activity = $2
		FROM users u
		WHERE u.id = s.user_id AND s.lookup_id = $1`+roleClause(r)+`
		RETURNING`+sessionColumns, lookupID, at)
	return scanSession(row)
}

func (s *Store) DeleteSession(ctx context.Context, lookupID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE lookup_id = $1`, lookupID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

func (s *Store) DeleteIdleSessions(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE last_activity < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("deleting idle sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) GetIdentity(ctx context.Context, userID int64) (models.Identity, error) {
	return s.GetIdentityWithRole(ctx, userID, role.None)
}

func (s *Store) GetIdentityWithRole(ctx context.Context, userID int64, r role.Role) (models.Identity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+identityColumns+`
		FROM users u
		WHERE u.id = $1`+roleClause(r), userID)
	return scanIdentity(row)
}

func (s *Store) GetIdentityByEmployeeID(ctx context.Context, employeeID string) (models.Identity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+identityColumns+`
		FROM users u
		WHERE lower(u.employee_id) = lower($1)
	`, employeeID)
	return scanIdentity(row)
}

func scanSession(row pgx.Row) (models.Session, error) {
	var session models.Session
	var flags role.Flags
	err := row.Scan(
		&session.SessionID, &session.UserID, &session.LookupID, &session.TokenHash,
		&session.UserAgent, &session.IPAddress, &session.LastActivity, &session.Created,
		&flags.Staff, &flags.HeadOfUnit, &flags.HeadOfDepartment, &flags.HeadOfService, &flags.PermanentSecretary,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, store.ErrSessionNotFound
		}
		return models.Session{}, err
	}
	session.Roles = flags
	return session, nil
}

func scanIdentity(row pgx.Row) (models.Identity, error) {
	var identity models.Identity
	var flags role.Flags
	err := row.Scan(
		&identity.ID, &identity.EmployeeID, &identity.MinistryID, &identity.DepartmentID, &identity.UnitID,
		&identity.FirstName, &identity.LastName, &identity.Email, &identity.PasswordHash,
		&flags.Staff, &flags.HeadOfUnit, &flags.HeadOfDepartment, &flags.HeadOfService, &flags.PermanentSecretary,
		&identity.Created,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Identity{}, store.ErrIdentityNotFound
		}
		return models.Identity{}, err
	}
	identity.Roles = flags
	return identity, nil
}
