package models

import (
	"time"

	"staffportal/auth-service/internal/role"
)

// Identity is a registered portal account. PasswordHash never leaves the
// service.
type Identity struct {
	ID           int64
	EmployeeID   string
	MinistryID   *int64
	DepartmentID *int64
	UnitID       *int64
	FirstName    string
	LastName     string
	Email        string
	PasswordHash string
	Roles        role.Flags
	Created      time.Time
}

// Profile is the public projection of an Identity.
type Profile struct {
	UserID       int64      `json:"user_id"`
	EmployeeID   string     `json:"employee_id"`
	MinistryID   *int64     `json:"ministry_id,omitempty"`
	DepartmentID *int64     `json:"department_id,omitempty"`
	UnitID       *int64     `json:"unit_id,omitempty"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	Email        string     `json:"email"`
	Roles        role.Flags `json:"roles"`
	Created      time.Time  `json:"created_at"`
}

func (i Identity) Profile() Profile {
	return Profile{
		UserID:       i.ID,
		EmployeeID:   i.EmployeeID,
		MinistryID:   i.MinistryID,
		DepartmentID: i.DepartmentID,
		UnitID:       i.UnitID,
		FirstName:    i.FirstName,
		LastName:     i.LastName,
		Email:        i.Email,
		Roles:        i.Roles,
		Created:      i.Created,
	}
}

// ClientMetadata is best-effort request information recorded on a session.
type ClientMetadata struct {
	UserAgent string
	IPAddress string
}

// Session is one authenticated device. TokenHash is the verification secret
// and is never serialised.
type Session struct {
	SessionID    string     `json:"session_id"`
	UserID       int64      `json:"user_id"`
	LookupID     string     `json:"-"`
	TokenHash    string     `json:"-"`
	UserAgent    string     `json:"user_agent,omitempty"`
	IPAddress    string     `json:"ip_address,omitempty"`
	Roles        role.Flags `json:"-"`
	LastActivity time.Time  `json:"last_activity"`
	Created      time.Time  `json:"created_at"`
}
