package session

import "errors"

var (
	// ErrNotFound covers an unknown token, a role mismatch, a foreign owner
	// and an expired session alike.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidCredential means a session matched but the token did not
	// verify against its hash.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrRenewalFailed means the activity update of the admin path failed
	// after a successful lookup.
	ErrRenewalFailed = errors.New("session renewal failed")
)
