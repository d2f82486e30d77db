package security

import (
	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt cost used when none is configured.
const DefaultCost = 12

// Hasher hashes and verifies secrets (passwords and session tokens) with
// bcrypt. Plaintext secrets must never be logged or persisted.
type Hasher struct {
	Cost int
}

// NewHasher clamps cost to bcrypt's accepted range; cost <= 0 selects
// DefaultCost.
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Hasher{Cost: cost}
}

func (h *Hasher) Hash(secret []byte) (string, error) {
	b, err := bcrypt.GenerateFromPassword(secret, h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Matches reports whether secret produced hash. Malformed hashes and empty
// inputs never match.
func (h *Hasher) Matches(hash string, secret []byte) bool {
	if hash == "" || len(secret) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), secret) == nil
}
