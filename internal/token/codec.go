// Package token generates opaque session tokens and verifies them against
// their stored bcrypt hashes.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"

	"staffportal/auth-service/internal/security"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/semaphore"
)

// tokenBytes is the entropy of a generated token: 256 bits.
const tokenBytes = 32

// LookupMode selects how the storage lookup key is derived from a token.
type LookupMode string

const (
	// LookupPlaintext stores the token itself as the lookup key.
	LookupPlaintext LookupMode = "plaintext"
	// LookupFingerprint stores hex(BLAKE3-256(token)) as the lookup key.
	LookupFingerprint LookupMode = "fingerprint"
)

var ErrInvalidLookupMode = errors.New("invalid lookup key mode")

// ParseLookupMode accepts "plaintext" or "fingerprint"; empty selects plaintext.
func ParseLookupMode(value string) (LookupMode, error) {
	switch LookupMode(value) {
	case "", LookupPlaintext:
		return LookupPlaintext, nil
	case LookupFingerprint:
		return LookupFingerprint, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLookupMode, value)
	}
}

type Config struct {
	// Workers bounds concurrent bcrypt computations. <= 0 uses GOMAXPROCS.
	Workers    int
	LookupMode LookupMode
}

// Codec is safe for concurrent use.
type Codec struct {
	hasher *security.Hasher
	slots  *semaphore.Weighted
	mode   LookupMode
}

func NewCodec(hasher *security.Hasher, cfg Config) *Codec {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	mode := cfg.LookupMode
	if mode == "" {
		mode = LookupPlaintext
	}
	return &Codec{
		hasher: hasher,
		slots:  semaphore.NewWeighted(int64(workers)),
		mode:   mode,
	}
}

// Generate returns a fresh random token and its bcrypt hash. The plaintext
// token is only ever returned here.
func (c *Codec) Generate(ctx context.Context) (string, string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generating token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	if err := c.slots.Acquire(ctx, 1); err != nil {
		return "", "", fmt.Errorf("waiting for hash slot: %w", err)
	}
	hash, err := c.hasher.Hash([]byte(token))
	c.slots.Release(1)
	if err != nil {
		return "", "", fmt.Errorf("hashing token: %w", err)
	}
	return token, hash, nil
}

// Verify reports whether token produced storedHash. It fails closed: a
// malformed hash, empty input or a cancelled context all yield false.
func (c *Codec) Verify(ctx context.Context, token, storedHash string) bool {
	if token == "" || storedHash == "" {
		return false
	}
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return false
	}
	defer c.slots.Release(1)
	return c.hasher.Matches(storedHash, []byte(token))
}

// LookupID derives the storage key for token under the configured mode.
func (c *Codec) LookupID(token string) string {
	if c.mode == LookupFingerprint {
		sum := blake3.Sum256([]byte(token))
		return hex.EncodeToString(sum[:])
	}
	return token
}

func (c *Codec) Mode() LookupMode {
	return c.mode
}
