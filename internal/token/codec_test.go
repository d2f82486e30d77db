package token

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"staffportal/auth-service/internal/security"

	"golang.org/x/crypto/bcrypt"
)

func newTestCodec(mode LookupMode) *Codec {
	return NewCodec(security.NewHasher(bcrypt.MinCost), Config{Workers: 2, LookupMode: mode})
}

func TestGenerateAndVerify(t *testing.T) {
	ctx := context.Background()
	codec := newTestCodec(LookupPlaintext)

	token, hash, err := codec.Generate(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(token) != 43 {
		t.Fatalf("expected 43 char token, got %d", len(token))
	}
	if strings.Contains(hash, token) {
		t.Fatalf("hash must not embed the plaintext token")
	}
	if !codec.Verify(ctx, token, hash) {
		t.Fatalf("expected token to verify against its own hash")
	}

	other, _, err := codec.Generate(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if other == token {
		t.Fatalf("expected distinct tokens")
	}
	if codec.Verify(ctx, other, hash) {
		t.Fatalf("a different token must not verify")
	}
}

func TestGenerateUsesIndependentSalt(t *testing.T) {
	ctx := context.Background()
	codec := newTestCodec(LookupPlaintext)
	_, first, err := codec.Generate(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	_, second, err := codec.Generate(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct hashes")
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	ctx := context.Background()
	codec := newTestCodec(LookupPlaintext)
	token, hash, err := codec.Generate(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	cases := []struct {
		name  string
		token string
		hash  string
	}{
		{"empty token", "", hash},
		{"empty hash", token, ""},
		{"malformed hash", token, "$2a$04$short"},
		{"plaintext as hash", token, token},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if codec.Verify(ctx, tc.token, tc.hash) {
				t.Fatalf("expected verification failure")
			}
		})
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	busy := NewCodec(security.NewHasher(bcrypt.MinCost), Config{Workers: 1})
	if err := busy.slots.Acquire(ctx, 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer busy.slots.Release(1)
	if busy.Verify(cancelled, token, hash) {
		t.Fatalf("expected cancelled verification to fail closed")
	}
}

func TestVerifyConcurrent(t *testing.T) {
	ctx := context.Background()
	codec := newTestCodec(LookupPlaintext)
	token, hash, err := codec.Generate(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var wg sync.WaitGroup
	failures := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !codec.Verify(ctx, token, hash) {
				failures <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(failures)
	if len(failures) != 0 {
		t.Fatalf("expected all concurrent verifications to succeed, %d failed", len(failures))
	}
}

func TestLookupID(t *testing.T) {
	plain := newTestCodec(LookupPlaintext)
	if got := plain.LookupID("abc"); got != "abc" {
		t.Fatalf("plaintext mode should return token, got %q", got)
	}

	fp := newTestCodec(LookupFingerprint)
	a := fp.LookupID("abc")
	if a == "abc" || len(a) != 64 {
		t.Fatalf("expected 64 hex char fingerprint, got %q", a)
	}
	if fp.LookupID("abc") != a {
		t.Fatalf("fingerprint must be deterministic")
	}
	if fp.LookupID("abd") == a {
		t.Fatalf("fingerprints of different tokens must differ")
	}
}

func TestParseLookupMode(t *testing.T) {
	if m, err := ParseLookupMode(""); err != nil || m != LookupPlaintext {
		t.Fatalf("expected plaintext default, got %q %v", m, err)
	}
	if m, err := ParseLookupMode("fingerprint"); err != nil || m != LookupFingerprint {
		t.Fatalf("expected fingerprint, got %q %v", m, err)
	}
	if _, err := ParseLookupMode("sha1"); !errors.Is(err, ErrInvalidLookupMode) {
		t.Fatalf("expected ErrInvalidLookupMode, got %v", err)
	}
}
