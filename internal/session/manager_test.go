package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"staffportal/auth-service/internal/models"
	"staffportal/auth-service/internal/role"
	"staffportal/auth-service/internal/security"
	"staffportal/auth-service/internal/store"
	"staffportal/auth-service/internal/token"

	"golang.org/x/crypto/bcrypt"
)

type memoryStore struct {
	mu         sync.Mutex
	identities map[int64]models.Identity
	sessions   map[string]models.Session

	touchFn func(lookupID string) error
	seq     int
}

func newMemoryStore(identities ...models.Identity) *memoryStore {
	st := &memoryStore{
		identities: make(map[int64]models.Identity),
		sessions:   make(map[string]models.Session),
	}
	for _, identity := range identities {
		st.identities[identity.ID] = identity
	}
	return st
}

func (s *memoryStore) CreateSession(ctx context.Context, input store.CreateSessionInput) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[input.UserID]; !ok {
		return models.Session{}, store.ErrIdentityNotFound
	}
	if _, ok := s.sessions[input.LookupID]; ok {
		return models.Session{}, store.ErrDuplicateLookup
	}
	s.seq++
	session := models.Session{
		SessionID:    fmt.Sprintf("sess-%d", s.seq),
		UserID:       input.UserID,
		LookupID:     input.LookupID,
		TokenHash:    input.TokenHash,
		UserAgent:    input.Metadata.UserAgent,
		IPAddress:    input.Metadata.IPAddress,
		Roles:        input.Roles,
		LastActivity: input.Activity,
		Created:      input.Activity,
	}
	s.sessions[input.LookupID] = session
	return session, nil
}

func (s *memoryStore) match(lookupID string, r role.Role) (models.Session, bool) {
	session, ok := s.sessions[lookupID]
	if !ok {
		return models.Session{}, false
	}
	if !r.SatisfiedBy(s.identities[session.UserID].Roles) {
		return models.Session{}, false
	}
	return session, true
}

func (s *memoryStore) FindSession(ctx context.Context, lookupID string, r role.Role) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.match(lookupID, r)
	if !ok {
		return models.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *memoryStore) TouchSession(ctx context.Context, lookupID string, r role.Role, at time.Time) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.touchFn != nil {
		if err := s.touchFn(lookupID); err != nil {
			return models.Session{}, err
		}
	}
	session, ok := s.match(lookupID, r)
	if !ok {
		return models.Session{}, store.ErrSessionNotFound
	}
	session.LastActivity = at
	s.sessions[lookupID] = session
	return session, nil
}

func (s *memoryStore) DeleteSession(ctx context.Context, lookupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[lookupID]; !ok {
		return store.ErrSessionNotFound
	}
	delete(s.sessions, lookupID)
	return nil
}

func (s *memoryStore) DeleteIdleSessions(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for lookupID, session := range s.sessions {
		if session.LastActivity.Before(before) {
			delete(s.sessions, lookupID)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memoryStore) GetIdentity(ctx context.Context, userID int64) (models.Identity, error) {
	return s.GetIdentityWithRole(ctx, userID, role.None)
}

func (s *memoryStore) GetIdentityWithRole(ctx context.Context, userID int64, r role.Role) (models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[userID]
	if !ok || !r.SatisfiedBy(identity.Roles) {
		return models.Identity{}, store.ErrIdentityNotFound
	}
	return identity, nil
}

func (s *memoryStore) GetIdentityByEmployeeID(ctx context.Context, employeeID string) (models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, identity := range s.identities {
		if identity.EmployeeID == employeeID {
			return identity, nil
		}
	}
	return models.Identity{}, store.ErrIdentityNotFound
}

func (s *memoryStore) lastActivity(t *testing.T, tok string) time.Time {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[tok]
	if !ok {
		t.Fatalf("session not stored")
	}
	return session.LastActivity
}

// stepClock advances by one second on every reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testHasher = security.NewHasher(bcrypt.MinCost)

func testCodec() *token.Codec {
	return token.NewCodec(testHasher, token.Config{Workers: 4})
}

func hodIdentity() models.Identity {
	return models.Identity{
		ID:         42,
		EmployeeID: "EMP-042",
		FirstName:  "Ama",
		LastName:   "Mensah",
		Roles:      role.Flags{Staff: true, HeadOfDepartment: true},
	}
}

func newTestManager(t *testing.T, st *memoryStore, opts Options) (*Manager, *stepClock) {
	t.Helper()
	clock := &stepClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}
	if opts.PasswordCost == 0 {
		opts.PasswordCost = bcrypt.MinCost
	}
	mgr, err := NewManager(st, st, testCodec(), opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr, clock
}

func TestIssueAuthenticateRevoke(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(hodIdentity())
	mgr, _ := newTestManager(t, st, Options{})

	tok, err := mgr.Issue(ctx, 42, models.ClientMetadata{UserAgent: "test", IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	issuedAt := st.lastActivity(t, tok)

	auth, err := mgr.Authenticate(ctx, tok, role.None)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if auth.Profile.UserID != 42 || auth.Profile.EmployeeID != "EMP-042" {
		t.Fatalf("unexpected profile: %+v", auth.Profile)
	}
	if !auth.LastActivity.After(issuedAt) {
		t.Fatalf("expected activity after %v, got %v", issuedAt, auth.LastActivity)
	}

	revoked, err := mgr.Revoke(ctx, 42, tok, role.None)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked != 42 {
		t.Fatalf("expected revoked id 42, got %d", revoked)
	}

	if _, err := mgr.Authenticate(ctx, tok, role.None); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after revoke, got %v", err)
	}
	if _, err := mgr.Revoke(ctx, 42, tok, role.None); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second revoke, got %v", err)
	}
}

func TestIssueUnknownIdentity(t *testing.T) {
	mgr, _ := newTestManager(t, newMemoryStore(), Options{})
	if _, err := mgr.Issue(context.Background(), 7, models.ClientMetadata{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIssueAllowsConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(hodIdentity())
	mgr, _ := newTestManager(t, st, Options{})

	first, err := mgr.Issue(ctx, 42, models.ClientMetadata{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, err := mgr.Issue(ctx, 42, models.ClientMetadata{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct tokens")
	}
	for _, tok := range []string{first, second} {
		if _, err := mgr.Authenticate(ctx, tok, role.None); err != nil {
			t.Fatalf("authenticate: %v", err)
		}
	}
}

func TestAuthenticateUnknownToken(t *testing.T) {
	mgr, _ := newTestManager(t, newMemoryStore(hodIdentity()), Options{})
	for _, tok := range []string{"", "never-issued"} {
		if _, err := mgr.Authenticate(context.Background(), tok, role.None); !errors.Is(err, ErrNotFound) {
			t.Fatalf("token %q: expected ErrNotFound, got %v", tok, err)
		}
	}
}

func TestAuthenticateRolePredicate(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(hodIdentity())
	mgr, _ := newTestManager(t, st, Options{})
	tok, err := mgr.Issue(ctx, 42, models.ClientMetadata{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := mgr.Authenticate(ctx, tok, role.Resolve("hod")); err != nil {
		t.Fatalf("expected hod session to authenticate: %v", err)
	}
	if _, err := mgr.Authenticate(ctx, tok, role.Resolve("ps")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for ps, got %v", err)
	}
	// Unrecognised tags fall back to head_of_unit, which this identity lacks.
	if _, err := mgr.Authenticate(ctx, tok, role.Resolve("xyz")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for xyz, got %v", err)
	}
}

func TestAuthenticateInvalidCredentialTouchesFirst(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(hodIdentity())
	mgr, _ := newTestManager(t, st, Options{})
	tok, err := mgr.Issue(ctx, 42, models.ClientMetadata{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	before := st.lastActivity(t, tok)

	st.mu.Lock()
	session := st.sessions[tok]
	_, session.TokenHash, _ = testCodec().Generate(ctx)
	st.sessions[tok] = session
	st.mu.Unlock()

	if _, err := mgr.Authenticate(ctx, tok, role.None); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	if !st.lastActivity(t, tok).After(before) {
		t.Fatalf("expected failed verification to bump activity")
	}
}

func TestAuthenticateVerifyBeforeTouch(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(hodIdentity())
	mgr, _ := newTestManager(t, st, Options{VerifyBeforeTouch: true})
	tok, err := mgr.Issue(ctx, 42, models.ClientMetadata{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	before := st.lastActivity(t, tok)

	st.mu.Lock()
	session := st.sessions[tok]
	original := session.TokenHash
	_, session.TokenHash, _ = testCodec().Generate(ctx)
	st.sessions[tok] = session
	st.mu.Unlock()

	if _, err := mgr.Authenticate(ctx, tok, role.None); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	if !st.lastActivity(t, tok).Equal(before) {
		t.Fatalf("expected activity untouched when verification fails first")
	}

	st.mu.Lock()
	session.TokenHash = original
	st.sessions[tok] = session
	st.mu.Unlock()
	if _, err := mgr.Authenticate(ctx, tok, role.None); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
}

func TestAuthenticateAdmin(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(hodIdentity())
	mgr, _ := newTestManager(t, st, Options{})
	tok, err := mgr.Issue(ctx, 42, models.ClientMetadata{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	auth, err := mgr.AuthenticateAdmin(ctx, tok, role.HeadOfDepartment)
	if err != nil {
		t.Fatalf("authenticate admin: %v", err)
	}
	if auth.Profile.UserID != 42 {
		t.Fatalf("unexpected profile: %+v", auth.Profile)
	}
	if _, err := mgr.AuthenticateAdmin(ctx, tok, role.HeadOfService); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for hos, got %v", err)
	}

	st.touchFn = func(string) error { return errors.New("connection reset") }
	if _, err := mgr.AuthenticateAdmin(ctx, tok, role.HeadOfDepartment); !errors.Is(err, ErrRenewalFailed) {
		t.Fatalf("expected ErrRenewalFailed, got %v", err)
	}

	st.touchFn = func(string) error { return store.ErrSessionNotFound }
	if _, err := mgr.AuthenticateAdmin(ctx, tok, role.HeadOfDepartment); !errors.Is(err, ErrRenewalFailed) {
		t.Fatalf("expected ErrRenewalFailed when the row vanished, got %v", err)
	}

	st.touchFn = func(string) error { return context.DeadlineExceeded }
	_, err = mgr.AuthenticateAdmin(ctx, tok, role.HeadOfDepartment)
	if !errors.Is(err, ErrRenewalFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrRenewalFailed wrapping the deadline, got %v", err)
	}
}

func TestAuthenticateStorageFault(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(hodIdentity())
	mgr, _ := newTestManager(t, st, Options{})
	tok, err := mgr.Issue(ctx, 42, models.ClientMetadata{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	fault := errors.New("connection reset")
	st.touchFn = func(string) error { return fault }

	_, err = mgr.Authenticate(ctx, tok, role.None)
	if !errors.Is(err, fault) {
		t.Fatalf("expected storage fault to propagate, got %v", err)
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("storage fault must not look like an authentication failure")
	}
}

func TestRevokeChecks(t *testing.T) {
	ctx := context.Background()
	other := models.Identity{ID: 7, EmployeeID: "EMP-007", Roles: role.Flags{Staff: true}}
	st := newMemoryStore(hodIdentity(), other)
	mgr, _ := newTestManager(t, st, Options{})
	tok, err := mgr.Issue(ctx, 42, models.ClientMetadata{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := mgr.Revoke(ctx, 7, tok, role.None); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign owner, got %v", err)
	}
	if _, err := mgr.Revoke(ctx, 42, tok, role.PermanentSecretary); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unmet role, got %v", err)
	}

	st.mu.Lock()
	session := st.sessions[tok]
	original := session.TokenHash
	_, session.TokenHash, _ = testCodec().Generate(ctx)
	st.sessions[tok] = session
	st.mu.Unlock()
	if _, err := mgr.Revoke(ctx, 42, tok, role.None); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	if _, ok := st.sessions[tok]; !ok {
		t.Fatalf("session must survive a failed revoke")
	}

	st.mu.Lock()
	session.TokenHash = original
	st.sessions[tok] = session
	st.mu.Unlock()
	if _, err := mgr.Revoke(ctx, 42, tok, role.HeadOfDepartment); err != nil {
		t.Fatalf("revoke: %v", err)
	}
}

func TestIdleTimeout(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(hodIdentity())
	mgr, clock := newTestManager(t, st, Options{IdleTimeout: 30 * time.Minute})

	tok, err := mgr.Issue(ctx, 42, models.ClientMetadata{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := mgr.Authenticate(ctx, tok, role.None); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	clock.Advance(time.Hour)
	if _, err := mgr.Authenticate(ctx, tok, role.None); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for idle session, got %v", err)
	}
	if _, ok := st.sessions[tok]; ok {
		t.Fatalf("expected idle session to be deleted")
	}
}

func TestSweepIdle(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(hodIdentity())

	disabled, _ := newTestManager(t, st, Options{})
	if n, err := disabled.SweepIdle(ctx); err != nil || n != 0 {
		t.Fatalf("expected no-op sweep, got %d %v", n, err)
	}

	mgr, clock := newTestManager(t, st, Options{IdleTimeout: 30 * time.Minute})
	if _, err := mgr.Issue(ctx, 42, models.ClientMetadata{}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	clock.Advance(time.Hour)
	fresh, err := mgr.Issue(ctx, 42, models.ClientMetadata{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	deleted, err := mgr.SweepIdle(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 swept session, got %d", deleted)
	}
	if _, err := mgr.Authenticate(ctx, fresh, role.None); err != nil {
		t.Fatalf("fresh session should survive: %v", err)
	}
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	identity := hodIdentity()
	hash, err := testHasher.Hash([]byte("correct horse"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	identity.PasswordHash = hash
	st := newMemoryStore(identity)
	mgr, _ := newTestManager(t, st, Options{})

	result, err := mgr.Login(ctx, "EMP-042", "correct horse", role.HeadOfDepartment, models.ClientMetadata{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.Token == "" || result.Profile.UserID != 42 {
		t.Fatalf("unexpected login result: %+v", result)
	}
	if _, err := mgr.Authenticate(ctx, result.Token, role.HeadOfDepartment); err != nil {
		t.Fatalf("authenticate issued token: %v", err)
	}

	cases := []struct {
		name       string
		employeeID string
		password   string
		r          role.Role
	}{
		{"wrong password", "EMP-042", "wrong", role.None},
		{"unknown employee", "EMP-999", "correct horse", role.None},
		{"unmet role", "EMP-042", "correct horse", role.PermanentSecretary},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mgr.Login(ctx, tc.employeeID, tc.password, tc.r, models.ClientMetadata{}); !errors.Is(err, ErrInvalidCredential) {
				t.Fatalf("expected ErrInvalidCredential, got %v", err)
			}
		})
	}
}

func TestLoginUnknownEmployeeAfterCancelledLogin(t *testing.T) {
	st := newMemoryStore(hodIdentity())
	mgr, _ := newTestManager(t, st, Options{PasswordCost: bcrypt.MinCost + 1})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := mgr.Login(cancelled, "EMP-999", "guess", role.None, models.ClientMetadata{}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}

	cost, err := bcrypt.Cost([]byte(mgr.placeholder))
	if err != nil {
		t.Fatalf("placeholder is not a bcrypt hash: %v", err)
	}
	if cost != bcrypt.MinCost+1 {
		t.Fatalf("expected placeholder cost %d, got %d", bcrypt.MinCost+1, cost)
	}
	if testCodec().Verify(context.Background(), "guess", mgr.placeholder) {
		t.Fatalf("placeholder must not match any password")
	}

	if _, err := mgr.Login(context.Background(), "EMP-999", "guess", role.None, models.ClientMetadata{}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestConcurrentAuthenticate(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(hodIdentity())
	mgr, _ := newTestManager(t, st, Options{})
	tok, err := mgr.Issue(ctx, 42, models.ClientMetadata{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.Authenticate(ctx, tok, role.None); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent authenticate: %v", err)
	}
}
