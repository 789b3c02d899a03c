package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fronting/core/internal/connector"
	"fronting/core/internal/front"
	"fronting/core/internal/remote"
	"fronting/core/internal/store"
)

type fakeIssuer struct {
	mu       sync.Mutex
	createFn func(ctx context.Context, accountID, systemID, device string) (string, error)
	revoked  []string
}

func (f *fakeIssuer) CreateSession(ctx context.Context, accountID, systemID, device string) (string, error) {
	if f.createFn != nil {
		return f.createFn(ctx, accountID, systemID, device)
	}
	return "session-token", nil
}

func (f *fakeIssuer) RevokeSession(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, token)
	return nil
}

type fakeBackend struct {
	mu      sync.Mutex
	applied []string
}

func (f *fakeBackend) FetchCredential(_ context.Context, token string) (remote.Credential, error) {
	return remote.Credential{Token: "cred-" + token, AccountID: "acct", SystemID: "sys", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeBackend) record(op, collection, rowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, op+" "+collection+"/"+rowID)
	return nil
}

func (f *fakeBackend) Upsert(_ context.Context, _ remote.Credential, collection, rowID string, _ map[string]any) error {
	return f.record("put", collection, rowID)
}

func (f *fakeBackend) Patch(_ context.Context, _ remote.Credential, collection, rowID string, _ map[string]any) error {
	return f.record("patch", collection, rowID)
}

func (f *fakeBackend) Delete(_ context.Context, _ remote.Credential, collection, rowID string) error {
	return f.record("delete", collection, rowID)
}

func (f *fakeBackend) FetchRoster(context.Context, remote.Credential, string) ([]store.Identity, error) {
	return nil, nil
}

func TestSignInRequestsSessionAndSyncs(t *testing.T) {
	backend := &fakeBackend{}
	issuer := &fakeIssuer{}
	manager := newTestManager(t, ManagerConfig{Backend: backend, Sessions: issuer})
	ctx := context.Background()

	session, token, err := manager.SignIn(ctx, SignInRequest{AccountID: "acct", SystemID: "sys", Device: "phone"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if token != "session-token" {
		t.Fatalf("token = %q", token)
	}

	sam, err := session.Roster.Create(ctx, front.IdentityInput{Name: "Sam"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := session.Machine.SetFronting(ctx, []string{sam.ID}, front.ModeSingle, ""); err != nil {
		t.Fatalf("SetFronting() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if session.Connector.Status(ctx).Pending == 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if pending := session.Connector.Status(ctx).Pending; pending != 0 {
		t.Fatalf("pending = %d after drain", pending)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.applied) == 0 || backend.applied[0] != "put identities/"+sam.ID {
		t.Fatalf("applied = %v", backend.applied)
	}
}

func TestSignInFallsBackOffline(t *testing.T) {
	issuer := &fakeIssuer{createFn: func(context.Context, string, string, string) (string, error) {
		return "", errors.New("dial tcp: connection refused")
	}}
	manager := newTestManager(t, ManagerConfig{Backend: &fakeBackend{}, Sessions: issuer})

	session, token, err := manager.SignIn(context.Background(), SignInRequest{AccountID: "acct", SystemID: "sys"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if token != "" {
		t.Fatalf("token = %q, want none", token)
	}
	waitForState(t, session, connector.StateOffline)
}

func TestSignInRejected(t *testing.T) {
	issuer := &fakeIssuer{createFn: func(context.Context, string, string, string) (string, error) {
		return "", fmt.Errorf("%w: unknown account", remote.ErrRejected)
	}}
	manager := newTestManager(t, ManagerConfig{Backend: &fakeBackend{}, Sessions: issuer})

	if _, _, err := manager.SignIn(context.Background(), SignInRequest{AccountID: "acct", SystemID: "sys"}); !errors.Is(err, remote.ErrRejected) {
		t.Fatalf("SignIn() error = %v, want ErrRejected", err)
	}
	if _, err := manager.Current(); err == nil {
		t.Fatal("rejected sign-in left a session")
	}
}

func TestSignInReplacesSessionAndSignOutRevokes(t *testing.T) {
	issuer := &fakeIssuer{}
	manager := newTestManager(t, ManagerConfig{Backend: &fakeBackend{}, Sessions: issuer})
	ctx := context.Background()

	first, _, err := manager.SignIn(ctx, SignInRequest{AccountID: "acct", SystemID: "sys-a", SessionToken: "token-a"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if _, err := first.Roster.Create(ctx, front.IdentityInput{Name: "Sam"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, _, err := manager.SignIn(ctx, SignInRequest{AccountID: "acct", SystemID: "sys-b", SessionToken: "token-b"}); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	current, err := manager.Current()
	if err != nil || current.SystemID != "sys-b" {
		t.Fatalf("Current() = %v, %v", current, err)
	}
	if len(current.Roster.List()) != 0 {
		t.Fatal("second system sees the first system's identities")
	}

	if err := manager.SignOut(ctx); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	issuer.mu.Lock()
	defer issuer.mu.Unlock()
	if len(issuer.revoked) != 1 || issuer.revoked[0] != "token-b" {
		t.Fatalf("revoked = %v", issuer.revoked)
	}
}

func TestSessionSurvivesRestart(t *testing.T) {
	db, err := store.OpenDB(store.Config{Path: t.TempDir(), SyncWrites: true})
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	manager := NewManager(ManagerConfig{DB: db})
	ctx := context.Background()

	session, _, err := manager.SignIn(ctx, SignInRequest{AccountID: "acct", SystemID: "sys"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	sam, err := session.Roster.Create(ctx, front.IdentityInput{Name: "Sam"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := session.Machine.SetFronting(ctx, []string{sam.ID}, front.ModeSingle, "resting"); err != nil {
		t.Fatalf("SetFronting() error = %v", err)
	}
	entry, _ := session.Machine.OpenEntry()
	manager.Close()

	session, _, err = manager.SignIn(ctx, SignInRequest{AccountID: "acct", SystemID: "sys"})
	if err != nil {
		t.Fatalf("SignIn() again error = %v", err)
	}
	defer func() {
		manager.Close()
		_ = db.Close()
	}()
	status := session.Machine.CurrentStatus()
	if status.Primary() != sam.ID || status.Note != "resting" {
		t.Fatalf("status after restart = %+v", status)
	}
	reopened, ok := session.Machine.OpenEntry()
	if !ok || reopened.ID != entry.ID {
		t.Fatalf("open entry after quick restart = %+v, want %s", reopened, entry.ID)
	}
}
