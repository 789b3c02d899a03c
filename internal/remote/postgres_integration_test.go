package remote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []RosterEvent
}

func (p *recordingPublisher) PublishRoster(_ context.Context, _, _ string, event RosterEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func newIntegrationBackend(t *testing.T) (*PostgresBackend, Credential, *recordingPublisher) {
	t.Helper()
	db := testDatabase(t)
	ctx := context.Background()
	if _, err := ApplyMigrations(ctx, db, testMigrationsDir); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}
	creds, _ := newTestCredentials(t)
	publisher := &recordingPublisher{}
	backend := NewPostgresBackend(db, creds, publisher, zerolog.Nop())

	token, err := creds.CreateSession(ctx, "acct-1", "sys-1", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	cred, err := backend.FetchCredential(ctx, token)
	if err != nil {
		t.Fatalf("FetchCredential() error = %v", err)
	}
	return backend, cred, publisher
}

func TestPostgresBackendDocumentLifecycle(t *testing.T) {
	backend, cred, publisher := newIntegrationBackend(t)
	ctx := context.Background()

	doc := map[string]any{
		"id": "ray", "systemId": "sys-1", "name": "Ray", "color": "", "host": false,
		"active": false, "archived": false, "createdAt": time.Now().UTC().Format(time.RFC3339Nano),
		"clock": map[string]any{"name": int64(10), "active": int64(10)},
	}
	if err := backend.Upsert(ctx, cred, "identities", "ray", doc); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	// Replaying the same put is harmless.
	if err := backend.Upsert(ctx, cred, "identities", "ray", doc); err != nil {
		t.Fatalf("Upsert() replay error = %v", err)
	}
	if err := backend.Patch(ctx, cred, "identities", "ray", map[string]any{"active": true, "clock": map[string]any{"active": int64(20)}}); err != nil {
		t.Fatalf("Patch() error = %v", err)
	}
	if err := backend.Patch(ctx, cred, "identities", "ray", map[string]any{"active": false, "clock": map[string]any{"active": int64(15)}}); err != nil {
		t.Fatalf("Patch() stale error = %v", err)
	}

	roster, err := backend.FetchRoster(ctx, cred, "sys-1")
	if err != nil {
		t.Fatalf("FetchRoster() error = %v", err)
	}
	if len(roster) != 1 || !roster[0].Active || roster[0].Clock["active"] != 20 {
		t.Fatalf("FetchRoster() = %+v", roster)
	}

	if err := backend.Delete(ctx, cred, "identities", "ray"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := backend.Delete(ctx, cred, "identities", "ray"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete() missing error = %v, want ErrNotFound", err)
	}
	if err := backend.Patch(ctx, cred, "identities", "ray", map[string]any{"name": "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Patch() missing error = %v, want ErrNotFound", err)
	}

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if len(publisher.events) != 5 || publisher.events[4].Kind != EventRemove {
		t.Fatalf("published %d events", len(publisher.events))
	}
}

func TestPostgresBackendRejectsForeignSystem(t *testing.T) {
	backend, cred, _ := newIntegrationBackend(t)
	ctx := context.Background()

	err := backend.Upsert(ctx, cred, "identities", "x", map[string]any{"id": "x", "systemId": "sys-2"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Upsert() error = %v, want ErrRejected", err)
	}
	if _, err := backend.FetchRoster(ctx, cred, "sys-2"); !errors.Is(err, ErrRejected) {
		t.Fatalf("FetchRoster() error = %v, want ErrRejected", err)
	}
	if err := backend.Upsert(ctx, cred, "journal", "x", map[string]any{}); !errors.Is(err, ErrRejected) {
		t.Fatalf("Upsert(unknown collection) error = %v, want ErrRejected", err)
	}
}

func TestPostgresBackendHistoryEndIsSetOnce(t *testing.T) {
	backend, cred, _ := newIntegrationBackend(t)
	ctx := context.Background()

	entry := map[string]any{"id": "fh_1", "identityId": "ray", "systemId": "sys-1", "start": "2026-01-01T00:00:00Z"}
	if err := backend.Upsert(ctx, cred, "front_history", "fh_1", entry); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	end := map[string]any{"end": "2026-01-01T01:00:00Z"}
	if err := backend.Patch(ctx, cred, "front_history", "fh_1", end); err != nil {
		t.Fatalf("Patch() error = %v", err)
	}
	if err := backend.Patch(ctx, cred, "front_history", "fh_1", end); err != nil {
		t.Fatalf("Patch() replay error = %v", err)
	}
	err := backend.Patch(ctx, cred, "front_history", "fh_1", map[string]any{"end": "2026-01-01T02:00:00Z"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Patch() second end error = %v, want ErrRejected", err)
	}
}

func TestPostgresBackendStaleSystemPutDoesNotOverwrite(t *testing.T) {
	backend, cred, _ := newIntegrationBackend(t)
	ctx := context.Background()

	newer := map[string]any{"id": "sys-1", "frontNote": "b", "blurry": false, "clock": map[string]any{"frontNote": int64(200)}}
	if err := backend.Upsert(ctx, cred, "systems", "sys-1", newer); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	stale := map[string]any{"id": "sys-1", "frontNote": "a", "blurry": true, "clock": map[string]any{"frontNote": int64(100), "blurry": int64(100)}}
	if err := backend.Upsert(ctx, cred, "systems", "sys-1", stale); err != nil {
		t.Fatalf("Upsert() stale error = %v", err)
	}

	var raw []byte
	if err := backend.DB().QueryRowContext(ctx, `
		SELECT doc FROM documents WHERE account_id = $1 AND collection = 'systems' AND row_id = 'sys-1'
	`, "acct-1").Scan(&raw); err != nil {
		t.Fatalf("select system error = %v", err)
	}
	doc, err := decodeDoc(raw)
	if err != nil {
		t.Fatalf("decodeDoc() error = %v", err)
	}
	if doc["frontNote"] != "b" {
		t.Fatalf("frontNote = %v, stale put won", doc["frontNote"])
	}
	if doc["blurry"] != true {
		t.Fatalf("blurry = %v, want true from the only clocked write", doc["blurry"])
	}
}
