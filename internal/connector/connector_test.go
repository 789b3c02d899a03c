package connector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fronting/core/internal/remote"
	"fronting/core/internal/store"
)

type fakeBackend struct {
	mu              sync.Mutex
	fetchFn         func(context.Context, string) (remote.Credential, error)
	upsertFn        func(context.Context, remote.Credential, string, string, map[string]any) error
	patchFn         func(context.Context, remote.Credential, string, string, map[string]any) error
	deleteFn        func(context.Context, remote.Credential, string, string) error
	credentialCalls int
	rows            map[string]map[string]any
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: map[string]map[string]any{}}
}

func (f *fakeBackend) FetchCredential(ctx context.Context, token string) (remote.Credential, error) {
	f.mu.Lock()
	f.credentialCalls++
	fn := f.fetchFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, token)
	}
	return remote.Credential{Token: "cred", AccountID: "acct", SystemID: "sys"}, nil
}

func (f *fakeBackend) Upsert(ctx context.Context, cred remote.Credential, collection, rowID string, doc map[string]any) error {
	if f.upsertFn != nil {
		if err := f.upsertFn(ctx, cred, collection, rowID, doc); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row := map[string]any{}
	for k, v := range doc {
		row[k] = v
	}
	f.rows[collection+"/"+rowID] = row
	return nil
}

func (f *fakeBackend) Patch(ctx context.Context, cred remote.Credential, collection, rowID string, fields map[string]any) error {
	if f.patchFn != nil {
		if err := f.patchFn(ctx, cred, collection, rowID, fields); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[collection+"/"+rowID]
	if !ok {
		return remote.ErrNotFound
	}
	for k, v := range fields {
		row[k] = v
	}
	return nil
}

func (f *fakeBackend) Delete(ctx context.Context, cred remote.Credential, collection, rowID string) error {
	if f.deleteFn != nil {
		if err := f.deleteFn(ctx, cred, collection, rowID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[collection+"/"+rowID]; !ok {
		return remote.ErrNotFound
	}
	delete(f.rows, collection+"/"+rowID)
	return nil
}

func (f *fakeBackend) snapshot() map[string]map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]map[string]any, len(f.rows))
	for k, row := range f.rows {
		copied := map[string]any{}
		for field, v := range row {
			copied[field] = v
		}
		out[k] = copied
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) has(kind EventKind) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, event := range l.events {
		if event.Kind == kind {
			return event, true
		}
	}
	return Event{}, false
}

func (l *eventLog) index(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, event := range l.events {
		if event.Kind == kind {
			return i
		}
	}
	return -1
}

func newQueue(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.OpenDB(store.InMemoryConfig())
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store.New(db, "acct")
}

func enqueue(t *testing.T, q *store.Store, mutations ...store.PendingMutation) {
	t.Helper()
	err := q.Write(context.Background(), func(w *store.Writer) error {
		for _, m := range mutations {
			if err := w.Enqueue(m.Collection, m.RowID, m.Op, m.Payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue error = %v", err)
	}
}

func testOptions(events *eventLog) Options {
	return Options{
		SessionToken:   "session",
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		WarningGrace:   time.Hour,
		OnEvent:        events.add,
		Logger:         zerolog.Nop(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pending(t *testing.T, q *store.Store) int {
	t.Helper()
	n, err := q.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	return n
}

func TestRunWithoutSessionIsOffline(t *testing.T) {
	q := newQueue(t)
	events := &eventLog{}
	opts := testOptions(events)
	opts.SessionToken = ""
	c := New(q, newFakeBackend(), opts)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if c.State() != StateOffline {
		t.Fatalf("State() = %s, want offline", c.State())
	}
}

func TestRunGoesOfflineWhenSessionIsGone(t *testing.T) {
	q := newQueue(t)
	backend := newFakeBackend()
	backend.fetchFn = func(context.Context, string) (remote.Credential, error) {
		return remote.Credential{}, remote.ErrNoSession
	}
	enqueue(t, q, store.PendingMutation{Collection: "identities", RowID: "1", Op: store.OpDelete})
	c := New(q, backend, testOptions(&eventLog{}))

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if c.State() != StateOffline {
		t.Fatalf("State() = %s, want offline", c.State())
	}
	if pending(t, q) != 1 {
		t.Fatal("offline connector dropped the queue")
	}
}

func TestDrainPreservesRowOrderUnderFlakyTransport(t *testing.T) {
	q := newQueue(t)
	backend := newFakeBackend()
	rng := rand.New(rand.NewSource(7))
	var rngMu sync.Mutex
	flaky := func() error {
		rngMu.Lock()
		defer rngMu.Unlock()
		if rng.Intn(10) < 3 {
			return errors.New("connection reset")
		}
		return nil
	}
	backend.upsertFn = func(context.Context, remote.Credential, string, string, map[string]any) error { return flaky() }
	backend.patchFn = func(context.Context, remote.Credential, string, string, map[string]any) error { return flaky() }
	backend.deleteFn = func(context.Context, remote.Credential, string, string) error { return flaky() }

	// Expected final state: apply every mutation locally in sequence order.
	want := map[string]map[string]any{}
	for i := 0; i < 30; i++ {
		row := fmt.Sprintf("row-%d", i%4)
		var m store.PendingMutation
		switch i % 5 {
		case 0, 3:
			m = store.PendingMutation{Collection: "identities", RowID: row, Op: store.OpPut, Payload: map[string]any{"name": fmt.Sprintf("v%d", i)}}
			want["identities/"+row] = map[string]any{"name": fmt.Sprintf("v%d", i)}
		case 1, 2:
			m = store.PendingMutation{Collection: "identities", RowID: row, Op: store.OpPatch, Payload: map[string]any{"color": fmt.Sprintf("c%d", i)}}
			if existing, ok := want["identities/"+row]; ok {
				existing["color"] = fmt.Sprintf("c%d", i)
			}
		case 4:
			m = store.PendingMutation{Collection: "identities", RowID: row, Op: store.OpDelete}
			delete(want, "identities/"+row)
		}
		if i%3 == 0 {
			enqueue(t, q, m)
		} else {
			// A second mutation in the same transaction exercises partial replay.
			enqueue(t, q, m, store.PendingMutation{Collection: "systems", RowID: "sys", Op: store.OpPut, Payload: map[string]any{"n": fmt.Sprint(i)}})
			want["systems/sys"] = map[string]any{"n": fmt.Sprint(i)}
		}
	}

	c := New(q, backend, testOptions(&eventLog{}))
	c.Start(context.Background())
	defer c.Stop()

	waitFor(t, "queue to drain", func() bool { return pending(t, q) == 0 })

	got := backend.snapshot()
	if len(got) != len(want) {
		t.Fatalf("remote rows = %v, want %v", got, want)
	}
	for key, row := range want {
		for field, value := range row {
			if got[key][field] != value {
				t.Fatalf("remote %s.%s = %v, want %v", key, field, got[key][field], value)
			}
		}
	}
}

func TestMissingRowOnPatchOrDeleteCountsAsApplied(t *testing.T) {
	q := newQueue(t)
	events := &eventLog{}
	enqueue(t, q,
		store.PendingMutation{Collection: "identities", RowID: "ghost", Op: store.OpPatch, Payload: map[string]any{"name": "x"}},
		store.PendingMutation{Collection: "identities", RowID: "ghost", Op: store.OpDelete},
	)
	c := New(q, newFakeBackend(), testOptions(events))
	c.Start(context.Background())
	defer c.Stop()

	waitFor(t, "queue to drain", func() bool { return pending(t, q) == 0 })
	if _, ok := events.has(EventSyncRejected); ok {
		t.Fatal("not-found was reported as a rejection")
	}
}

func TestExpiredCredentialRestartsSameTransaction(t *testing.T) {
	q := newQueue(t)
	backend := newFakeBackend()
	var mu sync.Mutex
	attempts := 0
	backend.upsertFn = func(_ context.Context, cred remote.Credential, _, _ string, _ map[string]any) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return remote.ErrCredentialExpired
		}
		return nil
	}
	enqueue(t, q, store.PendingMutation{Collection: "identities", RowID: "1", Op: store.OpPut, Payload: map[string]any{"name": "Sam"}})

	c := New(q, backend, testOptions(&eventLog{}))
	c.Start(context.Background())
	defer c.Stop()

	waitFor(t, "queue to drain", func() bool { return pending(t, q) == 0 })
	backend.mu.Lock()
	calls := backend.credentialCalls
	backend.mu.Unlock()
	if calls != 2 {
		t.Fatalf("credential fetches = %d, want 2", calls)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("upsert attempts = %d, want 2", attempts)
	}
}

func TestRejectedDeleteStaysQueued(t *testing.T) {
	q := newQueue(t)
	backend := newFakeBackend()
	backend.deleteFn = func(context.Context, remote.Credential, string, string) error {
		return fmt.Errorf("%w: insufficient privilege", remote.ErrRejected)
	}
	events := &eventLog{}
	var txID string
	if err := q.Write(context.Background(), func(w *store.Writer) error {
		txID = w.TxID()
		return w.Enqueue(store.CollectionIdentities, "idn_1", store.OpDelete, nil)
	}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	opts := testOptions(events)
	opts.BackoffMax = time.Hour
	c := New(q, backend, opts)
	c.Start(context.Background())

	waitFor(t, "rejection event", func() bool { _, ok := events.has(EventSyncRejected); return ok })
	event, _ := events.has(EventSyncRejected)
	if event.TxID != txID || event.Failed == nil || event.Failed.RowID != "idn_1" {
		t.Fatalf("rejection event = %+v", event)
	}
	status := c.Status(context.Background())
	if status.State != StatePaused || status.Reason != ReasonRejected || status.Pending != 1 {
		t.Fatalf("Status() = %+v", status)
	}

	c.Stop()
	if c.State() != StateDisconnected {
		t.Fatalf("State() after Stop = %s", c.State())
	}
	if pending(t, q) != 1 {
		t.Fatal("Stop() dropped the rejected mutation")
	}
}

func TestDiscardUnblocksTheQueue(t *testing.T) {
	q := newQueue(t)
	backend := newFakeBackend()
	backend.deleteFn = func(_ context.Context, _ remote.Credential, _, rowID string) error {
		if rowID == "idn_1" {
			return fmt.Errorf("%w: insufficient privilege", remote.ErrRejected)
		}
		return nil
	}
	events := &eventLog{}
	var rejected string
	if err := q.Write(context.Background(), func(w *store.Writer) error {
		rejected = w.TxID()
		return w.Enqueue(store.CollectionIdentities, "idn_1", store.OpDelete, nil)
	}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	enqueue(t, q, store.PendingMutation{Collection: store.CollectionIdentities, RowID: "idn_2", Op: store.OpPut, Payload: map[string]any{"name": "Lee"}})

	opts := testOptions(events)
	opts.BackoffMax = time.Hour
	c := New(q, backend, opts)
	c.Start(context.Background())
	defer c.Stop()

	waitFor(t, "rejection event", func() bool { _, ok := events.has(EventSyncRejected); return ok })
	if _, ok := backend.snapshot()[store.CollectionIdentities+"/idn_2"]; ok {
		t.Fatal("later transaction applied ahead of the rejected one")
	}

	if err := c.Discard(context.Background(), rejected); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	waitFor(t, "queue to drain", func() bool { return pending(t, q) == 0 })
	if _, ok := backend.snapshot()[store.CollectionIdentities+"/idn_2"]; !ok {
		t.Fatal("transaction behind the discarded one never applied")
	}
	if err := c.Discard(context.Background(), rejected); !errors.Is(err, store.ErrTxNotFound) {
		t.Fatalf("Discard() again error = %v, want ErrTxNotFound", err)
	}
}

func TestRejectedCredentialIsReported(t *testing.T) {
	q := newQueue(t)
	backend := newFakeBackend()
	backend.fetchFn = func(context.Context, string) (remote.Credential, error) {
		return remote.Credential{}, fmt.Errorf("%w: session revoked", remote.ErrRejected)
	}
	events := &eventLog{}
	opts := testOptions(events)
	opts.BackoffMax = time.Hour
	c := New(q, backend, opts)
	c.Start(context.Background())
	defer c.Stop()

	waitFor(t, "rejection event", func() bool { _, ok := events.has(EventSyncRejected); return ok })
	status := c.Status(context.Background())
	if status.State != StatePaused || status.Reason != ReasonRejected {
		t.Fatalf("Status() = %+v", status)
	}
	backend.mu.Lock()
	calls := backend.credentialCalls
	backend.mu.Unlock()
	if calls != 1 {
		t.Fatalf("credential calls = %d, want 1 before the ceiling delay", calls)
	}
}

func TestReconnectCutsBackoffShort(t *testing.T) {
	q := newQueue(t)
	backend := newFakeBackend()
	var mu sync.Mutex
	fail := true
	backend.upsertFn = func(context.Context, remote.Credential, string, string, map[string]any) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errors.New("dial tcp: timeout")
		}
		return nil
	}
	events := &eventLog{}
	opts := testOptions(events)
	opts.BackoffInitial = time.Hour
	opts.BackoffMax = time.Hour
	enqueue(t, q, store.PendingMutation{Collection: "identities", RowID: "1", Op: store.OpPut, Payload: map[string]any{}})

	c := New(q, backend, opts)
	c.Start(context.Background())
	defer c.Stop()

	waitFor(t, "transient pause", func() bool {
		s := c.Status(context.Background())
		return s.State == StatePaused && s.Reason == ReasonTransient
	})
	if _, ok := events.has(EventSyncTransient); !ok {
		t.Fatal("no transient event")
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	c.Reconnect()
	waitFor(t, "queue to drain after reconnect", func() bool { return pending(t, q) == 0 })
}

func TestDegradedThenRecovered(t *testing.T) {
	q := newQueue(t)
	backend := newFakeBackend()
	var mu sync.Mutex
	failures := 0
	backend.upsertFn = func(context.Context, remote.Credential, string, string, map[string]any) error {
		mu.Lock()
		defer mu.Unlock()
		if failures < 3 {
			failures++
			return errors.New("503 service unavailable")
		}
		return nil
	}
	events := &eventLog{}
	opts := testOptions(events)
	opts.WarningGrace = time.Nanosecond
	enqueue(t, q, store.PendingMutation{Collection: "identities", RowID: "1", Op: store.OpPut, Payload: map[string]any{}})

	c := New(q, backend, opts)
	c.Start(context.Background())
	defer c.Stop()

	waitFor(t, "recovery", func() bool { _, ok := events.has(EventSyncRecovered); return ok })
	if d, r := events.index(EventSyncDegraded), events.index(EventSyncRecovered); d < 0 || d > r {
		t.Fatalf("degraded at %d, recovered at %d", d, r)
	}
	if s := c.Status(context.Background()); s.FailingSince != nil || s.LastError != "" {
		t.Fatalf("Status() after recovery = %+v", s)
	}
}

func TestCommitWakesIdleConnector(t *testing.T) {
	q := newQueue(t)
	c := New(q, newFakeBackend(), testOptions(&eventLog{}))
	c.Start(context.Background())
	defer c.Stop()

	waitFor(t, "draining", func() bool { return c.State() == StateDraining })
	enqueue(t, q, store.PendingMutation{Collection: "identities", RowID: "1", Op: store.OpPut, Payload: map[string]any{"name": "Ray"}})
	waitFor(t, "queue to drain", func() bool { return pending(t, q) == 0 })
}

func TestCredentialIsShared(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now()
	backend.fetchFn = func(context.Context, string) (remote.Credential, error) {
		return remote.Credential{Token: "t", ExpiresAt: now.Add(time.Hour)}, nil
	}
	c := New(newQueue(t), backend, testOptions(&eventLog{}))
	for i := 0; i < 3; i++ {
		if _, err := c.Credential(context.Background()); err != nil {
			t.Fatalf("Credential() error = %v", err)
		}
	}
	c.InvalidateCredential()
	if _, err := c.Credential(context.Background()); err != nil {
		t.Fatalf("Credential() error = %v", err)
	}
	if backend.credentialCalls != 2 {
		t.Fatalf("credential fetches = %d, want 2", backend.credentialCalls)
	}
}
