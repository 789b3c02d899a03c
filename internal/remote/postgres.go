package remote

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fronting/core/internal/auth"
	"fronting/core/internal/store"
)

var collections = map[string]bool{
	store.CollectionIdentities:   true,
	store.CollectionSystems:      true,
	store.CollectionFrontHistory: true,
}

// PostgresBackend keeps every synced row as a JSON document keyed by
// (account, collection, row id).
type PostgresBackend struct {
	db        *sql.DB
	creds     *Credentials
	publisher Publisher
	log       zerolog.Logger
	now       func() time.Time
}

func NewPostgresBackend(db *sql.DB, creds *Credentials, publisher Publisher, log zerolog.Logger) *PostgresBackend {
	return &PostgresBackend{db: db, creds: creds, publisher: publisher, log: log, now: time.Now}
}

func (b *PostgresBackend) DB() *sql.DB {
	return b.db
}

func (b *PostgresBackend) FetchCredential(ctx context.Context, sessionToken string) (Credential, error) {
	return b.creds.FetchCredential(ctx, sessionToken)
}

func (b *PostgresBackend) authorize(cred Credential, collection string) (auth.Claims, error) {
	claims, err := b.creds.Verify(cred)
	if err != nil {
		return auth.Claims{}, err
	}
	if !collections[collection] {
		return auth.Claims{}, fmt.Errorf("%w: unknown collection %q", ErrRejected, collection)
	}
	return claims, nil
}

// Upsert stores doc. A document carrying field clocks is merged into the
// stored one field by field, so a late put from a stale device does not
// overwrite newer values. Documents without clocks replace the stored one.
func (b *PostgresBackend) Upsert(ctx context.Context, cred Credential, collection, rowID string, doc map[string]any) error {
	claims, err := b.authorize(cred, collection)
	if err != nil {
		return err
	}
	if err := checkSystem(claims, collection, doc); err != nil {
		return err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: encode document: %v", ErrRejected, err)
	}
	if _, clocked := doc["clock"]; clocked {
		return b.mergeUpsert(ctx, claims, collection, rowID, doc, body)
	}

	var stored []byte
	err = b.db.QueryRowContext(ctx, `
		INSERT INTO documents (account_id, collection, row_id, doc, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, NOW())
		ON CONFLICT (account_id, collection, row_id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()
		RETURNING doc
	`, claims.Sub, collection, rowID, string(body)).Scan(&stored)
	if err != nil {
		return Classify(fmt.Errorf("upsert %s/%s: %w", collection, rowID, err))
	}
	b.publishUpsert(ctx, claims, collection, stored)
	return nil
}

func (b *PostgresBackend) mergeUpsert(ctx context.Context, claims auth.Claims, collection, rowID string, doc map[string]any, body []byte) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored := body
	err = tx.QueryRowContext(ctx, `
		INSERT INTO documents (account_id, collection, row_id, doc, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, NOW())
		ON CONFLICT (account_id, collection, row_id) DO NOTHING
		RETURNING doc
	`, claims.Sub, collection, rowID, string(body)).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		stored, err = b.mergeInto(ctx, tx, claims, collection, rowID, doc)
		if err != nil {
			return err
		}
	case err != nil:
		return Classify(fmt.Errorf("upsert %s/%s: %w", collection, rowID, err))
	}
	if err := tx.Commit(); err != nil {
		return Classify(fmt.Errorf("commit upsert %s/%s: %w", collection, rowID, err))
	}
	b.publishUpsert(ctx, claims, collection, stored)
	return nil
}

// Patch merges fields into the stored document. A field whose clock is
// older than the stored one is skipped, so replays and stale writers do not
// win over newer state.
func (b *PostgresBackend) Patch(ctx context.Context, cred Credential, collection, rowID string, fields map[string]any) error {
	claims, err := b.authorize(cred, collection)
	if err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin patch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	body, err := b.mergeInto(ctx, tx, claims, collection, rowID, fields)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return Classify(fmt.Errorf("commit patch %s/%s: %w", collection, rowID, err))
	}
	b.publishUpsert(ctx, claims, collection, body)
	return nil
}

// mergeInto locks the stored document, merges fields into it and writes it
// back. It returns the merged document.
func (b *PostgresBackend) mergeInto(ctx context.Context, tx *sql.Tx, claims auth.Claims, collection, rowID string, fields map[string]any) ([]byte, error) {
	var current []byte
	err := tx.QueryRowContext(ctx, `
		SELECT doc FROM documents
		WHERE account_id = $1 AND collection = $2 AND row_id = $3
		FOR UPDATE
	`, claims.Sub, collection, rowID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Classify(fmt.Errorf("load %s/%s: %w", collection, rowID, err))
	}

	existing, err := decodeDoc(current)
	if err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, rowID, err)
	}
	merged := mergeDoc(existing, fields)
	if err := checkSystem(claims, collection, merged); err != nil {
		return nil, err
	}
	body, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: encode document: %v", ErrRejected, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET doc = $4::jsonb, updated_at = NOW()
		WHERE account_id = $1 AND collection = $2 AND row_id = $3
	`, claims.Sub, collection, rowID, string(body)); err != nil {
		return nil, Classify(fmt.Errorf("merge %s/%s: %w", collection, rowID, err))
	}
	return body, nil
}

func (b *PostgresBackend) Delete(ctx context.Context, cred Credential, collection, rowID string) error {
	claims, err := b.authorize(cred, collection)
	if err != nil {
		return err
	}
	result, err := b.db.ExecContext(ctx, `
		DELETE FROM documents WHERE account_id = $1 AND collection = $2 AND row_id = $3
	`, claims.Sub, collection, rowID)
	if err != nil {
		return Classify(fmt.Errorf("delete %s/%s: %w", collection, rowID, err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s/%s rows affected: %w", collection, rowID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	if collection == store.CollectionIdentities && b.publisher != nil {
		event := RosterEvent{Kind: EventRemove, ID: rowID, At: b.now().UnixNano()}
		if err := b.publisher.PublishRoster(ctx, claims.Sub, claims.System, event); err != nil {
			b.log.Warn().Err(err).Str("row_id", rowID).Msg("publish roster remove failed")
		}
	}
	return nil
}

// FetchRoster returns every identity of the system. Fields without a clock
// take the row's updated_at.
func (b *PostgresBackend) FetchRoster(ctx context.Context, cred Credential, systemID string) ([]store.Identity, error) {
	claims, err := b.authorize(cred, store.CollectionIdentities)
	if err != nil {
		return nil, err
	}
	if systemID != claims.System {
		return nil, fmt.Errorf("%w: credential is not valid for system %s", ErrRejected, systemID)
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT doc, updated_at FROM documents
		WHERE account_id = $1 AND collection = $2 AND doc->>'systemId' = $3
	`, claims.Sub, store.CollectionIdentities, systemID)
	if err != nil {
		return nil, Classify(fmt.Errorf("query roster: %w", err))
	}
	defer rows.Close()

	var items []store.Identity
	for rows.Next() {
		var doc []byte
		var updatedAt time.Time
		if err := rows.Scan(&doc, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan roster row: %w", err)
		}
		var item store.Identity
		if err := json.Unmarshal(doc, &item); err != nil {
			b.log.Warn().Err(err).Msg("skipping undecodable roster row")
			continue
		}
		items = append(items, WithFallbackClock(item, updatedAt.UnixNano()))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roster: %w", err)
	}
	store.SortIdentities(items)
	return items, nil
}

func (b *PostgresBackend) publishUpsert(ctx context.Context, claims auth.Claims, collection string, doc []byte) {
	if collection != store.CollectionIdentities || b.publisher == nil {
		return
	}
	var item store.Identity
	if err := json.Unmarshal(doc, &item); err != nil {
		b.log.Warn().Err(err).Msg("decode identity for publish failed")
		return
	}
	event := RosterEvent{Kind: EventUpsert, Identity: &item, At: b.now().UnixNano()}
	if err := b.publisher.PublishRoster(ctx, claims.Sub, claims.System, event); err != nil {
		b.log.Warn().Err(err).Str("row_id", item.ID).Msg("publish roster upsert failed")
	}
}

func checkSystem(claims auth.Claims, collection string, doc map[string]any) error {
	if collection != store.CollectionIdentities && collection != store.CollectionFrontHistory {
		return nil
	}
	if systemID, ok := doc["systemId"].(string); ok && systemID != claims.System {
		return fmt.Errorf("%w: row belongs to system %s", ErrRejected, systemID)
	}
	return nil
}

// WithFallbackClock stamps every identity field that has no clock with at.
func WithFallbackClock(item store.Identity, at int64) store.Identity {
	clock := make(map[string]int64, len(item.Clock)+5)
	for field, ts := range item.Clock {
		clock[field] = ts
	}
	for _, field := range []string{store.FieldName, store.FieldColor, store.FieldHost, store.FieldActive, store.FieldArchived} {
		if _, ok := clock[field]; !ok {
			clock[field] = at
		}
	}
	item.Clock = clock
	return item
}

func decodeDoc(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	doc := map[string]any{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func mergeDoc(existing, fields map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(fields))
	for key, value := range existing {
		merged[key] = value
	}
	currentClock := clockMap(existing["clock"])
	incomingClock := clockMap(fields["clock"])

	for key, value := range fields {
		if key == "clock" {
			continue
		}
		incomingAt, hasIncoming := incomingClock[key]
		currentAt, hasCurrent := currentClock[key]
		// An unclocked value never replaces a clocked one.
		if hasCurrent && (!hasIncoming || incomingAt < currentAt) {
			continue
		}
		merged[key] = value
		if hasIncoming {
			currentClock[key] = incomingAt
		}
	}
	if len(currentClock) > 0 {
		clock := make(map[string]any, len(currentClock))
		for field, at := range currentClock {
			clock[field] = at
		}
		merged["clock"] = clock
	}
	return merged
}

func clockMap(raw any) map[string]int64 {
	out := map[string]int64{}
	values, ok := raw.(map[string]any)
	if !ok {
		return out
	}
	for field, value := range values {
		if at, ok := clockValue(value); ok {
			out[field] = at
		}
	}
	return out
}

func clockValue(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
