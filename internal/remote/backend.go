// Package remote is the server side of sync: a Postgres document store,
// the credential exchange, and the Redis roster feed publisher.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"fronting/core/internal/store"
)

var (
	// ErrNotFound is returned by Patch and Delete when the row is absent.
	ErrNotFound          = errors.New("remote row not found")
	ErrCredentialExpired = errors.New("credential expired")
	// ErrNoSession means the device has no usable session; sync stays
	// offline until the user signs in again.
	ErrNoSession = errors.New("no session")
	// ErrRejected is a permanent refusal: authorization or validation.
	ErrRejected = errors.New("rejected by remote")
)

// Credential is a short-lived access token and the scope it grants.
type Credential struct {
	Token     string    `json:"token"`
	AccountID string    `json:"accountId"`
	SystemID  string    `json:"systemId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Backend is everything the sync engine needs from the server.
type Backend interface {
	FetchCredential(ctx context.Context, sessionToken string) (Credential, error)
	Upsert(ctx context.Context, cred Credential, collection, rowID string, doc map[string]any) error
	Patch(ctx context.Context, cred Credential, collection, rowID string, fields map[string]any) error
	Delete(ctx context.Context, cred Credential, collection, rowID string) error
	FetchRoster(ctx context.Context, cred Credential, systemID string) ([]store.Identity, error)
}

// Classify maps a driver error onto the sync error taxonomy. Data and
// schema errors (SQLSTATE classes 22, 23, 42) and authorization failures
// (28) are permanent; everything else is returned unchanged and treated as
// transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrCredentialExpired) || errors.Is(err, ErrNoSession) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23", "28", "42":
			return fmt.Errorf("%w: %s (%s)", ErrRejected, pgErr.Message, pgErr.Code)
		}
	}
	return err
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrNoSession)
}

// RosterEvent is one message on the live roster feed.
type RosterEvent struct {
	Kind     string          `json:"kind"`
	Identity *store.Identity `json:"identity,omitempty"`
	ID       string          `json:"id,omitempty"`
	At       int64           `json:"at,omitempty"`
}

const (
	EventUpsert = "upsert"
	EventRemove = "remove"
)

// RosterChannel is the pub/sub channel carrying one system's roster.
func RosterChannel(accountID, systemID string) string {
	return "roster:" + accountID + ":" + systemID
}
