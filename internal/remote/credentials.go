package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fronting/core/internal/auth"
	"fronting/core/internal/session"
	"fronting/core/internal/util"
)

type sessionStore interface {
	SaveSession(ctx context.Context, tokenHash string, data session.DeviceSession, expiresAt time.Time) error
	LookupSession(ctx context.Context, tokenHash string) (session.DeviceSession, error)
	RevokeSession(ctx context.Context, tokenHash string) error
}

// Credentials exchanges device session tokens for access credentials and
// verifies them on every write.
type Credentials struct {
	sessions   sessionStore
	secret     []byte
	accessTTL  time.Duration
	sessionTTL time.Duration
	now        func() time.Time
}

func NewCredentials(sessions sessionStore, secret string, accessTTL, sessionTTL time.Duration) *Credentials {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if sessionTTL <= 0 {
		sessionTTL = 30 * 24 * time.Hour
	}
	return &Credentials{
		sessions:   sessions,
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		sessionTTL: sessionTTL,
		now:        time.Now,
	}
}

// CreateSession registers a device and returns its session token.
func (c *Credentials) CreateSession(ctx context.Context, accountID, systemID, device string) (string, error) {
	if accountID == "" || systemID == "" {
		return "", fmt.Errorf("%w: account and system are required", ErrRejected)
	}
	token, err := auth.NewSessionToken()
	if err != nil {
		return "", err
	}
	now := c.now()
	data := session.DeviceSession{AccountID: accountID, SystemID: systemID, Device: device, CreatedAt: now.UTC()}
	if err := c.sessions.SaveSession(ctx, auth.HashToken(token), data, now.Add(c.sessionTTL)); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return token, nil
}

func (c *Credentials) RevokeSession(ctx context.Context, sessionToken string) error {
	return c.sessions.RevokeSession(ctx, auth.HashToken(sessionToken))
}

func (c *Credentials) FetchCredential(ctx context.Context, sessionToken string) (Credential, error) {
	if sessionToken == "" {
		return Credential{}, ErrNoSession
	}
	data, err := c.sessions.LookupSession(ctx, auth.HashToken(sessionToken))
	if errors.Is(err, session.ErrSessionNotFound) {
		return Credential{}, ErrNoSession
	}
	if err != nil {
		return Credential{}, fmt.Errorf("fetch credential: %w", err)
	}

	expiresAt := c.now().Add(c.accessTTL)
	token, err := auth.IssueToken(c.secret, auth.Claims{
		Sub:    data.AccountID,
		System: data.SystemID,
		Device: data.Device,
		JTI:    util.NewID("jti"),
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		return Credential{}, fmt.Errorf("issue credential: %w", err)
	}
	return Credential{Token: token, AccountID: data.AccountID, SystemID: data.SystemID, ExpiresAt: expiresAt.UTC()}, nil
}

// Verify returns the claims of a live credential.
func (c *Credentials) Verify(cred Credential) (auth.Claims, error) {
	claims, err := auth.ParseTokenAt(c.secret, cred.Token, c.now())
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return auth.Claims{}, ErrCredentialExpired
	case err != nil:
		return auth.Claims{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return claims, nil
}
