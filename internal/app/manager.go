package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fronting/core/internal/config"
	"fronting/core/internal/realtime"
	"fronting/core/internal/remote"
	"fronting/core/internal/store"
)

// SessionIssuer registers devices with the remote and revokes them.
type SessionIssuer interface {
	CreateSession(ctx context.Context, accountID, systemID, device string) (string, error)
	RevokeSession(ctx context.Context, sessionToken string) error
}

type ManagerConfig struct {
	Config   config.Config
	DB       *store.DB
	Backend  remote.Backend
	Sessions SessionIssuer
	Feed     realtime.Feed
	// Checks are reported by Ready, keyed by dependency name.
	Checks map[string]func(context.Context) error
	Logger zerolog.Logger
}

type SignInRequest struct {
	AccountID    string `json:"accountId"`
	SystemID     string `json:"systemId"`
	Device       string `json:"device"`
	SessionToken string `json:"sessionToken"`
}

// Manager holds at most one signed-in SystemSession.
type Manager struct {
	cfg ManagerConfig
	log zerolog.Logger

	mu      sync.Mutex
	current *SystemSession
	token   string
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{cfg: cfg, log: cfg.Logger}
}

// SignIn replaces any active session. Without a session token one is
// requested from the remote; when the remote cannot be reached the session
// runs offline.
func (m *Manager) SignIn(ctx context.Context, req SignInRequest) (*SystemSession, string, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.SystemID = strings.TrimSpace(req.SystemID)

	token := strings.TrimSpace(req.SessionToken)
	if token == "" && m.cfg.Sessions != nil && m.cfg.Backend != nil && req.AccountID != "" && req.SystemID != "" {
		issued, err := m.cfg.Sessions.CreateSession(ctx, req.AccountID, req.SystemID, req.Device)
		switch {
		case errors.Is(err, remote.ErrRejected):
			return nil, "", err
		case err != nil:
			m.log.Warn().Err(err).Msg("session request failed; signing in offline")
		default:
			token = issued
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Close()
		m.current, m.token = nil, ""
	}

	session, err := OpenSession(ctx, m.cfg.DB, m.cfg.Backend, m.cfg.Feed, SessionOptions{
		AccountID:      req.AccountID,
		SystemID:       req.SystemID,
		SessionToken:   token,
		Device:         req.Device,
		BackoffInitial: m.cfg.Config.BackoffInitial,
		BackoffMax:     m.cfg.Config.BackoffMax,
		WarningGrace:   m.cfg.Config.WarningGrace,
		ResumeWindow:   m.cfg.Config.ResumeWindow,
	}, m.log)
	if err != nil {
		return nil, "", err
	}
	session.Start(context.Background())
	m.current, m.token = session, token
	return session, token, nil
}

// SignOut tears the session down. Queued mutations stay in the local store.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	session, token := m.current, m.token
	m.current, m.token = nil, ""
	m.mu.Unlock()
	if session == nil {
		return errNotSignedIn
	}
	session.Close()
	if token != "" && m.cfg.Sessions != nil {
		if err := m.cfg.Sessions.RevokeSession(ctx, token); err != nil {
			m.log.Warn().Err(err).Msg("revoke session failed")
		}
	}
	return nil
}

func (m *Manager) Current() (*SystemSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, errNotSignedIn
	}
	return m.current, nil
}

// Ready runs every dependency check. Only the local store is required; a
// failing remote dependency degrades the daemon without making it unready.
func (m *Manager) Ready(ctx context.Context) (status string, checks map[string]any) {
	status = "ready"
	checks = map[string]any{}
	if m.cfg.DB == nil {
		status = "not_ready"
		checks["local"] = map[string]any{"status": "error", "error": "local store is not open"}
	} else {
		checks["local"] = map[string]any{"status": "ok"}
	}
	for name, check := range m.cfg.Checks {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := check(checkCtx)
		cancel()
		if err != nil {
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			if status == "ready" {
				status = "degraded"
			}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	if m.cfg.Backend == nil {
		checks["remote"] = map[string]any{"status": "offline"}
	}
	return status, checks
}

// Close signs out without revoking the device session.
func (m *Manager) Close() {
	m.mu.Lock()
	session := m.current
	m.current, m.token = nil, ""
	m.mu.Unlock()
	if session != nil {
		session.Close()
	}
}
