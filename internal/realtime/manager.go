// Package realtime keeps the local roster in step with the remote one: a
// snapshot on every (re)connect, then live upsert and remove events.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"fronting/core/internal/front"
	"fronting/core/internal/remote"
	"fronting/core/internal/store"
)

// ErrSubscriptionLost is reported each time the live feed drops.
var ErrSubscriptionLost = errors.New("realtime subscription lost")

// CredentialSource is shared with the sync connector.
type CredentialSource interface {
	Credential(ctx context.Context) (remote.Credential, error)
	InvalidateCredential()
}

type Snapshotter interface {
	FetchRoster(ctx context.Context, cred remote.Credential, systemID string) ([]store.Identity, error)
}

type LocalStore interface {
	Write(ctx context.Context, fn func(w *store.Writer) error) error
}

type Config struct {
	SystemID       string
	Store          LocalStore
	Registry       *front.Registry
	Credentials    CredentialSource
	Snapshot       Snapshotter
	Feed           Feed
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// OnLost is called with an error wrapping ErrSubscriptionLost.
	OnLost func(error)
	Logger zerolog.Logger
}

type Manager struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config) *Manager {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = 2 * time.Minute
	}
	return &Manager{cfg: cfg, log: cfg.Logger}
}

// Run subscribes and merges until ctx ends or the device has no session.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.Store == nil || m.cfg.Registry == nil || m.cfg.Credentials == nil || m.cfg.Snapshot == nil || m.cfg.Feed == nil {
		return errors.New("realtime manager is missing a dependency")
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = m.cfg.BackoffInitial
	retry.MaxInterval = m.cfg.BackoffMax

	for {
		err := m.runOnce(ctx, retry.Reset)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, remote.ErrNoSession) {
			m.log.Info().Msg("no session; realtime roster stays offline")
			return nil
		}
		if errors.Is(err, remote.ErrCredentialExpired) {
			m.cfg.Credentials.InvalidateCredential()
		}

		lost := fmt.Errorf("%w: %w", ErrSubscriptionLost, err)
		m.log.Warn().Err(err).Msg("realtime subscription lost")
		if m.cfg.OnLost != nil {
			m.cfg.OnLost(lost)
		}

		timer := time.NewTimer(retry.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (m *Manager) runOnce(ctx context.Context, connected func()) error {
	cred, err := m.cfg.Credentials.Credential(ctx)
	if err != nil {
		return fmt.Errorf("fetch credential: %w", err)
	}

	// Subscribe before the snapshot so nothing published in between is lost.
	stream, err := m.cfg.Feed.Subscribe(ctx, remote.RosterChannel(cred.AccountID, m.cfg.SystemID))
	if err != nil {
		return err
	}
	defer stream.Close()

	items, err := m.cfg.Snapshot.FetchRoster(ctx, cred, m.cfg.SystemID)
	if err != nil {
		return fmt.Errorf("fetch roster snapshot: %w", err)
	}
	if err := m.Merge(ctx, items); err != nil {
		return fmt.Errorf("merge roster snapshot: %w", err)
	}
	connected()
	m.log.Debug().Int("identities", len(items)).Msg("realtime roster connected")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					return err
				}
				return errors.New("roster feed closed")
			}
			if err := m.Apply(ctx, event); err != nil {
				m.log.Warn().Err(err).Str("kind", event.Kind).Msg("apply roster event failed")
			}
		}
	}
}

// Merge folds remote rows into the local store and then the registry. It
// never removes rows, so local inserts not yet synced survive.
func (m *Manager) Merge(ctx context.Context, items []store.Identity) error {
	var changed []store.Identity
	err := m.cfg.Store.Write(ctx, func(w *store.Writer) error {
		changed = changed[:0]
		for _, incoming := range items {
			if incoming.ID == "" || (incoming.SystemID != "" && incoming.SystemID != m.cfg.SystemID) {
				continue
			}
			incoming.SystemID = m.cfg.SystemID
			if !m.cfg.Registry.Accepts(incoming) {
				continue
			}
			current, exists, err := w.GetIdentity(m.cfg.SystemID, incoming.ID)
			if err != nil {
				return err
			}
			merged, ok := front.MergeIdentity(current, exists, incoming)
			if !ok {
				continue
			}
			if err := w.PutIdentity(merged); err != nil {
				return err
			}
			changed = append(changed, merged)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(changed) > 0 {
		m.cfg.Registry.UpsertMany(changed...)
	}
	return nil
}

// Apply merges one live event.
func (m *Manager) Apply(ctx context.Context, event remote.RosterEvent) error {
	switch event.Kind {
	case remote.EventUpsert:
		if event.Identity == nil {
			return errors.New("upsert event without identity")
		}
		return m.Merge(ctx, []store.Identity{remote.WithFallbackClock(*event.Identity, event.At)})
	case remote.EventRemove:
		return m.remove(ctx, event.ID, event.At)
	default:
		return fmt.Errorf("unknown roster event kind %q", event.Kind)
	}
}

func (m *Manager) remove(ctx context.Context, id string, at int64) error {
	if id == "" {
		return errors.New("remove event without id")
	}
	err := m.cfg.Store.Write(ctx, func(w *store.Writer) error {
		current, exists, err := w.GetIdentity(m.cfg.SystemID, id)
		if err != nil || !exists {
			return err
		}
		for _, ts := range current.Clock {
			if ts > at {
				return nil
			}
		}
		return w.DeleteIdentity(m.cfg.SystemID, id)
	})
	if err != nil {
		return fmt.Errorf("delete identity %s: %w", id, err)
	}
	m.cfg.Registry.Remove(id, at)
	return nil
}
