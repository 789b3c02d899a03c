package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fronting/core/internal/connector"
	"fronting/core/internal/front"
	"fronting/core/internal/logger"
	"fronting/core/internal/realtime"
	"fronting/core/internal/remote"
	"fronting/core/internal/store"
)

// StreamMessage is one push on the front stream.
type StreamMessage struct {
	Type  string             `json:"type"`
	Front *front.FrontStatus `json:"front,omitempty"`
	Sync  *connector.Event   `json:"sync,omitempty"`
	Error string             `json:"error,omitempty"`
	At    time.Time          `json:"at"`
}

const (
	MessageFront        = "front"
	MessageSync         = "sync"
	MessageRealtimeLost = "realtime_lost"
)

type SessionOptions struct {
	AccountID    string
	SystemID     string
	SessionToken string
	Device       string

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	WarningGrace   time.Duration
	ResumeWindow   time.Duration
}

// SystemSession is everything that runs while one system is signed in on
// this device.
type SystemSession struct {
	AccountID string
	SystemID  string
	Device    string

	Store     *store.Store
	Registry  *front.Registry
	Machine   *front.Machine
	Roster    *front.Roster
	Tracker   *front.Tracker
	Connector *connector.Connector
	Realtime  *realtime.Manager

	log zerolog.Logger

	watchMu   sync.Mutex
	watchers  map[int]func(StreamMessage)
	nextWatch int
	unsub     func()

	runMu  sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// OpenSession loads a system from the local database and wires the sync
// components. backend and feed may be nil; the session then stays local.
func OpenSession(ctx context.Context, db *store.DB, backend remote.Backend, feed realtime.Feed, opts SessionOptions, log zerolog.Logger) (*SystemSession, error) {
	if opts.AccountID == "" || opts.SystemID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "accountId and systemId are required", nil)
	}
	if backend == nil {
		backend = offlineBackend{}
		opts.SessionToken = ""
	}

	s := &SystemSession{
		AccountID: opts.AccountID,
		SystemID:  opts.SystemID,
		Device:    opts.Device,
		Store:     store.New(db, opts.AccountID),
		Registry:  front.NewRegistry(),
		log:       log.With().Str("account_id", opts.AccountID).Str("system_id", opts.SystemID).Logger(),
		watchers:  map[int]func(StreamMessage){},
	}
	s.Machine = front.NewMachine(front.MachineConfig{
		SystemID: opts.SystemID,
		Store:    s.Store,
		Registry: s.Registry,
		Logger:   logger.Component(s.log, "front"),
	})
	if err := s.Machine.Load(ctx); err != nil {
		s.Machine.Close()
		return nil, fmt.Errorf("open system session: %w", err)
	}
	s.Roster = front.NewRoster(s.Machine, s.Store)
	s.Tracker = front.NewTracker(s.Machine, opts.ResumeWindow, logger.Component(s.log, "session"))
	s.Connector = connector.New(s.Store, backend, connector.Options{
		SessionToken:   opts.SessionToken,
		BackoffInitial: opts.BackoffInitial,
		BackoffMax:     opts.BackoffMax,
		Jitter:         0.2,
		WarningGrace:   opts.WarningGrace,
		OnEvent:        s.onSyncEvent,
		Logger:         logger.Component(s.log, "sync"),
	})
	if feed != nil && opts.SessionToken != "" {
		s.Realtime = realtime.New(realtime.Config{
			SystemID:       opts.SystemID,
			Store:          s.Store,
			Registry:       s.Registry,
			Credentials:    s.Connector,
			Snapshot:       backend,
			Feed:           feed,
			BackoffInitial: opts.BackoffInitial,
			BackoffMax:     opts.BackoffMax,
			OnLost:         s.onRealtimeLost,
			Logger:         logger.Component(s.log, "realtime"),
		})
	}
	s.unsub = s.Machine.Subscribe(func(status front.FrontStatus) {
		s.broadcast(StreamMessage{Type: MessageFront, Front: &status})
	})
	return s, nil
}

// Start runs the connector and the realtime manager until Close.
func (s *SystemSession) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	s.cancel, s.group = cancel, group

	s.Connector.Start(runCtx)
	if s.Realtime != nil {
		group.Go(func() error { return s.Realtime.Run(groupCtx) })
	}
	s.Tracker.Foreground(ctx, time.Now())
	s.log.Info().Bool("realtime", s.Realtime != nil).Msg("system session started")
}

// Close stops background work and detaches listeners. The local store and
// its queue stay as they are for the next sign-in.
func (s *SystemSession) Close() {
	s.runMu.Lock()
	cancel, group := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.runMu.Unlock()
	if cancel != nil {
		s.Tracker.Background(context.Background(), time.Now())
		s.Connector.Stop()
		cancel()
		if err := group.Wait(); err != nil {
			s.log.Warn().Err(err).Msg("system session stopped with error")
		}
	}
	if s.unsub != nil {
		s.unsub()
	}
	s.Machine.Close()
	s.log.Info().Msg("system session closed")
}

// Watch registers fn for stream messages. fn must not block.
func (s *SystemSession) Watch(fn func(StreamMessage)) func() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = fn
	return func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		delete(s.watchers, id)
	}
}

func (s *SystemSession) broadcast(msg StreamMessage) {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	s.watchMu.Lock()
	fns := make([]func(StreamMessage), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.watchMu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// onSyncEvent forwards what the user should see. Transient failures stay in
// logs and metrics until they turn into EventSyncDegraded.
func (s *SystemSession) onSyncEvent(event connector.Event) {
	switch event.Kind {
	case connector.EventSyncDegraded, connector.EventSyncRecovered, connector.EventSyncRejected:
		s.broadcast(StreamMessage{Type: MessageSync, Sync: &event, At: event.At})
	}
}

func (s *SystemSession) onRealtimeLost(err error) {
	s.broadcast(StreamMessage{Type: MessageRealtimeLost, Error: err.Error()})
}

// offlineBackend stands in when no remote is configured.
type offlineBackend struct{}

func (offlineBackend) FetchCredential(context.Context, string) (remote.Credential, error) {
	return remote.Credential{}, remote.ErrNoSession
}

func (offlineBackend) Upsert(context.Context, remote.Credential, string, string, map[string]any) error {
	return remote.ErrNoSession
}

func (offlineBackend) Patch(context.Context, remote.Credential, string, string, map[string]any) error {
	return remote.ErrNoSession
}

func (offlineBackend) Delete(context.Context, remote.Credential, string, string) error {
	return remote.ErrNoSession
}

func (offlineBackend) FetchRoster(context.Context, remote.Credential, string) ([]store.Identity, error) {
	return nil, remote.ErrNoSession
}
