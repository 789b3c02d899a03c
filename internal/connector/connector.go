// Package connector drains the local mutation queue toward the remote
// backend.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"fronting/core/internal/remote"
	"fronting/core/internal/store"
)

type State string

const (
	StateDisconnected    State = "disconnected"
	StateCredentialFetch State = "credential_fetch"
	StateDraining        State = "draining"
	StatePaused          State = "paused"
	StateOffline         State = "offline"
)

var allStates = []State{StateDisconnected, StateCredentialFetch, StateDraining, StatePaused, StateOffline}

type PauseReason string

const (
	ReasonNone      PauseReason = ""
	ReasonTransient PauseReason = "transient"
	ReasonRejected  PauseReason = "rejected"
)

type EventKind string

const (
	// EventSyncRejected: the backend refused a transaction for good. It
	// stays queued until the user resolves it.
	EventSyncRejected  EventKind = "sync_rejected"
	EventSyncTransient EventKind = "sync_transient"
	// EventSyncDegraded fires once when failures outlast the warning grace.
	EventSyncDegraded  EventKind = "sync_degraded"
	EventSyncRecovered EventKind = "sync_recovered"
	EventStateChanged  EventKind = "state_changed"
)

type Event struct {
	Kind   EventKind   `json:"kind"`
	State  State       `json:"state"`
	Reason PauseReason `json:"reason,omitempty"`
	TxID   string      `json:"txId,omitempty"`
	Error  string      `json:"error,omitempty"`
	At     time.Time   `json:"at"`
	// Failed is the mutation the backend refused, when there is one.
	Failed *store.PendingMutation `json:"failed,omitempty"`
}

// Queue is the local mutation log.
type Queue interface {
	NextTransaction(ctx context.Context) (*store.Transaction, error)
	Complete(ctx context.Context, tx *store.Transaction) error
	PendingCount(ctx context.Context) (int, error)
	Discard(ctx context.Context, txID string) (*store.Transaction, error)
	OnCommit(fn func()) func()
}

// Backend is the write side of remote.Backend.
type Backend interface {
	FetchCredential(ctx context.Context, sessionToken string) (remote.Credential, error)
	Upsert(ctx context.Context, cred remote.Credential, collection, rowID string, doc map[string]any) error
	Patch(ctx context.Context, cred remote.Credential, collection, rowID string, fields map[string]any) error
	Delete(ctx context.Context, cred remote.Credential, collection, rowID string) error
}

type Options struct {
	SessionToken   string
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// Jitter is the backoff randomization factor; zero keeps delays exact.
	Jitter       float64
	WarningGrace time.Duration
	OnEvent      func(Event)
	Logger       zerolog.Logger
	Now          func() time.Time
}

type Status struct {
	State        State       `json:"state"`
	Reason       PauseReason `json:"reason,omitempty"`
	Pending      int         `json:"pending"`
	FailingSince *time.Time  `json:"failingSince,omitempty"`
	LastError    string      `json:"lastError,omitempty"`
}

// Connector replays committed transactions in order, exactly once each
// from the queue's point of view. It owns one goroutine while running.
type Connector struct {
	queue   Queue
	backend Backend
	opts    Options
	log     zerolog.Logger
	now     func() time.Time

	mu           sync.Mutex
	state        State
	reason       PauseReason
	failingSince time.Time
	degraded     bool
	lastErr      error
	cred         *remote.Credential
	cancel       context.CancelFunc
	done         chan struct{}

	wake      chan struct{}
	reconnect chan struct{}
}

func New(queue Queue, backend Backend, opts Options) *Connector {
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 2 * time.Minute
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.WarningGrace <= 0 {
		opts.WarningGrace = 10 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Connector{
		queue:     queue,
		backend:   backend,
		opts:      opts,
		log:       opts.Logger,
		now:       now,
		state:     StateDisconnected,
		wake:      make(chan struct{}, 1),
		reconnect: make(chan struct{}, 1),
	}
}

func (c *Connector) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffInitial
	b.MaxInterval = c.opts.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = c.opts.Jitter
	b.Reset()
	return b
}

// Start runs the connector in the background until Stop.
func (c *Connector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.mu.Unlock()

	go func() {
		defer close(done)
		if err := c.Run(runCtx); err != nil {
			c.log.Error().Err(err).Msg("sync connector stopped")
		}
	}()
}

// Stop ends the drain loop and waits for it. Queued mutations stay queued.
func (c *Connector) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.setState(StateDisconnected, ReasonNone)
}

// Notify tells the loop new mutations were committed.
func (c *Connector) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Reconnect cuts any backoff wait short and retries immediately.
func (c *Connector) Reconnect() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// Discard drops a queued transaction, normally one the backend rejected,
// and lets the drain loop move on to the next one right away.
func (c *Connector) Discard(ctx context.Context, txID string) error {
	tx, err := c.queue.Discard(ctx, txID)
	if err != nil {
		return err
	}
	c.log.Warn().Str("tx_id", txID).Int("mutations", len(tx.Mutations)).Msg("queued transaction discarded")
	c.updatePending(ctx)
	c.Reconnect()
	return nil
}

func (c *Connector) Status(ctx context.Context) Status {
	pending, err := c.queue.PendingCount(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("count pending mutations failed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	status := Status{State: c.state, Reason: c.reason, Pending: pending}
	if !c.failingSince.IsZero() {
		since := c.failingSince
		status.FailingSince = &since
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	return status
}

func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Credential returns the cached access credential, fetching a new one when
// there is none. The realtime manager shares it.
func (c *Connector) Credential(ctx context.Context) (remote.Credential, error) {
	c.mu.Lock()
	cached := c.cred
	c.mu.Unlock()
	if cached != nil && c.now().Before(cached.ExpiresAt) {
		return *cached, nil
	}
	return c.refreshCredential(ctx)
}

func (c *Connector) refreshCredential(ctx context.Context) (remote.Credential, error) {
	if c.opts.SessionToken == "" {
		return remote.Credential{}, remote.ErrNoSession
	}
	cred, err := c.backend.FetchCredential(ctx, c.opts.SessionToken)
	if err != nil {
		return remote.Credential{}, err
	}
	c.mu.Lock()
	c.cred = &cred
	c.mu.Unlock()
	return cred, nil
}

// InvalidateCredential forgets the cached credential so the next use
// fetches a fresh one.
func (c *Connector) InvalidateCredential() {
	c.mu.Lock()
	c.cred = nil
	c.mu.Unlock()
}

func (c *Connector) emit(event Event) {
	if event.At.IsZero() {
		event.At = c.now()
	}
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(event)
	}
}

func (c *Connector) setState(state State, reason PauseReason) {
	c.mu.Lock()
	changed := c.state != state || c.reason != reason
	c.state, c.reason = state, reason
	c.mu.Unlock()
	if !changed {
		return
	}
	recordState(state)
	c.log.Debug().Str("state", string(state)).Str("reason", string(reason)).Msg("sync state")
	c.emit(Event{Kind: EventStateChanged, State: state, Reason: reason})
}

// Run drains until ctx ends or there is no session. It only returns an
// error for misuse; sync failures are reported as events.
func (c *Connector) Run(ctx context.Context) error {
	if c.queue == nil || c.backend == nil {
		return errors.New("connector requires a queue and a backend")
	}
	unsubscribe := c.queue.OnCommit(c.Notify)
	defer unsubscribe()

	if c.opts.SessionToken == "" {
		c.setState(StateOffline, ReasonNone)
		return nil
	}

	retry := c.newBackOff()
	expiredInRow := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected, ReasonNone)
			return nil
		}
		c.updatePending(ctx)

		c.mu.Lock()
		haveCred := c.cred != nil
		c.mu.Unlock()
		if !haveCred {
			c.setState(StateCredentialFetch, ReasonNone)
			if _, err := c.refreshCredential(ctx); err != nil {
				if errors.Is(err, remote.ErrNoSession) {
					c.setState(StateOffline, ReasonNone)
					return nil
				}
				if ctx.Err() != nil {
					continue
				}
				if remote.IsPermanent(err) {
					c.failed(err, "rejected", ReasonRejected, "")
					c.emit(Event{Kind: EventSyncRejected, State: StatePaused, Reason: ReasonRejected, Error: err.Error()})
					c.pause(ctx, retry, c.opts.BackoffMax)
					continue
				}
				c.failed(err, "credential", ReasonTransient, "")
				c.pause(ctx, retry, retry.NextBackOff())
				continue
			}
		}

		c.setState(StateDraining, ReasonNone)
		tx, err := c.queue.NextTransaction(ctx)
		if err != nil {
			c.failed(fmt.Errorf("read queue: %w", err), "local", ReasonTransient, "")
			c.pause(ctx, retry, retry.NextBackOff())
			continue
		}
		if tx == nil {
			c.idle(ctx)
			continue
		}

		cred, _ := c.cachedCredential()
		start := c.now()
		failed, err := c.apply(ctx, cred, tx)
		switch {
		case err == nil:
			if err := c.queue.Complete(ctx, tx); err != nil {
				c.failed(fmt.Errorf("complete transaction: %w", err), "local", ReasonTransient, tx.ID)
				c.pause(ctx, retry, retry.NextBackOff())
				continue
			}
			transactionLatency.Observe(c.now().Sub(start).Seconds())
			for _, m := range tx.Mutations {
				appliedMutations.WithLabelValues(string(m.Op)).Inc()
			}
			expiredInRow = 0
			retry.Reset()
			c.succeeded()

		case errors.Is(err, remote.ErrCredentialExpired):
			c.InvalidateCredential()
			expiredInRow++
			syncFailures.WithLabelValues("credential_expired").Inc()
			if expiredInRow > 2 {
				c.failed(err, "credential", ReasonTransient, tx.ID)
				c.pause(ctx, retry, retry.NextBackOff())
			}

		case errors.Is(err, remote.ErrNoSession):
			c.InvalidateCredential()
			c.setState(StateOffline, ReasonNone)
			return nil

		case ctx.Err() != nil:

		case remote.IsPermanent(err):
			c.failed(err, "rejected", ReasonRejected, tx.ID)
			c.emit(Event{Kind: EventSyncRejected, State: StatePaused, Reason: ReasonRejected, TxID: tx.ID, Error: err.Error(), Failed: failed})
			c.pause(ctx, retry, c.opts.BackoffMax)

		default:
			c.failed(err, "transient", ReasonTransient, tx.ID)
			c.emit(Event{Kind: EventSyncTransient, State: StatePaused, Reason: ReasonTransient, TxID: tx.ID, Error: err.Error(), Failed: failed})
			c.pause(ctx, retry, retry.NextBackOff())
		}
	}
}

func (c *Connector) cachedCredential() (remote.Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred == nil {
		return remote.Credential{}, false
	}
	return *c.cred, true
}

// apply replays one transaction in sequence order. A missing row on patch
// or delete counts as applied. On failure it returns the mutation that
// failed.
func (c *Connector) apply(ctx context.Context, cred remote.Credential, tx *store.Transaction) (*store.PendingMutation, error) {
	for i := range tx.Mutations {
		m := &tx.Mutations[i]
		var err error
		switch m.Op {
		case store.OpPut:
			err = c.backend.Upsert(ctx, cred, m.Collection, m.RowID, m.Payload)
		case store.OpPatch:
			err = c.backend.Patch(ctx, cred, m.Collection, m.RowID, m.Payload)
		case store.OpDelete:
			err = c.backend.Delete(ctx, cred, m.Collection, m.RowID)
		default:
			err = fmt.Errorf("%w: unknown op %q", remote.ErrRejected, m.Op)
		}
		if errors.Is(err, remote.ErrNotFound) && m.Op != store.OpPut {
			err = nil
		}
		if err != nil {
			return m, fmt.Errorf("%s %s/%s (seq %d): %w", m.Op, m.Collection, m.RowID, m.Seq, err)
		}
	}
	return nil, nil
}

func (c *Connector) failed(err error, kind string, reason PauseReason, txID string) {
	syncFailures.WithLabelValues(kind).Inc()
	now := c.now()

	c.mu.Lock()
	c.lastErr = err
	if c.failingSince.IsZero() {
		c.failingSince = now
	}
	since := c.failingSince
	degrade := !c.degraded && now.Sub(since) >= c.opts.WarningGrace
	if degrade {
		c.degraded = true
	}
	c.mu.Unlock()

	c.log.Warn().Err(err).Str("reason", string(reason)).Str("tx_id", txID).Msg("sync attempt failed")
	c.setState(StatePaused, reason)
	if degrade {
		c.emit(Event{Kind: EventSyncDegraded, State: StatePaused, Reason: reason, TxID: txID, Error: err.Error()})
	}
}

func (c *Connector) succeeded() {
	c.mu.Lock()
	wasFailing := !c.failingSince.IsZero()
	wasDegraded := c.degraded
	c.failingSince = time.Time{}
	c.degraded = false
	c.lastErr = nil
	c.mu.Unlock()
	if wasFailing {
		c.log.Info().Bool("degraded", wasDegraded).Msg("sync recovered")
	}
	if wasDegraded {
		c.emit(Event{Kind: EventSyncRecovered, State: StateDraining})
	}
}

// pause waits d, or less if Reconnect is called, in which case the backoff
// schedule starts over.
func (c *Connector) pause(ctx context.Context, retry *backoff.ExponentialBackOff, d time.Duration) {
	if d <= 0 {
		d = c.opts.BackoffInitial
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-c.reconnect:
		retry.Reset()
	}
}

func (c *Connector) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-c.wake:
	case <-c.reconnect:
	}
}

func (c *Connector) updatePending(ctx context.Context) {
	pending, err := c.queue.PendingCount(ctx)
	if err != nil {
		return
	}
	pendingMutations.Set(float64(pending))
}
