package front

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fronting/core/internal/store"
	"fronting/core/internal/util"
)

// LocalStore is the part of the durable store the front package writes
// through.
type LocalStore interface {
	Write(ctx context.Context, fn func(w *store.Writer) error) error
	ListIdentities(ctx context.Context, systemID string) ([]store.Identity, error)
	GetSystem(ctx context.Context, systemID string) (store.System, error)
	OpenHistory(ctx context.Context, systemID string) ([]store.FrontHistoryEntry, error)
	GetSuspension(ctx context.Context, systemID string) (store.Suspension, bool, error)
	ListHistory(ctx context.Context, query store.HistoryQuery) (store.HistoryPage, error)
}

type MachineConfig struct {
	SystemID string
	Store    LocalStore
	Registry *Registry
	Logger   zerolog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Machine owns the front status of one system. Mutations are serialized by
// mu; the status itself is recomputed whenever the registry changes.
type Machine struct {
	mu       sync.Mutex
	systemID string
	store    LocalStore
	registry *Registry
	log      zerolog.Logger
	now      func() time.Time
	newID    func() string

	open      *store.FrontHistoryEntry
	suspended *store.Suspension

	stateMu sync.Mutex
	system  store.System
	status  FrontStatus

	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     map[int]func(FrontStatus)
	nextSub  int
	unlisten func()
}

func NewMachine(cfg MachineConfig) *Machine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() string { return util.NewID("fh") }
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	m := &Machine{
		systemID: cfg.SystemID,
		store:    cfg.Store,
		registry: registry,
		log:      cfg.Logger,
		now:      now,
		newID:    newID,
		system:   store.System{ID: cfg.SystemID},
		subs:     map[int]func(FrontStatus){},
	}
	m.status = Derive(nil, m.system)
	m.unlisten = registry.OnChange(m.recompute)
	return m
}

func (m *Machine) Registry() *Registry {
	return m.registry
}

func (m *Machine) SystemID() string {
	return m.systemID
}

// Load reads identities, the system row, the open history entry and any
// suspension marker from the local store.
func (m *Machine) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.store.ListIdentities(ctx, m.systemID)
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}
	system, err := m.store.GetSystem(ctx, m.systemID)
	if err != nil {
		return fmt.Errorf("load system: %w", err)
	}
	open, err := m.store.OpenHistory(ctx, m.systemID)
	if err != nil {
		return fmt.Errorf("load open history: %w", err)
	}
	suspension, suspended, err := m.store.GetSuspension(ctx, m.systemID)
	if err != nil {
		return fmt.Errorf("load suspension: %w", err)
	}

	m.open = nil
	for i := range open {
		if m.open == nil || open[i].Start.After(m.open.Start) {
			entry := open[i]
			m.open = &entry
		}
	}
	if len(open) > 1 {
		m.log.Warn().Int("open", len(open)).Str("kept", m.open.ID).Msg("multiple open history entries")
	}
	m.suspended = nil
	if suspended {
		m.suspended = &suspension
	}

	m.setSystem(system)
	m.registry.Load(items)
	m.recompute()
	return nil
}

// Close detaches the machine from its registry.
func (m *Machine) Close() {
	if m.unlisten != nil {
		m.unlisten()
	}
}

func (m *Machine) CurrentStatus() FrontStatus {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.status
}

// System returns the current system row.
func (m *Machine) System() store.System {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.system
}

// OpenEntry returns the history entry currently open, if any.
func (m *Machine) OpenEntry() (store.FrontHistoryEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open == nil {
		return store.FrontHistoryEntry{}, false
	}
	return *m.open, true
}

// Subscribe calls fn with every new status. fn must not call back into
// the machine synchronously.
func (m *Machine) Subscribe(fn func(FrontStatus)) func() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Machine) setSystem(system store.System) {
	if system.ID == "" {
		system.ID = m.systemID
	}
	m.stateMu.Lock()
	m.system = system
	m.stateMu.Unlock()
}

func (m *Machine) recompute() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	items := m.registry.List()
	m.stateMu.Lock()
	next := Derive(items, m.system)
	changed := !next.Equal(m.status)
	m.status = next
	m.stateMu.Unlock()
	if !changed {
		return
	}

	m.subsMu.Lock()
	fns := make([]func(FrontStatus), 0, len(m.subs))
	for i := 0; i < m.nextSub; i++ {
		if fn, ok := m.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	m.subsMu.Unlock()
	for _, fn := range fns {
		fn(next)
	}
}

func (m *Machine) History(ctx context.Context, query store.HistoryQuery) (store.HistoryPage, error) {
	query.SystemID = m.systemID
	page, err := m.store.ListHistory(ctx, query)
	if err != nil {
		return store.HistoryPage{}, fmt.Errorf("list history: %w", err)
	}
	return page, nil
}

func (m *Machine) validate(ids []string, mode Mode) error {
	switch mode {
	case ModeBlurry:
		if len(ids) != 0 {
			return fmt.Errorf("%w: blurry takes no identities", ErrInvalidFrontRequest)
		}
		return nil
	case ModeSingle:
		if len(ids) != 1 {
			return fmt.Errorf("%w: single takes exactly one identity", ErrInvalidFrontRequest)
		}
	case ModeCoFront:
		if len(ids) < 2 {
			return fmt.Errorf("%w: co-front takes at least two identities", ErrInvalidFrontRequest)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidFrontRequest, mode)
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return fmt.Errorf("%w: duplicate identity %s", ErrInvalidFrontRequest, id)
		}
		seen[id] = true
		item, ok := m.registry.Get(id)
		if !ok {
			return fmt.Errorf("%w: unknown identity %s", ErrInvalidFrontRequest, id)
		}
		if item.Archived {
			return fmt.Errorf("%w: identity %s is archived", ErrInvalidFrontRequest, id)
		}
	}
	return nil
}

// tick returns a clock value newer than anything already recorded, so a
// local write always wins over the state it replaces.
func (m *Machine) tick(now time.Time, items []store.Identity, system store.System) int64 {
	at := now.UnixNano()
	for _, item := range items {
		if latest := latestClock(item.Clock); latest >= at {
			at = latest + 1
		}
	}
	if latest := latestClock(system.Clock); latest >= at {
		at = latest + 1
	}
	return at
}

// SetFronting switches the front. The new status is visible before the
// local write commits; if the write fails the previous state comes back
// and ErrHistoryWriteFailed is returned.
func (m *Machine) SetFronting(ctx context.Context, ids []string, mode Mode, note string) (FrontStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(ids) == 0 && mode != ModeBlurry {
		return m.CurrentStatus(), fmt.Errorf("%w: no identities given", ErrInvalidFrontRequest)
	}
	if err := m.validate(ids, mode); err != nil {
		return m.CurrentStatus(), err
	}

	now := m.now().UTC()
	items := m.registry.List()
	previousSystem := m.System()
	at := m.tick(now, items, previousSystem)

	requested := make(map[string]bool, len(ids))
	for _, id := range ids {
		requested[id] = true
	}
	active := map[string]bool{}
	for _, item := range items {
		if item.Active {
			active[item.ID] = true
		}
	}

	var previous, flipped []store.Identity
	for _, item := range items {
		if item.Active && !requested[item.ID] {
			previous = append(previous, item)
			next := item
			next.Active = false
			next.Clock = Stamp(item.Clock, at, store.FieldActive)
			flipped = append(flipped, next)
		}
	}
	primary := ""
	for _, id := range ids {
		if active[id] {
			continue
		}
		item, _ := m.registry.Get(id)
		previous = append(previous, item)
		next := item
		next.Active = true
		next.Clock = Stamp(item.Clock, at, store.FieldActive)
		flipped = append(flipped, next)
		if primary == "" {
			primary = id
		}
	}
	if primary == "" && len(ids) > 0 {
		primary = ids[0]
		if m.open != nil && requested[m.open.IdentityID] {
			primary = m.open.IdentityID
		}
	}

	nextSystem := previousSystem
	nextSystem.ID = m.systemID
	var systemFields []string
	if nextSystem.FrontNote != note {
		nextSystem.FrontNote = note
		systemFields = append(systemFields, store.FieldNote)
	}
	if blurry := mode == ModeBlurry; nextSystem.Blurry != blurry {
		nextSystem.Blurry = blurry
		systemFields = append(systemFields, store.FieldBlurry)
	}
	if len(systemFields) > 0 {
		nextSystem.Clock = Stamp(previousSystem.Clock, at, systemFields...)
	}

	var closing, opening *store.FrontHistoryEntry
	if m.open != nil && m.open.IdentityID != primary {
		end := now
		if end.Before(m.open.Start) {
			end = m.open.Start
		}
		entry := *m.open
		entry.End = &end
		closing = &entry
	}
	if primary != "" && (m.open == nil || m.open.IdentityID != primary) {
		start := now
		if closing != nil && start.Before(*closing.End) {
			start = *closing.End
		}
		opening = &store.FrontHistoryEntry{
			ID:         m.newID(),
			IdentityID: primary,
			SystemID:   m.systemID,
			Start:      start,
		}
	}
	clearSuspension := closing != nil && m.suspended != nil && m.suspended.EntryID == closing.ID

	m.setSystem(nextSystem)
	if !m.registry.UpsertMany(flipped...) {
		m.recompute()
	}

	err := m.store.Write(ctx, func(w *store.Writer) error {
		for _, item := range flipped {
			stored, exists, err := w.GetIdentity(m.systemID, item.ID)
			if err != nil {
				return err
			}
			merged, _ := MergeIdentity(stored, exists, item)
			if err := w.PutIdentity(merged); err != nil {
				return err
			}
			if err := w.Enqueue(store.CollectionIdentities, item.ID, store.OpPatch, identityPatch(item, store.FieldActive)); err != nil {
				return err
			}
		}
		if len(systemFields) > 0 {
			if err := w.PutSystem(nextSystem); err != nil {
				return err
			}
			if err := w.Enqueue(store.CollectionSystems, m.systemID, store.OpPut, systemDoc(nextSystem)); err != nil {
				return err
			}
		}
		if closing != nil {
			if err := w.PutHistory(*closing); err != nil {
				return err
			}
			if err := w.Enqueue(store.CollectionFrontHistory, closing.ID, store.OpPatch, historyEndPatch(*closing.End)); err != nil {
				return err
			}
		}
		if opening != nil {
			if err := w.PutHistory(*opening); err != nil {
				return err
			}
			if err := w.Enqueue(store.CollectionFrontHistory, opening.ID, store.OpPut, historyDoc(*opening)); err != nil {
				return err
			}
		}
		if clearSuspension {
			return w.ClearSuspension(m.systemID)
		}
		return nil
	})
	if err != nil {
		m.setSystem(previousSystem)
		m.registry.Restore(previous)
		if len(previous) == 0 {
			m.recompute()
		}
		m.log.Error().Err(err).Str("system_id", m.systemID).Msg("front switch rolled back")
		return m.CurrentStatus(), fmt.Errorf("%w: %w", ErrHistoryWriteFailed, err)
	}

	if closing != nil {
		m.open = nil
	}
	if opening != nil {
		m.open = opening
	}
	if clearSuspension {
		m.suspended = nil
	}
	m.log.Info().
		Str("system_id", m.systemID).
		Str("mode", string(mode)).
		Strs("identities", ids).
		Msg("front switched")
	return m.CurrentStatus(), nil
}

// retire runs fn in one local write with taking id off the front. When the
// open entry is id's it is closed, at the suspension time if the app is in
// the background. In the foreground an identity that stays active opens the
// next entry; in the background resume does that later.
func (m *Machine) retire(ctx context.Context, id string, fn func(w *store.Writer) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open == nil || m.open.IdentityID != id {
		return m.store.Write(ctx, fn)
	}

	clearSuspension := m.suspended != nil && m.suspended.EntryID == m.open.ID
	end := m.now().UTC()
	if clearSuspension {
		end = m.suspended.At
	}
	if end.Before(m.open.Start) {
		end = m.open.Start
	}
	closing := *m.open
	closing.End = &end
	var opening *store.FrontHistoryEntry
	if m.suspended == nil {
		for _, item := range m.registry.List() {
			if item.ID != id && item.Active && !item.Archived {
				opening = &store.FrontHistoryEntry{
					ID:         m.newID(),
					IdentityID: item.ID,
					SystemID:   m.systemID,
					Start:      end,
				}
				break
			}
		}
	}

	if err := m.store.Write(ctx, func(w *store.Writer) error {
		if err := fn(w); err != nil {
			return err
		}
		if err := closeEntry(w, closing); err != nil {
			return err
		}
		if opening != nil {
			if err := w.PutHistory(*opening); err != nil {
				return err
			}
			if err := w.Enqueue(store.CollectionFrontHistory, opening.ID, store.OpPut, historyDoc(*opening)); err != nil {
				return err
			}
		}
		if clearSuspension {
			return w.ClearSuspension(m.systemID)
		}
		return nil
	}); err != nil {
		return err
	}
	m.open = opening
	if clearSuspension {
		m.suspended = nil
	}
	return nil
}

// suspend marks the open entry as backgrounded at the given time.
func (m *Machine) suspend(ctx context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open == nil || m.suspended != nil {
		return nil
	}
	marker := store.Suspension{
		SystemID:   m.systemID,
		EntryID:    m.open.ID,
		IdentityID: m.open.IdentityID,
		At:         at.UTC(),
	}
	if err := m.store.Write(ctx, func(w *store.Writer) error {
		return w.PutSuspension(marker)
	}); err != nil {
		return fmt.Errorf("write suspension: %w", err)
	}
	m.suspended = &marker
	return nil
}

// resume starts or continues a session entry for the current primary
// identity. A suspended entry survives when its identity is still fronting
// and the gap is within window.
func (m *Machine) resume(ctx context.Context, at time.Time, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	at = at.UTC()
	status := m.CurrentStatus()
	primary := status.Primary()

	if m.suspended == nil {
		if m.open != nil || primary == "" {
			return nil
		}
		return m.openEntry(ctx, primary, at, nil)
	}

	marker := *m.suspended
	sameEntry := m.open != nil && m.open.ID == marker.EntryID
	if !sameEntry {
		// The marked entry was closed some other way; only the marker is stale.
		if err := m.store.Write(ctx, func(w *store.Writer) error {
			return w.ClearSuspension(m.systemID)
		}); err != nil {
			return fmt.Errorf("clear suspension: %w", err)
		}
		m.suspended = nil
		if m.open != nil || primary == "" {
			return nil
		}
		return m.openEntry(ctx, primary, at, nil)
	}
	if sameEntry && status.Includes(marker.IdentityID) && at.Sub(marker.At) <= window {
		if err := m.store.Write(ctx, func(w *store.Writer) error {
			return w.ClearSuspension(m.systemID)
		}); err != nil {
			return fmt.Errorf("clear suspension: %w", err)
		}
		m.suspended = nil
		return nil
	}

	end := marker.At
	if end.Before(m.open.Start) {
		end = m.open.Start
	}
	closing := *m.open
	closing.End = &end
	if primary == "" {
		if err := m.store.Write(ctx, func(w *store.Writer) error {
			if err := closeEntry(w, closing); err != nil {
				return err
			}
			return w.ClearSuspension(m.systemID)
		}); err != nil {
			return fmt.Errorf("close suspended entry: %w", err)
		}
		m.open = nil
		m.suspended = nil
		return nil
	}
	return m.openEntry(ctx, primary, at, &closing)
}

// openEntry opens a history entry for identityID, closing closing and
// clearing any suspension in the same write.
func (m *Machine) openEntry(ctx context.Context, identityID string, at time.Time, closing *store.FrontHistoryEntry) error {
	start := at
	if closing != nil && start.Before(*closing.End) {
		start = *closing.End
	}
	entry := store.FrontHistoryEntry{
		ID:         m.newID(),
		IdentityID: identityID,
		SystemID:   m.systemID,
		Start:      start,
	}
	hadSuspension := m.suspended != nil
	if err := m.store.Write(ctx, func(w *store.Writer) error {
		if closing != nil {
			if err := closeEntry(w, *closing); err != nil {
				return err
			}
		}
		if err := w.PutHistory(entry); err != nil {
			return err
		}
		if err := w.Enqueue(store.CollectionFrontHistory, entry.ID, store.OpPut, historyDoc(entry)); err != nil {
			return err
		}
		if hadSuspension {
			return w.ClearSuspension(m.systemID)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("open history entry: %w", err)
	}
	m.open = &entry
	m.suspended = nil
	return nil
}

func closeEntry(w *store.Writer, entry store.FrontHistoryEntry) error {
	if err := w.PutHistory(entry); err != nil {
		return err
	}
	return w.Enqueue(store.CollectionFrontHistory, entry.ID, store.OpPatch, historyEndPatch(*entry.End))
}
