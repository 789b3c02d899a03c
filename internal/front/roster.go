package front

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fronting/core/internal/store"
	"fronting/core/internal/util"
)

type IdentityInput struct {
	Name  string `json:"name"`
	Color string `json:"color"`
	Host  bool   `json:"host"`
}

// IdentityPatch changes only the non-nil fields.
type IdentityPatch struct {
	Name  *string `json:"name"`
	Color *string `json:"color"`
	Host  *bool   `json:"host"`
}

// Roster creates and edits the identities of one system. Writes land in
// the local store first; the registry follows once they commit. Archiving
// or deleting goes through the machine so the history follows.
type Roster struct {
	systemID string
	store    LocalStore
	registry *Registry
	machine  *Machine
	now      func() time.Time
	newID    func() string
}

func NewRoster(machine *Machine, local LocalStore) *Roster {
	return &Roster{
		systemID: machine.SystemID(),
		store:    local,
		registry: machine.Registry(),
		machine:  machine,
		now:      time.Now,
		newID:    func() string { return util.NewID("idn") },
	}
}

func (r *Roster) List() []store.Identity {
	return r.registry.List()
}

func (r *Roster) Get(id string) (store.Identity, error) {
	item, ok := r.registry.Get(id)
	if !ok {
		return store.Identity{}, ErrIdentityNotFound
	}
	return item, nil
}

func (r *Roster) Create(ctx context.Context, input IdentityInput) (store.Identity, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Identity{}, fmt.Errorf("%w: name is required", ErrInvalidIdentity)
	}
	now := r.now().UTC()
	at := now.UnixNano()
	item := store.Identity{
		ID:        r.newID(),
		SystemID:  r.systemID,
		Name:      name,
		Color:     strings.TrimSpace(input.Color),
		Host:      input.Host,
		CreatedAt: now,
		Clock:     Stamp(nil, at, identityFields...),
	}
	if err := r.store.Write(ctx, func(w *store.Writer) error {
		if err := w.PutIdentity(item); err != nil {
			return err
		}
		return w.Enqueue(store.CollectionIdentities, item.ID, store.OpPut, identityDoc(item))
	}); err != nil {
		return store.Identity{}, fmt.Errorf("create identity: %w", err)
	}
	r.registry.Upsert(item)
	return item, nil
}

func (r *Roster) Update(ctx context.Context, id string, patch IdentityPatch) (store.Identity, error) {
	return r.modify(ctx, id, false, func(item *store.Identity) ([]string, error) {
		var fields []string
		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if name == "" {
				return nil, fmt.Errorf("%w: name is required", ErrInvalidIdentity)
			}
			item.Name = name
			fields = append(fields, store.FieldName)
		}
		if patch.Color != nil {
			item.Color = strings.TrimSpace(*patch.Color)
			fields = append(fields, store.FieldColor)
		}
		if patch.Host != nil {
			item.Host = *patch.Host
			fields = append(fields, store.FieldHost)
		}
		return fields, nil
	})
}

// Archive hides an identity from the front without losing its history. An
// archived identity is also taken off the front.
func (r *Roster) Archive(ctx context.Context, id string) (store.Identity, error) {
	return r.modify(ctx, id, true, func(item *store.Identity) ([]string, error) {
		fields := []string{store.FieldArchived}
		item.Archived = true
		if item.Active {
			item.Active = false
			fields = append(fields, store.FieldActive)
		}
		return fields, nil
	})
}

func (r *Roster) modify(ctx context.Context, id string, retiring bool, apply func(*store.Identity) ([]string, error)) (store.Identity, error) {
	current, ok := r.registry.Get(id)
	if !ok {
		return store.Identity{}, ErrIdentityNotFound
	}
	next := current
	fields, err := apply(&next)
	if err != nil {
		return store.Identity{}, err
	}
	if len(fields) == 0 {
		return current, nil
	}
	at := r.now().UnixNano()
	if latest := latestClock(current.Clock); latest >= at {
		at = latest + 1
	}
	next.Clock = Stamp(current.Clock, at, fields...)

	if err := r.write(ctx, id, retiring, func(w *store.Writer) error {
		stored, exists, err := w.GetIdentity(r.systemID, id)
		if err != nil {
			return err
		}
		merged, _ := MergeIdentity(stored, exists, next)
		if err := w.PutIdentity(merged); err != nil {
			return err
		}
		return w.Enqueue(store.CollectionIdentities, id, store.OpPatch, identityPatch(next, fields...))
	}); err != nil {
		return store.Identity{}, fmt.Errorf("update identity: %w", err)
	}
	r.registry.Upsert(next)
	item, _ := r.registry.Get(id)
	return item, nil
}

// Delete removes an identity for good. Only account deletion flows use it;
// everything else archives.
func (r *Roster) Delete(ctx context.Context, id string) error {
	current, ok := r.registry.Get(id)
	if !ok {
		return ErrIdentityNotFound
	}
	at := r.now().UnixNano()
	if latest := latestClock(current.Clock); latest >= at {
		at = latest + 1
	}
	if err := r.write(ctx, id, true, func(w *store.Writer) error {
		if err := w.DeleteIdentity(r.systemID, id); err != nil {
			return err
		}
		return w.Enqueue(store.CollectionIdentities, id, store.OpDelete, nil)
	}); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	r.registry.Remove(id, at)
	return nil
}

func (r *Roster) write(ctx context.Context, id string, retiring bool, fn func(w *store.Writer) error) error {
	if retiring && r.machine != nil {
		return r.machine.retire(ctx, id, fn)
	}
	return r.store.Write(ctx, fn)
}
