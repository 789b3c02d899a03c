package front

import (
	"fmt"

	"fronting/core/internal/store"
)

var identityFields = []string{
	store.FieldName,
	store.FieldColor,
	store.FieldHost,
	store.FieldActive,
	store.FieldArchived,
}

// MergeIdentity merges incoming into current field by field, last writer
// wins on the per-field clock. Equal clocks are settled by comparing the
// values so every replica picks the same winner. The bool reports whether
// the result differs from current.
func MergeIdentity(current store.Identity, exists bool, incoming store.Identity) (store.Identity, bool) {
	if !exists {
		merged := incoming
		merged.Clock = copyClock(incoming.Clock)
		return merged, true
	}
	merged := current
	merged.Clock = copyClock(current.Clock)
	if merged.SystemID == "" {
		merged.SystemID = incoming.SystemID
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = incoming.CreatedAt
	}

	changed := false
	for _, field := range identityFields {
		incomingAt, ok := incoming.Clock[field]
		if !ok {
			continue
		}
		currentAt := merged.Clock[field]
		incomingValue := identityField(incoming, field)
		currentValue := identityField(merged, field)
		if incomingAt < currentAt {
			continue
		}
		if incomingAt == currentAt && fmt.Sprint(incomingValue) <= fmt.Sprint(currentValue) {
			continue
		}
		if incomingValue != currentValue {
			setIdentityField(&merged, field, incomingValue)
			changed = true
		}
		if incomingAt != currentAt {
			merged.Clock[field] = incomingAt
			changed = true
		}
	}
	return merged, changed
}

// MergeSystem applies the same rule to the system's note and blurry flag.
func MergeSystem(current, incoming store.System) (store.System, bool) {
	merged := current
	merged.Clock = copyClock(current.Clock)
	changed := false
	if at, ok := incoming.Clock[store.FieldNote]; ok && wins(at, merged.Clock[store.FieldNote], incoming.FrontNote, merged.FrontNote) {
		changed = changed || merged.FrontNote != incoming.FrontNote || merged.Clock[store.FieldNote] != at
		merged.FrontNote = incoming.FrontNote
		merged.Clock[store.FieldNote] = at
	}
	if at, ok := incoming.Clock[store.FieldBlurry]; ok && wins(at, merged.Clock[store.FieldBlurry], incoming.Blurry, merged.Blurry) {
		changed = changed || merged.Blurry != incoming.Blurry || merged.Clock[store.FieldBlurry] != at
		merged.Blurry = incoming.Blurry
		merged.Clock[store.FieldBlurry] = at
	}
	return merged, changed
}

func wins(incomingAt, currentAt int64, incomingValue, currentValue any) bool {
	if incomingAt != currentAt {
		return incomingAt > currentAt
	}
	return fmt.Sprint(incomingValue) > fmt.Sprint(currentValue)
}

// Stamp sets the clock of the named fields to at.
func Stamp(clock map[string]int64, at int64, fields ...string) map[string]int64 {
	next := copyClock(clock)
	for _, field := range fields {
		next[field] = at
	}
	return next
}

func latestClock(clock map[string]int64) int64 {
	var latest int64
	for _, at := range clock {
		if at > latest {
			latest = at
		}
	}
	return latest
}

func copyClock(clock map[string]int64) map[string]int64 {
	next := make(map[string]int64, len(clock)+1)
	for field, at := range clock {
		next[field] = at
	}
	return next
}

func identityField(item store.Identity, field string) any {
	switch field {
	case store.FieldName:
		return item.Name
	case store.FieldColor:
		return item.Color
	case store.FieldHost:
		return item.Host
	case store.FieldActive:
		return item.Active
	case store.FieldArchived:
		return item.Archived
	}
	return nil
}

func setIdentityField(item *store.Identity, field string, value any) {
	switch field {
	case store.FieldName:
		item.Name = value.(string)
	case store.FieldColor:
		item.Color = value.(string)
	case store.FieldHost:
		item.Host = value.(bool)
	case store.FieldActive:
		item.Active = value.(bool)
	case store.FieldArchived:
		item.Archived = value.(bool)
	}
}
