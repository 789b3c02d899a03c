package front

import (
	"time"

	"fronting/core/internal/store"
)

// Remote documents use the JSON field names of the store types so the
// backend can decode them straight into store.Identity.

func identityDoc(item store.Identity) map[string]any {
	return map[string]any{
		"id":        item.ID,
		"systemId":  item.SystemID,
		"name":      item.Name,
		"color":     item.Color,
		"host":      item.Host,
		"active":    item.Active,
		"archived":  item.Archived,
		"createdAt": item.CreatedAt.UTC().Format(time.RFC3339Nano),
		"clock":     clockDoc(item.Clock),
	}
}

func identityPatch(item store.Identity, fields ...string) map[string]any {
	doc := identityDoc(item)
	patch := map[string]any{}
	clock := map[string]any{}
	for _, field := range fields {
		patch[field] = doc[field]
		clock[field] = item.Clock[field]
	}
	patch["clock"] = clock
	return patch
}

func systemDoc(item store.System) map[string]any {
	return map[string]any{
		"id":        item.ID,
		"frontNote": item.FrontNote,
		"blurry":    item.Blurry,
		"clock":     clockDoc(item.Clock),
	}
}

func historyDoc(entry store.FrontHistoryEntry) map[string]any {
	doc := map[string]any{
		"id":         entry.ID,
		"identityId": entry.IdentityID,
		"systemId":   entry.SystemID,
		"start":      entry.Start.UTC().Format(time.RFC3339Nano),
	}
	if entry.End != nil {
		doc["end"] = entry.End.UTC().Format(time.RFC3339Nano)
	}
	return doc
}

func historyEndPatch(end time.Time) map[string]any {
	return map[string]any{"end": end.UTC().Format(time.RFC3339Nano)}
}

func clockDoc(clock map[string]int64) map[string]any {
	doc := make(map[string]any, len(clock))
	for field, at := range clock {
		doc[field] = at
	}
	return doc
}
