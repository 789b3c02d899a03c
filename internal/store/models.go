package store

import "time"

// Collections mirrored to the remote backend.
const (
	CollectionIdentities   = "identities"
	CollectionSystems      = "systems"
	CollectionFrontHistory = "front_history"
)

// Op is the remote operation a PendingMutation replays.
type Op string

const (
	OpPut    Op = "put"    // insert-or-replace by row id
	OpPatch  Op = "patch"  // partial update by row id
	OpDelete Op = "delete" // delete by row id
)

// Identity fields tracked by the per-field clock.
const (
	FieldName     = "name"
	FieldColor    = "color"
	FieldHost     = "host"
	FieldActive   = "active"
	FieldArchived = "archived"
	FieldNote     = "front_note"
	FieldBlurry   = "blurry"
)

// Identity is one alter of a system. Clock holds the ordering timestamp
// (unix nanoseconds) of the last write to each field.
type Identity struct {
	ID        string           `cbor:"id" json:"id"`
	SystemID  string           `cbor:"system_id" json:"systemId"`
	Name      string           `cbor:"name" json:"name"`
	Color     string           `cbor:"color" json:"color"`
	Host      bool             `cbor:"host" json:"host"`
	Active    bool             `cbor:"active" json:"active"`
	Archived  bool             `cbor:"archived" json:"archived"`
	CreatedAt time.Time        `cbor:"created_at" json:"createdAt"`
	Clock     map[string]int64 `cbor:"clock" json:"clock,omitempty"`
}

// System carries per-system front metadata that is not derivable from
// identity flags: the free-text note and an explicit blurry switch.
type System struct {
	ID        string           `cbor:"id" json:"id"`
	FrontNote string           `cbor:"front_note" json:"frontNote"`
	Blurry    bool             `cbor:"blurry" json:"blurry"`
	Clock     map[string]int64 `cbor:"clock" json:"clock,omitempty"`
}

type FrontHistoryEntry struct {
	ID         string     `cbor:"id" json:"id"`
	IdentityID string     `cbor:"identity_id" json:"identityId"`
	SystemID   string     `cbor:"system_id" json:"systemId"`
	Start      time.Time  `cbor:"start" json:"start"`
	End        *time.Time `cbor:"end" json:"end,omitempty"`
}

func (e FrontHistoryEntry) Open() bool {
	return e.End == nil
}

type PendingMutation struct {
	Seq        uint64         `cbor:"seq"`
	TxID       string         `cbor:"tx_id"`
	AccountID  string         `cbor:"account_id"`
	Collection string         `cbor:"collection"`
	RowID      string         `cbor:"row_id"`
	Op         Op             `cbor:"op"`
	Payload    map[string]any `cbor:"payload"`
	CreatedAt  time.Time      `cbor:"created_at"`
}

// Transaction is the set of mutations committed by one local write, in
// sequence order.
type Transaction struct {
	ID        string
	Mutations []PendingMutation
}

// Suspension marks a history entry left open while the app was in the
// background, with the time of that transition.
type Suspension struct {
	SystemID   string    `cbor:"system_id"`
	EntryID    string    `cbor:"entry_id"`
	IdentityID string    `cbor:"identity_id"`
	At         time.Time `cbor:"at"`
}

// HistoryQuery selects entries whose start falls in [From, To). Zero
// bounds are open.
type HistoryQuery struct {
	SystemID string
	From     time.Time
	To       time.Time
	Limit    int
	Cursor   string
}

type HistoryPage struct {
	Entries    []FrontHistoryEntry `json:"entries"`
	NextCursor string              `json:"nextCursor,omitempty"`
}
