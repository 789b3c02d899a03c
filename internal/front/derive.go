package front

import (
	"fronting/core/internal/store"
)

// Mode tags a FrontStatus.
type Mode string

const (
	ModeSingle  Mode = "single"
	ModeCoFront Mode = "co-front"
	ModeBlurry  Mode = "blurry"
)

func ParseMode(v string) (Mode, bool) {
	switch Mode(v) {
	case ModeSingle, ModeCoFront, ModeBlurry:
		return Mode(v), true
	}
	return "", false
}

// FrontStatus is who is fronting right now. It is always derived, never
// stored.
type FrontStatus struct {
	Mode       Mode             `json:"mode"`
	Identities []store.Identity `json:"identities"`
	Note       string           `json:"note,omitempty"`
}

func (s FrontStatus) IDs() []string {
	ids := make([]string, 0, len(s.Identities))
	for _, item := range s.Identities {
		ids = append(ids, item.ID)
	}
	return ids
}

// Primary is the first fronting identity, or "" when blurry.
func (s FrontStatus) Primary() string {
	if len(s.Identities) == 0 {
		return ""
	}
	return s.Identities[0].ID
}

// Includes reports whether id is one of the fronting identities.
func (s FrontStatus) Includes(id string) bool {
	for _, item := range s.Identities {
		if item.ID == id {
			return true
		}
	}
	return false
}

// Equal ignores clocks; any visible difference counts.
func (s FrontStatus) Equal(other FrontStatus) bool {
	if s.Mode != other.Mode || s.Note != other.Note || len(s.Identities) != len(other.Identities) {
		return false
	}
	for i := range s.Identities {
		a, b := s.Identities[i], other.Identities[i]
		if a.ID != b.ID || a.Name != b.Name || a.Color != b.Color || a.Host != b.Host || a.Active != b.Active {
			return false
		}
	}
	return true
}

// Derive computes the front status from the identity set (in creation
// order) and the system row. Active identities win; with none active an
// explicit blurry switch is honoured, then the first host, then the first
// identity. An empty system is blurry.
func Derive(items []store.Identity, system store.System) FrontStatus {
	var live []store.Identity
	for _, item := range items {
		if !item.Archived {
			live = append(live, item)
		}
	}
	status := FrontStatus{Note: system.FrontNote}

	var active []store.Identity
	for _, item := range live {
		if item.Active {
			active = append(active, item)
		}
	}
	switch {
	case len(active) > 1:
		status.Mode = ModeCoFront
		status.Identities = active
		return status
	case len(active) == 1:
		status.Mode = ModeSingle
		status.Identities = active
		return status
	}

	if system.Blurry || len(live) == 0 {
		status.Mode = ModeBlurry
		status.Identities = []store.Identity{}
		return status
	}
	for _, item := range live {
		if item.Host {
			status.Mode = ModeSingle
			status.Identities = []store.Identity{item}
			return status
		}
	}
	status.Mode = ModeSingle
	status.Identities = []store.Identity{live[0]}
	return status
}
