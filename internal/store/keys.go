package store

import (
	"fmt"
	"time"
)

func (s *Store) base() string {
	return "a/" + s.account + "/"
}

func (s *Store) identityPrefix(systemID string) []byte {
	return []byte(s.base() + CollectionIdentities + "/" + systemID + "/")
}

func (s *Store) identityKey(systemID, id string) []byte {
	return append(s.identityPrefix(systemID), id...)
}

func (s *Store) systemKey(systemID string) []byte {
	return []byte(s.base() + CollectionSystems + "/" + systemID)
}

func (s *Store) historyKey(systemID, id string) []byte {
	return []byte(s.base() + CollectionFrontHistory + "/" + systemID + "/" + id)
}

func (s *Store) historyStartPrefix(systemID string) []byte {
	return []byte(s.base() + "front_history_by_start/" + systemID + "/")
}

func (s *Store) historyStartKey(systemID string, start time.Time, id string) []byte {
	return append(append(s.historyStartPrefix(systemID), startComponent(start)...), "/"+id...)
}

func (s *Store) historyOpenPrefix(systemID string) []byte {
	return []byte(s.base() + "front_history_open/" + systemID + "/")
}

func (s *Store) historyOpenKey(systemID, id string) []byte {
	return append(s.historyOpenPrefix(systemID), id...)
}

func (s *Store) mutationPrefix() []byte {
	return []byte(s.base() + "pending_mutations/")
}

func (s *Store) mutationKey(seq uint64) []byte {
	return append(s.mutationPrefix(), fmt.Sprintf("%020d", seq)...)
}

func (s *Store) seqKey() []byte {
	return []byte(s.base() + "meta/seq")
}

func (s *Store) suspensionKey(systemID string) []byte {
	return []byte(s.base() + "meta/suspended/" + systemID)
}

// startComponent is a fixed-width, lexically ordered rendering of t.
func startComponent(t time.Time) string {
	nanos := t.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	return fmt.Sprintf("%020d", nanos)
}
