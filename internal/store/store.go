package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"fronting/core/internal/codec"
	"fronting/core/internal/util"
)

var (
	ErrHistoryClosed = errors.New("history entry already closed")
	ErrInvalidCursor = errors.New("invalid history cursor")
	ErrTxNotFound    = errors.New("transaction not queued")
)

// Store is one account's view of the local database. Every key it reads
// or writes lives under a/<account>/, so queued mutations of one account
// are invisible to another.
type Store struct {
	db      *DB
	account string
	now     func() time.Time

	hooksMu sync.Mutex
	hooks   map[int]func()
	nextKey int
}

func New(db *DB, accountID string) *Store {
	return &Store{
		db:      db,
		account: accountID,
		now:     time.Now,
		hooks:   make(map[int]func()),
	}
}

func (s *Store) AccountID() string {
	return s.account
}

// OnCommit registers fn to run after every commit that queued at least one
// mutation. The returned func unregisters it.
func (s *Store) OnCommit(fn func()) func() {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	key := s.nextKey
	s.nextKey++
	s.hooks[key] = fn
	return func() {
		s.hooksMu.Lock()
		defer s.hooksMu.Unlock()
		delete(s.hooks, key)
	}
}

func (s *Store) notifyCommit() {
	s.hooksMu.Lock()
	hooks := make([]func(), 0, len(s.hooks))
	for _, fn := range s.hooks {
		hooks = append(hooks, fn)
	}
	s.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Write runs fn in a single read-write transaction. Data rows and the
// mutations queued through the Writer commit together or not at all.
func (s *Store) Write(ctx context.Context, fn func(w *Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.db.writeMu.Lock()
	defer s.db.writeMu.Unlock()

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	seq, err := s.readSeq(txn)
	if err != nil {
		return err
	}
	w := &Writer{store: s, txn: txn, txID: util.NewID("tx"), seq: seq}
	if err := fn(w); err != nil {
		return err
	}
	if w.queued > 0 {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, w.seq)
		if err := txn.Set(s.seqKey(), buf); err != nil {
			return fmt.Errorf("store sequence: %w", err)
		}
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit local write: %w", err)
	}
	if w.queued > 0 {
		s.notifyCommit()
	}
	return nil
}

func (s *Store) readSeq(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(s.seqKey())
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	if len(value) != 8 {
		return 0, fmt.Errorf("read sequence: corrupt value of %d bytes", len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *Store) GetIdentity(ctx context.Context, systemID, id string) (Identity, bool, error) {
	var item Identity
	var found bool
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = getRecord(txn, s.identityKey(systemID, id), &item)
		return err
	})
	if err != nil {
		return Identity{}, false, fmt.Errorf("get identity: %w", err)
	}
	return item, found, nil
}

// ListIdentities returns the system's identities in creation order, ties
// broken by id.
func (s *Store) ListIdentities(ctx context.Context, systemID string) ([]Identity, error) {
	items := make([]Identity, 0)
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, s.identityPrefix(systemID), func(value []byte) error {
			var item Identity
			if err := codec.Unmarshal(value, &item); err != nil {
				return fmt.Errorf("decode identity: %w", err)
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	SortIdentities(items)
	return items, nil
}

func SortIdentities(items []Identity) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

// GetSystem returns the stored system row, or a zero row carrying only the
// id when none has been written yet.
func (s *Store) GetSystem(ctx context.Context, systemID string) (System, error) {
	item := System{ID: systemID}
	err := s.view(ctx, func(txn *badger.Txn) error {
		_, err := getRecord(txn, s.systemKey(systemID), &item)
		return err
	})
	if err != nil {
		return System{}, fmt.Errorf("get system: %w", err)
	}
	return item, nil
}

func (s *Store) GetHistory(ctx context.Context, systemID, id string) (FrontHistoryEntry, bool, error) {
	var entry FrontHistoryEntry
	var found bool
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = getRecord(txn, s.historyKey(systemID, id), &entry)
		return err
	})
	if err != nil {
		return FrontHistoryEntry{}, false, fmt.Errorf("get history entry: %w", err)
	}
	return entry, found, nil
}

// OpenHistory returns the system's entries without an end, oldest start
// first.
func (s *Store) OpenHistory(ctx context.Context, systemID string) ([]FrontHistoryEntry, error) {
	entries := make([]FrontHistoryEntry, 0)
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := s.historyOpenPrefix(systemID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			var entry FrontHistoryEntry
			found, err := getRecord(txn, s.historyKey(systemID, id), &entry)
			if err != nil {
				return err
			}
			if found && entry.Open() {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list open history: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Start.Before(entries[j].Start)
	})
	return entries, nil
}

// ListHistory pages through entries ordered by start ascending.
func (s *Store) ListHistory(ctx context.Context, query HistoryQuery) (HistoryPage, error) {
	limit := query.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	prefix := s.historyStartPrefix(query.SystemID)
	seek := prefix
	if !query.From.IsZero() {
		seek = append(append([]byte{}, prefix...), startComponent(query.From)...)
	}
	var after []byte
	if query.Cursor != "" {
		if strings.Contains(query.Cursor, "..") || !strings.Contains(query.Cursor, "/") {
			return HistoryPage{}, ErrInvalidCursor
		}
		after = append(append([]byte{}, prefix...), query.Cursor...)
		if string(after) > string(seek) {
			seek = after
		}
	}
	var upper []byte
	if !query.To.IsZero() {
		upper = append(append([]byte{}, prefix...), startComponent(query.To)...)
	}

	page := HistoryPage{Entries: make([]FrontHistoryEntry, 0)}
	var lastKey []byte
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if after != nil && string(key) <= string(after) {
				continue
			}
			if upper != nil && string(key) >= string(upper) {
				break
			}
			if len(page.Entries) == limit {
				page.NextCursor = strings.TrimPrefix(string(lastKey), string(prefix))
				break
			}
			id := key[strings.LastIndexByte(string(key), '/')+1:]
			var entry FrontHistoryEntry
			found, err := getRecord(txn, s.historyKey(query.SystemID, string(id)), &entry)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			page.Entries = append(page.Entries, entry)
			lastKey = key
		}
		return nil
	})
	if err != nil {
		return HistoryPage{}, fmt.Errorf("list history: %w", err)
	}
	return page, nil
}

func (s *Store) GetSuspension(ctx context.Context, systemID string) (Suspension, bool, error) {
	var item Suspension
	var found bool
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = getRecord(txn, s.suspensionKey(systemID), &item)
		return err
	})
	if err != nil {
		return Suspension{}, false, fmt.Errorf("get suspension: %w", err)
	}
	return item, found, nil
}

// NextTransaction returns the oldest queued transaction, or nil when the
// log is empty.
func (s *Store) NextTransaction(ctx context.Context) (*Transaction, error) {
	var tx *Transaction
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, s.mutationPrefix(), func(value []byte) error {
			var mutation PendingMutation
			if err := codec.Unmarshal(value, &mutation); err != nil {
				return fmt.Errorf("decode mutation: %w", err)
			}
			if tx == nil {
				tx = &Transaction{ID: mutation.TxID}
			} else if mutation.TxID != tx.ID {
				return errStopScan
			}
			tx.Mutations = append(tx.Mutations, mutation)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("next transaction: %w", err)
	}
	return tx, nil
}

// Complete removes every mutation of tx from the log.
func (s *Store) Complete(ctx context.Context, tx *Transaction) error {
	if tx == nil || len(tx.Mutations) == 0 {
		return nil
	}
	return s.Write(ctx, func(w *Writer) error {
		for _, mutation := range tx.Mutations {
			if err := w.txn.Delete(s.mutationKey(mutation.Seq)); err != nil {
				return fmt.Errorf("complete mutation %d: %w", mutation.Seq, err)
			}
		}
		return nil
	})
}

// Discard drops a queued transaction without sending it. It is the way out
// for a transaction the backend keeps rejecting; the local rows stay as
// they are.
func (s *Store) Discard(ctx context.Context, txID string) (*Transaction, error) {
	tx := &Transaction{ID: txID}
	err := s.Write(ctx, func(w *Writer) error {
		if err := scanPrefix(w.txn, s.mutationPrefix(), func(value []byte) error {
			var mutation PendingMutation
			if err := codec.Unmarshal(value, &mutation); err != nil {
				return fmt.Errorf("decode mutation: %w", err)
			}
			if mutation.TxID == txID {
				tx.Mutations = append(tx.Mutations, mutation)
			}
			return nil
		}); err != nil {
			return err
		}
		if len(tx.Mutations) == 0 {
			return ErrTxNotFound
		}
		for _, mutation := range tx.Mutations {
			if err := w.txn.Delete(s.mutationKey(mutation.Seq)); err != nil {
				return fmt.Errorf("discard mutation %d: %w", mutation.Seq, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discard transaction %s: %w", txID, err)
	}
	return tx, nil
}

func (s *Store) PendingCount(ctx context.Context) (int, error) {
	count := 0
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := s.mutationPrefix()
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count pending mutations: %w", err)
	}
	return count, nil
}

// Writer is handed to Write callbacks. It is only valid inside the callback.
type Writer struct {
	store  *Store
	txn    *badger.Txn
	txID   string
	seq    uint64
	queued int
}

func (w *Writer) TxID() string {
	return w.txID
}

func (w *Writer) GetIdentity(systemID, id string) (Identity, bool, error) {
	var item Identity
	found, err := getRecord(w.txn, w.store.identityKey(systemID, id), &item)
	return item, found, err
}

func (w *Writer) GetSystem(systemID string) (System, error) {
	item := System{ID: systemID}
	_, err := getRecord(w.txn, w.store.systemKey(systemID), &item)
	return item, err
}

func (w *Writer) GetHistory(systemID, id string) (FrontHistoryEntry, bool, error) {
	var entry FrontHistoryEntry
	found, err := getRecord(w.txn, w.store.historyKey(systemID, id), &entry)
	return entry, found, err
}

func (w *Writer) PutIdentity(item Identity) error {
	if item.ID == "" || item.SystemID == "" {
		return errors.New("identity id and system id are required")
	}
	return setRecord(w.txn, w.store.identityKey(item.SystemID, item.ID), item)
}

func (w *Writer) DeleteIdentity(systemID, id string) error {
	if err := w.txn.Delete(w.store.identityKey(systemID, id)); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}

func (w *Writer) PutSystem(item System) error {
	if item.ID == "" {
		return errors.New("system id is required")
	}
	return setRecord(w.txn, w.store.systemKey(item.ID), item)
}

// PutHistory writes an entry and its indexes. An end timestamp can be set
// once; rewriting a closed entry with a different end fails.
func (w *Writer) PutHistory(entry FrontHistoryEntry) error {
	if entry.ID == "" || entry.SystemID == "" {
		return errors.New("history id and system id are required")
	}
	existing, found, err := w.GetHistory(entry.SystemID, entry.ID)
	if err != nil {
		return err
	}
	if found {
		if !existing.Start.Equal(entry.Start) {
			return fmt.Errorf("history entry %s: start is immutable", entry.ID)
		}
		if existing.End != nil && (entry.End == nil || !existing.End.Equal(*entry.End)) {
			return fmt.Errorf("history entry %s: %w", entry.ID, ErrHistoryClosed)
		}
	}
	if entry.End != nil && entry.End.Before(entry.Start) {
		return fmt.Errorf("history entry %s: end before start", entry.ID)
	}
	if err := setRecord(w.txn, w.store.historyKey(entry.SystemID, entry.ID), entry); err != nil {
		return err
	}
	if err := w.txn.Set(w.store.historyStartKey(entry.SystemID, entry.Start, entry.ID), nil); err != nil {
		return fmt.Errorf("index history start: %w", err)
	}
	openKey := w.store.historyOpenKey(entry.SystemID, entry.ID)
	if entry.Open() {
		err = w.txn.Set(openKey, nil)
	} else {
		err = w.txn.Delete(openKey)
	}
	if err != nil {
		return fmt.Errorf("index open history: %w", err)
	}
	return nil
}

func (w *Writer) PutSuspension(item Suspension) error {
	return setRecord(w.txn, w.store.suspensionKey(item.SystemID), item)
}

func (w *Writer) ClearSuspension(systemID string) error {
	if err := w.txn.Delete(w.store.suspensionKey(systemID)); err != nil {
		return fmt.Errorf("clear suspension: %w", err)
	}
	return nil
}

// Enqueue appends a mutation to the log under the next sequence number.
func (w *Writer) Enqueue(collection, rowID string, op Op, payload map[string]any) error {
	switch op {
	case OpPut, OpPatch, OpDelete:
	default:
		return fmt.Errorf("unknown mutation op %q", op)
	}
	w.seq++
	mutation := PendingMutation{
		Seq:        w.seq,
		TxID:       w.txID,
		AccountID:  w.store.account,
		Collection: collection,
		RowID:      rowID,
		Op:         op,
		Payload:    payload,
		CreatedAt:  w.store.now().UTC(),
	}
	if err := setRecord(w.txn, w.store.mutationKey(mutation.Seq), mutation); err != nil {
		return fmt.Errorf("queue mutation: %w", err)
	}
	w.queued++
	return nil
}

var errStopScan = errors.New("stop scan")

func scanPrefix(txn *badger.Txn, prefix []byte, fn func(value []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		value, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(value); err != nil {
			if errors.Is(err, errStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

func getRecord(txn *badger.Txn, key []byte, target any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return false, err
	}
	if err := codec.Unmarshal(value, target); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func setRecord(txn *badger.Txn, key []byte, value any) error {
	data, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}
