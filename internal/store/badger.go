package store

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// Config controls how the embedded database is opened.
type Config struct {
	// Path is ignored when InMemory is set.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every commit; required for the mutation log to
	// survive a crash.
	SyncWrites bool
	// GCInterval of zero disables value log GC.
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         *zerolog.Logger
}

func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// DB is the device-wide badger handle. Stores for different accounts share
// it; writeMu serializes read-write transactions so sequence allocation
// never conflicts.
type DB struct {
	*badger.DB
	writeMu sync.Mutex
	stopGC  chan struct{}
	gcDone  chan struct{}
}

type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) { l.log.Error().Msgf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}
func (l badgerLogger) Infof(format string, args ...interface{})  { l.log.Debug().Msgf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{}) { l.log.Trace().Msgf(format, args...) }

func OpenDB(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{log: *cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	db := &DB{DB: bdb}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		db.stopGC = make(chan struct{})
		db.gcDone = make(chan struct{})
		go db.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return db, nil
}

func (d *DB) gcLoop(interval time.Duration, ratio float64, log *zerolog.Logger) {
	defer close(d.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite only means there was nothing worth collecting.
			if err := d.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) && log != nil {
				log.Warn().Err(err).Msg("value log gc failed")
			}
		}
	}
}

func (d *DB) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.gcDone
		d.stopGC = nil
	}
	return d.DB.Close()
}
