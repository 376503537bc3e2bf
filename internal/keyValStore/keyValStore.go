// Package keyValStore opens the badger database shared by the delta store
// and the segment store.
package keyValStore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

type StoreConfig struct {
	Paths            []string // absolute path at the moment only first path is supported
	MinimumFreeSpace int      // in GB
	InMemory         bool
	SyncWrites       bool

	// Logger receives badger's own log output.
	Logger *logrus.Logger
	Log    *slog.Logger
}

type KeyValStore struct {
	config       StoreConfig
	badgerDB     *badger.DB
	log          *slog.Logger
	readCounter  uint64
	writeCounter uint64
	closed       atomic.Bool
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
		config.Logger.SetLevel(logrus.WarnLevel)
	}
	if config.Log == nil {
		config.Log = slog.Default()
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		err := config.checkConfig()
		if err != nil {
			return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
		}
		opts = badger.DefaultOptions(config.Paths[0])
		opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	}
	opts.Logger = config.Logger
	opts.SyncWrites = config.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	k := &KeyValStore{
		config:   config,
		badgerDB: db,
		log:      config.Log,
	}

	if !config.InMemory {
		if err := k.displayDiskUsage(config.Paths); err != nil {
			k.log.Warn("disk usage unavailable", logKeyError, err)
		}
	}

	return k, nil
}

// View runs fn in a read-only transaction.
func (k *KeyValStore) View(fn func(txn *badger.Txn) error) error {
	atomic.AddUint64(&k.readCounter, 1)
	return k.badgerDB.View(fn)
}

// Update runs fn in a read-write transaction.
func (k *KeyValStore) Update(fn func(txn *badger.Txn) error) error {
	atomic.AddUint64(&k.writeCounter, 1)
	return k.badgerDB.Update(fn)
}

// NewWriteBatch starts a batch for writes too large for one transaction.
func (k *KeyValStore) NewWriteBatch() *badger.WriteBatch {
	atomic.AddUint64(&k.writeCounter, 1)
	return k.badgerDB.NewWriteBatch()
}

// Read returns the value stored under key, or badger.ErrKeyNotFound.
func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	var value []byte
	err := k.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, err
}

// Sync flushes written data to disk. It is a no-op for in-memory stores.
func (k *KeyValStore) Sync() error {
	if k.config.InMemory {
		return nil
	}
	if err := k.badgerDB.Sync(); err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}
	return nil
}

// Stats returns the number of read and write transactions since open.
func (k *KeyValStore) Stats() (reads, writes uint64) {
	return atomic.LoadUint64(&k.readCounter), atomic.LoadUint64(&k.writeCounter)
}

func (k *KeyValStore) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := k.Clean()
	return errors.Join(err, k.badgerDB.Close())
}

// Clean syncs and runs one value log GC round.
func (k *KeyValStore) Clean() error {
	if err := k.Sync(); err != nil {
		return err
	}
	if k.config.InMemory {
		return nil
	}
	err := k.badgerDB.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
		return fmt.Errorf("error cleaning db: %w", err)
	}
	return nil
}
