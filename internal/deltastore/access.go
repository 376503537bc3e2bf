package deltastore

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/i5heu/ouroboros-wave/internal/codec"
	"github.com/i5heu/ouroboros-wave/pkg/model"
)

// Access reads and appends the history of one wavelet. Reads are safe for
// concurrent use; appends are expected from one writer at a time.
type Access struct {
	store  *Store
	name   model.WaveletName
	prefix []byte

	mu     sync.RWMutex
	last   *model.WaveletDeltaRecord
	closed bool
}

func (a *Access) Name() model.WaveletName {
	return a.name
}

// IsEmpty reports whether the wavelet has no history.
func (a *Access) IsEmpty() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last == nil
}

// EndVersion returns the version reached by the last record, or the zero
// version of an empty wavelet.
func (a *Access) EndVersion() model.HashedVersion {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return model.ZeroHashedVersion(a.name)
	}
	return a.last.ResultingVersion()
}

// Last returns the most recent record.
func (a *Access) Last() (model.WaveletDeltaRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return model.WaveletDeltaRecord{}, ErrClosed
	}
	if a.last == nil {
		return model.WaveletDeltaRecord{}, ErrNotFound
	}
	return *a.last, nil
}

// Append writes records in one transaction. They must continue the stored
// history exactly.
func (a *Access) Append(ctx context.Context, records []model.WaveletDeltaRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	from := model.ZeroHashedVersion(a.name)
	if a.last != nil {
		from = a.last.ResultingVersion()
	}
	if err := model.CheckContiguous(from, records); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotContiguous, a.name, err)
	}
	for _, r := range records {
		if r.IsEmpty() {
			return fmt.Errorf("%w: %s: empty record at %d", ErrNotContiguous, a.name, r.AppliedAtVersion.Version)
		}
	}

	first := a.last == nil
	err := a.store.kv.Update(func(txn *badger.Txn) error {
		if first {
			key := keyOf(nameKind, string(a.name.WaveID), string(a.name.WaveletID))
			if err := txn.Set(key, nil); err != nil {
				return err
			}
		}
		for _, r := range records {
			key := recordKey(a.prefix, r.AppliedAtVersion.Version)
			if err := txn.Set(key, codec.MarshalRecord(r)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append to %s: %w", a.name, err)
	}

	last := records[len(records)-1]
	a.last = &last
	return nil
}

// ByStart returns the record applied at version v.
func (a *Access) ByStart(v int64) (model.WaveletDeltaRecord, error) {
	if err := a.checkOpen(); err != nil {
		return model.WaveletDeltaRecord{}, err
	}
	var out model.WaveletDeltaRecord
	err := a.store.kv.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(a.prefix, v))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = decodeItem(item)
		return err
	})
	return out, err
}

// ByEnd returns the record whose resulting version is v.
func (a *Access) ByEnd(v int64) (model.WaveletDeltaRecord, error) {
	if v <= 0 {
		return model.WaveletDeltaRecord{}, ErrNotFound
	}
	r, err := a.seekReverse(v - 1)
	if err != nil {
		return model.WaveletDeltaRecord{}, err
	}
	if r.ResultingVersion().Version != v {
		return model.WaveletDeltaRecord{}, ErrNotFound
	}
	return r, nil
}

// At returns the record covering version v, the one with
// appliedAt <= v < resulting.
func (a *Access) At(v int64) (model.WaveletDeltaRecord, error) {
	if v < 0 {
		return model.WaveletDeltaRecord{}, ErrNotFound
	}
	r, err := a.seekReverse(v)
	if err != nil {
		return model.WaveletDeltaRecord{}, err
	}
	if r.ResultingVersion().Version <= v {
		return model.WaveletDeltaRecord{}, ErrNotFound
	}
	return r, nil
}

// seekReverse returns the record with the greatest applied-at version not
// above v.
func (a *Access) seekReverse(v int64) (model.WaveletDeltaRecord, error) {
	if err := a.checkOpen(); err != nil {
		return model.WaveletDeltaRecord{}, err
	}
	var out model.WaveletDeltaRecord
	err := a.store.kv.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = a.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(recordKey(a.prefix, v))
		if !it.Valid() {
			return ErrNotFound
		}
		var err error
		out, err = decodeItem(it.Item())
		return err
	})
	return out, err
}

func (a *Access) readLast() (model.WaveletDeltaRecord, error) {
	var out model.WaveletDeltaRecord
	err := a.store.kv.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = a.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(recordKey(a.prefix, -1))
		if !it.Valid() {
			return ErrNotFound
		}
		var err error
		out, err = decodeItem(it.Item())
		return err
	})
	return out, err
}

// Range returns the records between the delta boundaries start and end.
func (a *Access) Range(ctx context.Context, start, end int64) ([]model.WaveletDeltaRecord, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	if start > end || start < 0 {
		return nil, fmt.Errorf("%w: range [%d, %d)", ErrNotBoundary, start, end)
	}
	if start == end {
		return nil, nil
	}

	var out []model.WaveletDeltaRecord
	err := a.store.kv.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = a.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(recordKey(a.prefix, start)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			if r.AppliedAtVersion.Version >= end {
				break
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("range %s [%d, %d): %w", a.name, start, end, err)
	}

	if len(out) == 0 || out[0].AppliedAtVersion.Version != start {
		return nil, fmt.Errorf("%w: %d", ErrNotBoundary, start)
	}
	if out[len(out)-1].ResultingVersion().Version != end {
		return nil, fmt.Errorf("%w: %d", ErrNotBoundary, end)
	}
	return out, nil
}

// Flush makes appended records durable.
func (a *Access) Flush() error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	return a.store.kv.Sync()
}

// Close releases the accessor so the wavelet can be opened again.
func (a *Access) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.store.release(a)
	a.store.log.Debug("delta access closed", logKeyWavelet, a.name.String())
	return nil
}

func (a *Access) checkOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	return nil
}

func decodeItem(item *badger.Item) (model.WaveletDeltaRecord, error) {
	var out model.WaveletDeltaRecord
	err := item.Value(func(val []byte) error {
		r, err := codec.UnmarshalRecord(val)
		out = r
		return err
	})
	return out, err
}
