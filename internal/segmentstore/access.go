package segmentstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/i5heu/ouroboros-wave/internal/codec"
	"github.com/i5heu/ouroboros-wave/pkg/model"
)

// reindexBatch is the number of records replayed between progress reports.
const reindexBatch = 64

// Access reads and updates the segment snapshot of one wavelet.
type Access struct {
	store  *Store
	name   model.WaveletName
	prefix []byte

	mu     sync.RWMutex
	meta   codec.SegmentMeta
	closed bool
}

func (a *Access) Name() model.WaveletName {
	return a.name
}

// IndexedVersion is the version the snapshot reflects.
func (a *Access) IndexedVersion() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.meta.IndexedVersion
}

// Consistent reports whether the snapshot was closed cleanly. An
// inconsistent snapshot must be reindexed before it is trusted.
func (a *Access) Consistent() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.meta.Consistent
}

// Participants returns the participant list as of the indexed version.
func (a *Access) Participants() []model.ParticipantID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.meta.Participants)
}

// MarkConsistent persists the consistency flag.
func (a *Access) MarkConsistent(ctx context.Context, consistent bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	meta := a.meta
	meta.Consistent = consistent
	if err := a.writeMeta(meta); err != nil {
		return err
	}
	a.meta = meta
	return nil
}

// Fragments returns the requested segments, or every segment when ids is
// empty, together with the version they were indexed at. Unknown segment
// ids are skipped.
func (a *Access) Fragments(
	ctx context.Context,
	ids []string,
) (map[string]model.Fragment, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, 0, ErrClosed
	}

	out := make(map[string]model.Fragment)
	err := a.store.kv.View(func(txn *badger.Txn) error {
		if len(ids) == 0 {
			return a.scanFragments(ctx, txn, out)
		}
		for _, id := range ids {
			item, err := txn.Get(a.fragmentKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			f, err := decodeFragment(item)
			if err != nil {
				return err
			}
			out[id] = f
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("fragments of %s: %w", a.name, err)
	}
	return out, a.meta.IndexedVersion, nil
}

func (a *Access) scanFragments(
	ctx context.Context,
	txn *badger.Txn,
	out map[string]model.Fragment,
) error {
	prefix := a.fragmentKey("")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := decodeFragment(it.Item())
		if err != nil {
			return err
		}
		out[f.SegmentID] = f
	}
	return nil
}

// Apply updates the segments touched by records from snapshot, the wavelet
// state right after the last record.
func (a *Access) Apply(
	ctx context.Context,
	snapshot *model.WaveletData,
	records []model.WaveletDeltaRecord,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	end := records[len(records)-1].ResultingVersion().Version
	if snapshot.Version.Version != end {
		return fmt.Errorf(
			"apply segments of %s: snapshot at %d, records end at %d",
			a.name, snapshot.Version.Version, end,
		)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if start := records[0].AppliedAtVersion.Version; start != a.meta.IndexedVersion {
		return fmt.Errorf(
			"apply segments of %s: records start at %d, indexed at %d",
			a.name, start, a.meta.IndexedVersion,
		)
	}

	touched := make(map[string]struct{})
	for _, r := range records {
		for _, id := range model.TouchedSegments(r.Transformed.Ops) {
			touched[id] = struct{}{}
		}
	}

	meta := a.meta
	meta.IndexedVersion = end
	meta.Participants = slices.Clone(snapshot.Participants)

	encoded := make(map[string][]byte, len(touched))
	for id := range touched {
		f, ok := snapshot.Fragment(id)
		if !ok {
			continue
		}
		val, err := encodeFragment(f)
		if err != nil {
			return err
		}
		encoded[id] = val
	}

	err := a.store.kv.Update(func(txn *badger.Txn) error {
		for id, val := range encoded {
			if err := txn.Set(a.fragmentKey(id), val); err != nil {
				return err
			}
		}
		return txn.Set(a.metaKey(), codec.MarshalSegmentMeta(meta))
	})
	if err != nil {
		return fmt.Errorf("apply segments of %s: %w", a.name, err)
	}
	a.meta = meta
	return nil
}

// Reindex rebuilds the snapshot from the full history. progress is called
// with the number of versions indexed so far and the total.
func (a *Access) Reindex(
	ctx context.Context,
	records []model.WaveletDeltaRecord,
	progress func(indexed, total int64),
) (*model.WaveletData, error) {
	data := model.NewWaveletData(a.name)
	var total int64
	if n := len(records); n > 0 {
		total = records[n-1].ResultingVersion().Version
	}

	for i, r := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := data.ApplyDelta(r.Transformed); err != nil {
			return nil, fmt.Errorf("reindex %s: %w", a.name, err)
		}
		if progress != nil && (i%reindexBatch == reindexBatch-1 || i == len(records)-1) {
			progress(data.Version.Version, total)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}

	if err := a.dropFragments(); err != nil {
		return nil, fmt.Errorf("reindex %s: %w", a.name, err)
	}

	wb := a.store.kv.NewWriteBatch()
	defer wb.Cancel()
	for _, id := range data.SegmentIDs() {
		f, _ := data.Fragment(id)
		val, err := encodeFragment(f)
		if err != nil {
			return nil, err
		}
		if err := wb.Set(a.fragmentKey(id), val); err != nil {
			return nil, fmt.Errorf("reindex %s: %w", a.name, err)
		}
	}
	meta := codec.SegmentMeta{
		IndexedVersion: total,
		Consistent:     a.meta.Consistent,
		Participants:   slices.Clone(data.Participants),
	}
	if err := wb.Set(a.metaKey(), codec.MarshalSegmentMeta(meta)); err != nil {
		return nil, fmt.Errorf("reindex %s: %w", a.name, err)
	}
	if err := wb.Flush(); err != nil {
		return nil, fmt.Errorf("reindex %s: %w", a.name, err)
	}

	a.meta = meta
	a.store.log.Info("segments reindexed",
		logKeyWavelet, a.name.String(),
		logKeyVersion, total,
		logKeySegments, len(data.SegmentIDs()),
	)
	return data, nil
}

func (a *Access) dropFragments() error {
	prefix := a.fragmentKey("")
	var keys [][]byte
	err := a.store.kv.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}

	wb := a.store.kv.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
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
	return nil
}

func (a *Access) writeMeta(meta codec.SegmentMeta) error {
	err := a.store.kv.Update(func(txn *badger.Txn) error {
		return txn.Set(a.metaKey(), codec.MarshalSegmentMeta(meta))
	})
	if err != nil {
		return fmt.Errorf("write segment meta of %s: %w", a.name, err)
	}
	return nil
}

func (a *Access) metaKey() []byte {
	key := make([]byte, len(a.prefix), len(a.prefix)+1)
	copy(key, a.prefix)
	return append(key, metaSuffix)
}

func (a *Access) fragmentKey(id string) []byte {
	key := make([]byte, len(a.prefix), len(a.prefix)+2+len(id))
	copy(key, a.prefix)
	key = append(key, fragmentSuffix, 0)
	return append(key, id...)
}

func encodeFragment(f model.Fragment) ([]byte, error) {
	val, err := compressWithLzma(codec.MarshalFragment(f))
	if err != nil {
		return nil, fmt.Errorf("compress fragment %s: %w", f.SegmentID, err)
	}
	return val, nil
}

func decodeFragment(item *badger.Item) (model.Fragment, error) {
	var out model.Fragment
	err := item.Value(func(val []byte) error {
		raw, err := decompressWithLzma(val)
		if err != nil {
			return fmt.Errorf("decompress fragment: %w", err)
		}
		out, err = codec.UnmarshalFragment(raw)
		return err
	})
	return out, err
}
