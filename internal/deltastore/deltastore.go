// Package deltastore is the durable, append-only history of every wavelet,
// kept in badger. Records are keyed by the version they were applied at, so
// a forward scan returns history in order and a reverse seek finds the
// record ending at or covering a version.
package deltastore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/i5heu/ouroboros-wave/internal/keyValStore"
	"github.com/i5heu/ouroboros-wave/pkg/model"
)

var (
	// ErrAlreadyOpen is returned when a second accessor for one wavelet is
	// requested in the same process.
	ErrAlreadyOpen = errors.New("delta store: wavelet already open")

	ErrClosed        = errors.New("delta store: access closed")
	ErrNotFound      = errors.New("delta store: no such record")
	ErrNotContiguous = errors.New("delta store: records are not contiguous")

	// ErrNotBoundary is returned for a range that does not start and end on
	// record boundaries.
	ErrNotBoundary = errors.New("delta store: version is not a delta boundary")
)

const (
	recordKind = 'd'
	nameKind   = 'n'
)

type Store struct {
	kv  *keyValStore.KeyValStore
	log *slog.Logger

	mu   sync.Mutex
	open map[model.WaveletName]*Access
}

func New(kv *keyValStore.KeyValStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:   kv,
		log:  logger,
		open: make(map[model.WaveletName]*Access),
	}
}

// Open returns the single accessor of the named wavelet's history.
func (s *Store) Open(ctx context.Context, name model.WaveletName) (*Access, error) {
	if err := name.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, name)
	}

	a := &Access{
		store:  s,
		name:   name,
		prefix: recordPrefix(name),
	}
	last, err := a.readLast()
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("open %s: %w", name, err)
	default:
		a.last = &last
	}

	s.open[name] = a
	s.log.Debug("delta access opened",
		logKeyWavelet, name.String(),
		logKeyVersion, a.EndVersion().Version,
	)
	return a, nil
}

// OpenCount returns the number of accessors currently open.
func (s *Store) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// ListWavelets returns the ids of every wavelet of the wave that has
// history, in key order.
func (s *Store) ListWavelets(ctx context.Context, wave model.WaveID) ([]model.WaveletID, error) {
	prefix := keyOf(nameKind, string(wave), "")
	var out []model.WaveletID
	err := s.kv.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			out = append(out, model.WaveletID(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list wavelets of %s: %w", wave, err)
	}
	return out, nil
}

// ListWaves returns the ids of every wave with at least one wavelet.
func (s *Store) ListWaves(ctx context.Context) ([]model.WaveID, error) {
	prefix := []byte{nameKind, 0}
	var out []model.WaveID
	err := s.kv.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rest := it.Item().Key()[len(prefix):]
			wave, _, _ := bytes.Cut(rest, []byte{0})
			if n := len(out); n == 0 || string(out[n-1]) != string(wave) {
				out = append(out, model.WaveID(wave))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list waves: %w", err)
	}
	return out, nil
}

func (s *Store) release(a *Access) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open[a.name] == a {
		delete(s.open, a.name)
	}
}

func keyOf(kind byte, wave, wavelet string) []byte {
	key := make([]byte, 0, 4+len(wave)+len(wavelet))
	key = append(key, kind, 0)
	key = append(key, wave...)
	key = append(key, 0)
	return append(key, wavelet...)
}

func recordPrefix(name model.WaveletName) []byte {
	key := keyOf(recordKind, string(name.WaveID), string(name.WaveletID))
	return append(key, 0)
}

func recordKey(prefix []byte, appliedAt int64) []byte {
	key := make([]byte, len(prefix), len(prefix)+8)
	copy(key, prefix)
	return binary.BigEndian.AppendUint64(key, uint64(appliedAt))
}
