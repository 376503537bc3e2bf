// Package segmentstore keeps a snapshot of every wavelet segment so that
// fragments can be served without replaying history. The snapshot trails
// the delta history: it records the version it was indexed at and whether
// it was closed cleanly.
package segmentstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/ulikunitz/xz/lzma"

	"github.com/i5heu/ouroboros-wave/internal/codec"
	"github.com/i5heu/ouroboros-wave/internal/keyValStore"
	"github.com/i5heu/ouroboros-wave/pkg/model"
)

var (
	ErrAlreadyOpen = errors.New("segment store: wavelet already open")
	ErrClosed      = errors.New("segment store: access closed")
)

const (
	metaSuffix     = 'm'
	fragmentSuffix = 'f'
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

// Open returns the single accessor of the named wavelet's segments.
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

	a := &Access{store: s, name: name, prefix: segmentPrefix(name)}
	raw, err := s.kv.Read(a.metaKey())
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		// A wavelet that was never indexed is consistent at version zero.
		a.meta = codec.SegmentMeta{Consistent: true}
	case err != nil:
		return nil, fmt.Errorf("open segments of %s: %w", name, err)
	default:
		meta, err := codec.UnmarshalSegmentMeta(raw)
		if err != nil {
			return nil, fmt.Errorf("open segments of %s: %w", name, err)
		}
		a.meta = meta
	}

	s.open[name] = a
	return a, nil
}

func (s *Store) release(a *Access) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open[a.name] == a {
		delete(s.open, a.name)
	}
}

func segmentPrefix(name model.WaveletName) []byte {
	key := make([]byte, 0, 5+len(name.WaveID)+len(name.WaveletID))
	key = append(key, 's', 0)
	key = append(key, name.WaveID...)
	key = append(key, 0)
	key = append(key, name.WaveletID...)
	return append(key, 0)
}

func compressWithLzma(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	_, err = w.Write(data)
	if err != nil {
		return nil, err
	}

	err = w.Close()
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decompressWithLzma(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
