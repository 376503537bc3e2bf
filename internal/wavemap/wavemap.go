// Package wavemap holds the two state caches of a server: waves, which
// know the ids of their wavelets, and wavelet containers.
package wavemap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/i5heu/ouroboros-wave/internal/cache"
	"github.com/i5heu/ouroboros-wave/internal/deltastore"
	"github.com/i5heu/ouroboros-wave/internal/future"
	"github.com/i5heu/ouroboros-wave/internal/wavelet"
	"github.com/i5heu/ouroboros-wave/pkg/clock"
	"github.com/i5heu/ouroboros-wave/pkg/model"
)

type Config struct {
	MaxWaves          int
	MaxWavelets       int
	ExpireAfterAccess time.Duration
	SweepInterval     time.Duration
	Clock             clock.Clock
	Logger            *slog.Logger
}

// Wave is the set of wavelet ids of one wave.
type Wave struct {
	id       model.WaveID
	mu       sync.RWMutex
	wavelets map[model.WaveletID]struct{}
}

func (w *Wave) ID() model.WaveID {
	return w.id
}

// WaveletIDs returns the known wavelet ids in sorted order.
func (w *Wave) WaveletIDs() []model.WaveletID {
	w.mu.RLock()
	ids := maps.Keys(w.wavelets)
	w.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (w *Wave) note(id model.WaveletID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wavelets[id] = struct{}{}
}

type WaveMap struct {
	factory  *wavelet.Factory
	deltas   *deltastore.Store
	log      *slog.Logger
	waves    *cache.Cache[model.WaveID, *Wave]
	wavelets *cache.Cache[model.WaveletName, wavelet.Container]
}

func New(factory *wavelet.Factory, deltas *deltastore.Store, config Config) *WaveMap {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	m := &WaveMap{
		factory: factory,
		deltas:  deltas,
		log:     config.Logger,
	}
	m.waves = cache.New(cache.Config{
		Name:              "waves",
		MaxEntries:        config.MaxWaves,
		ExpireAfterAccess: config.ExpireAfterAccess,
		SweepInterval:     config.SweepInterval,
		Clock:             config.Clock,
		Logger:            config.Logger,
	}, m.loadWave, func(*Wave) *future.Future[struct{}] {
		return future.Completed(struct{}{}, nil)
	})
	m.wavelets = cache.New(cache.Config{
		Name:              "wavelets",
		MaxEntries:        config.MaxWavelets,
		ExpireAfterAccess: config.ExpireAfterAccess,
		SweepInterval:     config.SweepInterval,
		Clock:             config.Clock,
		Logger:            config.Logger,
	}, m.loadWavelet, wavelet.Container.Close)
	return m
}

func (m *WaveMap) loadWave(id model.WaveID) (*Wave, error) {
	ids, err := m.deltas.ListWavelets(context.Background(), id)
	if err != nil {
		return nil, fmt.Errorf("list wavelets of %s: %w", id, err)
	}
	w := &Wave{id: id, wavelets: make(map[model.WaveletID]struct{}, len(ids))}
	for _, wl := range ids {
		w.wavelets[wl] = struct{}{}
	}
	return w, nil
}

func (m *WaveMap) loadWavelet(name model.WaveletName) (wavelet.Container, error) {
	return m.factory.Create(name), nil
}

// Wave returns the wave with id.
func (m *WaveMap) Wave(id model.WaveID) (*Wave, error) {
	return m.waves.Get(id)
}

// WaveletIDs lists the wavelets of a wave known in storage or created by
// this process.
func (m *WaveMap) WaveletIDs(id model.WaveID) ([]model.WaveletID, error) {
	w, err := m.waves.Get(id)
	if err != nil {
		return nil, err
	}
	return w.WaveletIDs(), nil
}

// NoteWavelet records that name exists. It is called once a wavelet
// received its first delta.
func (m *WaveMap) NoteWavelet(name model.WaveletName) error {
	w, err := m.waves.Get(name.WaveID)
	if err != nil {
		return err
	}
	w.note(name.WaveletID)
	return nil
}

// Wavelet returns the container of name and waits for it to load. A
// corrupted container is closed and loaded again from storage.
func (m *WaveMap) Wavelet(ctx context.Context, name model.WaveletName) (wavelet.Container, error) {
	if err := name.Validate(); err != nil {
		return nil, err
	}
	c, err := m.wavelets.Get(name)
	if err != nil {
		return nil, err
	}
	if err := c.AwaitLoad(ctx); err != nil {
		return nil, err
	}
	if c.State() != wavelet.StateCorrupted {
		return c, nil
	}
	return m.reload(ctx, name, c)
}

// reload closes the corrupted instance stale and loads name again. A caller
// that arrives after another one already replaced stale gets the
// replacement.
func (m *WaveMap) reload(
	ctx context.Context,
	name model.WaveletName,
	stale wavelet.Container,
) (wavelet.Container, error) {
	if _, ok := m.wavelets.CloseIf(name, func(cur wavelet.Container) bool { return cur == stale }); ok {
		m.log.Warn("reloading corrupted wavelet", logKeyWavelet, name.String())
	}
	c, err := m.wavelets.Get(name)
	if err != nil {
		return nil, err
	}
	if err := c.AwaitLoad(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// LocalWavelet returns the container of a wavelet hosted here.
func (m *WaveMap) LocalWavelet(ctx context.Context, name model.WaveletName) (*wavelet.LocalContainer, error) {
	if !m.factory.IsLocal(name) {
		return nil, fmt.Errorf("%s: %w", name, wavelet.ErrNotLocal)
	}
	c, err := m.Wavelet(ctx, name)
	if err != nil {
		return nil, err
	}
	local, ok := c.(*wavelet.LocalContainer)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, wavelet.ErrNotLocal)
	}
	return local, nil
}

// remoteWavelet returns the container of a wavelet hosted elsewhere.
func (m *WaveMap) remoteWavelet(ctx context.Context, name model.WaveletName) (*wavelet.RemoteContainer, error) {
	c, err := m.Wavelet(ctx, name)
	if err != nil {
		return nil, err
	}
	remote, ok := c.(*wavelet.RemoteContainer)
	if !ok {
		return nil, fmt.Errorf("%s is hosted locally", name)
	}
	return remote, nil
}

// loadedWavelet returns a container only if it is already in the cache.
func (m *WaveMap) loadedWavelet(name model.WaveletName) (wavelet.Container, bool) {
	return m.wavelets.GetIfPresent(name)
}

// Close stops both caches and closes every wavelet, waiting at most grace
// for each.
func (m *WaveMap) Close(grace time.Duration) error {
	m.wavelets.Stop()
	m.waves.Stop()
	return errors.Join(
		m.wavelets.CloseAll(grace),
		m.waves.CloseAll(grace),
	)
}
