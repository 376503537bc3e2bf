// Package wavelet holds the server side state of one wavelet: its applied
// data, the submit pipeline that orders and transforms client deltas, and
// the lifecycle that loads it from storage and closes it again.
package wavelet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/i5heu/ouroboros-wave/internal/deltastore"
	"github.com/i5heu/ouroboros-wave/internal/future"
	"github.com/i5heu/ouroboros-wave/internal/segmentstore"
	"github.com/i5heu/ouroboros-wave/pkg/model"
	workerpool "github.com/i5heu/ouroboros-wave/pkg/workerPool"
)

// Update is one batch of deltas applied to a wavelet.
type Update struct {
	Name model.WaveletName
	// ParticipantsBefore is the participant list before the first delta.
	ParticipantsBefore []model.ParticipantID
	Deltas             []model.TransformedWaveletDelta
}

// Notifier receives the events of every container. Calls for one wavelet
// arrive in order and never concurrently.
type Notifier interface {
	WaveletUpdate(u Update)
	WaveletCommitted(name model.WaveletName, version model.HashedVersion)
}

// Container is the state of one loaded wavelet. Every read first waits for
// the load to finish and then requires the OK state.
type Container interface {
	Name() model.WaveletName
	State() State
	// AwaitLoad waits, for a bounded time, until the load completed.
	AwaitLoad(ctx context.Context) error
	LastModifiedVersion(ctx context.Context) (model.HashedVersion, error)
	LastCommittedVersion(ctx context.Context) (model.HashedVersion, error)
	// HashedVersionAt returns the hashed version at a delta boundary.
	HashedVersionAt(ctx context.Context, version int64) (model.HashedVersion, error)
	// DeltaHistory returns the deltas between two delta boundaries.
	DeltaHistory(ctx context.Context, start, end int64) ([]model.TransformedWaveletDelta, error)
	Records(ctx context.Context, start, end int64) ([]model.WaveletDeltaRecord, error)
	// Snapshot returns the current data. It must not be modified.
	Snapshot(ctx context.Context) (*model.WaveletData, error)
	// Fragments reads segments from the snapshot store, together with the
	// version they reflect.
	Fragments(ctx context.Context, ids []string) (map[string]model.Fragment, int64, error)
	HasParticipant(ctx context.Context, p model.ParticipantID) (bool, error)
	// Close starts the asynchronous close and returns its completion.
	Close() *future.Future[struct{}]
}

type pendingEntry struct {
	record model.WaveletDeltaRecord
	data   *model.WaveletData
}

// container is the state shared by the local and remote variants.
type container struct {
	name model.WaveletName
	deps Deps
	log  *slog.Logger

	state    atomic.Int32
	cause    atomic.Pointer[error]
	indexed  atomic.Int64
	indexTot atomic.Int64

	loaded   *future.Future[struct{}]
	indexing *future.Future[struct{}]
	ctx      context.Context
	cancel   context.CancelFunc
	// storeCtx carries the values of ctx but survives its cancel, so the
	// close drain can still write.
	storeCtx context.Context

	// submitMu serializes writers. It is held across the in-memory
	// transform and apply only. History from the delta store is read
	// before taking it, and storage writes run on the persistence queue.
	submitMu sync.Mutex

	mu        sync.RWMutex
	data      *model.WaveletData
	pending   []pendingEntry
	persisted model.HashedVersion
	committed model.HashedVersion
	deltas    *deltastore.Access
	segments  *segmentstore.Access

	persistSerial *workerpool.Serial
	notifySerial  *workerpool.Serial

	closeOnce sync.Once
	closed    *future.Future[struct{}]
}

func newContainer(name model.WaveletName, deps Deps) *container {
	ctx, cancel := context.WithCancel(context.Background())
	c := &container{
		name:          name,
		deps:          deps,
		log:           deps.Logger.With(logKeyWavelet, name.String()),
		loaded:        future.New[struct{}](),
		ctx:           ctx,
		cancel:        cancel,
		storeCtx:      context.WithoutCancel(ctx),
		data:          model.NewWaveletData(name),
		persistSerial: workerpool.NewSerial(deps.Pools.Persist),
		notifySerial:  workerpool.NewSerial(deps.Pools.Continuation),
		closed:        future.New[struct{}](),
	}
	c.persisted = c.data.Version
	c.committed = c.data.Version
	c.state.Store(int32(StateLoading))
	return c
}

func (c *container) Name() model.WaveletName {
	return c.name
}

func (c *container) State() State {
	return State(c.state.Load())
}

// setState moves to next unless the current state is terminal. It reports
// whether the transition happened.
func (c *container) setState(next State) bool {
	for {
		cur := c.State()
		if cur.terminal() {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			if cur != next {
				c.log.Debug("state changed", logKeyState, next.String())
			}
			return true
		}
	}
}

// transition moves from one state to the next only if the container is
// still in from.
func (c *container) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.log.Debug("state changed", logKeyState, to.String())
	return true
}

// corrupt moves the container to CORRUPTED. The first cause is kept.
func (c *container) corrupt(err error) error {
	if c.State() != StateCorrupted {
		c.cause.CompareAndSwap(nil, &err)
		c.state.Store(int32(StateCorrupted))
		c.log.Error("wavelet corrupted", logKeyError, err)
	}
	return c.corruptedError()
}

func (c *container) corruptedError() error {
	var cause error
	if p := c.cause.Load(); p != nil {
		cause = *p
	}
	return &StateError{
		Name:  c.name,
		State: StateCorrupted,
		Err:   errors.Join(ErrCorrupted, cause),
	}
}

func (c *container) start() {
	err := c.deps.Pools.Load.Submit(c.load)
	if err != nil {
		c.corrupt(fmt.Errorf("schedule load: %w", err))
		c.loaded.Complete(struct{}{}, nil)
	}
}

// load opens storage, replays and verifies the history and starts a
// reindex when the segment snapshot disagrees with it.
func (c *container) load() {
	defer c.loaded.Complete(struct{}{}, nil)
	ctx := c.ctx

	deltas, err := c.deps.Deltas.Open(ctx, c.name)
	if err != nil {
		c.corrupt(fmt.Errorf("open deltas: %w", err))
		return
	}
	segments, err := c.deps.Segments.Open(ctx, c.name)
	if err != nil {
		_ = deltas.Close()
		c.corrupt(fmt.Errorf("open segments: %w", err))
		return
	}
	c.mu.Lock()
	c.deltas = deltas
	c.segments = segments
	c.mu.Unlock()

	end := deltas.EndVersion()
	records, err := deltas.Range(ctx, 0, end.Version)
	if err != nil {
		c.corrupt(fmt.Errorf("read history: %w", err))
		return
	}
	data, err := replay(c.name, records)
	if err != nil {
		c.corrupt(err)
		return
	}

	c.mu.Lock()
	c.data = data
	c.persisted = end
	c.committed = end
	c.mu.Unlock()

	needsIndex := !segments.Consistent() || segments.IndexedVersion() != end.Version
	if err := segments.MarkConsistent(ctx, false); err != nil {
		c.corrupt(fmt.Errorf("mark segments in use: %w", err))
		return
	}

	if !needsIndex {
		c.transition(StateLoading, StateOK)
		c.log.Debug("wavelet loaded", logKeyVersion, end.Version)
		return
	}

	c.indexTot.Store(end.Version)
	c.indexed.Store(0)
	if !c.transition(StateLoading, StateIndexing) {
		return
	}
	c.log.Info("reindexing segments", logKeyTotal, end.Version)
	c.indexing = workerpool.Go(c.deps.Pools.Indexing, func() (struct{}, error) {
		_, err := segments.Reindex(ctx, records, func(indexed, total int64) {
			c.indexed.Store(indexed)
		})
		if errors.Is(err, context.Canceled) {
			return struct{}{}, err
		}
		if err != nil {
			c.corrupt(fmt.Errorf("reindex: %w", err))
			return struct{}{}, err
		}
		c.transition(StateIndexing, StateOK)
		c.log.Info("segments reindexed", logKeyVersion, end.Version)
		return struct{}{}, nil
	})
}

// replay rebuilds the data of a wavelet and checks every hash of the chain.
func replay(name model.WaveletName, records []model.WaveletDeltaRecord) (*model.WaveletData, error) {
	zero := model.ZeroHashedVersion(name)
	if err := model.CheckContiguous(zero, records); err != nil {
		return nil, fmt.Errorf("history not contiguous: %w", err)
	}
	data := model.NewWaveletData(name)
	for _, r := range records {
		want := model.NextHashedVersion(r.AppliedAtVersion, r.AppliedDelta, len(r.Transformed.Ops))
		if !want.Equal(r.ResultingVersion()) {
			return nil, fmt.Errorf("hash chain broken at %d", r.AppliedAtVersion.Version)
		}
		if err := data.ApplyDelta(r.Transformed); err != nil {
			return nil, fmt.Errorf("replay at %d: %w", r.AppliedAtVersion.Version, err)
		}
	}
	return data, nil
}

func (c *container) AwaitLoad(ctx context.Context) error {
	if c.loaded.IsDone() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.deps.LoadTimeout)
	defer cancel()
	if _, err := c.loaded.Await(ctx); err != nil {
		return &StateError{
			Name:   c.name,
			State:  c.State(),
			Reason: "load did not complete",
			Err:    err,
		}
	}
	return nil
}

// checkState maps every state but OK to its typed error.
func (c *container) checkState() error {
	switch s := c.State(); s {
	case StateOK:
		return nil
	case StateIndexing:
		return &IndexingError{
			Name:    c.name,
			Indexed: c.indexed.Load(),
			Total:   c.indexTot.Load(),
		}
	case StateCorrupted:
		return c.corruptedError()
	default:
		return &StateError{Name: c.name, State: s}
	}
}

// ready waits for the load and checks the state.
func (c *container) ready(ctx context.Context) error {
	if err := c.AwaitLoad(ctx); err != nil {
		return err
	}
	return c.checkState()
}

func (c *container) LastModifiedVersion(ctx context.Context) (model.HashedVersion, error) {
	if err := c.ready(ctx); err != nil {
		return model.HashedVersion{}, err
	}
	return c.currentVersion(), nil
}

func (c *container) LastCommittedVersion(ctx context.Context) (model.HashedVersion, error) {
	if err := c.ready(ctx); err != nil {
		return model.HashedVersion{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.committed, nil
}

func (c *container) currentVersion() model.HashedVersion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.Version
}

func (c *container) Snapshot(ctx context.Context) (*model.WaveletData, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data, nil
}

func (c *container) HasParticipant(ctx context.Context, p model.ParticipantID) (bool, error) {
	data, err := c.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	return data.HasParticipant(p), nil
}

func (c *container) Fragments(
	ctx context.Context,
	ids []string,
) (map[string]model.Fragment, int64, error) {
	if err := c.ready(ctx); err != nil {
		return nil, 0, err
	}
	c.mu.RLock()
	segments := c.segments
	c.mu.RUnlock()
	return segments.Fragments(ctx, ids)
}

func (c *container) HashedVersionAt(ctx context.Context, version int64) (model.HashedVersion, error) {
	if err := c.ready(ctx); err != nil {
		return model.HashedVersion{}, err
	}
	return c.hashedVersionAt(version)
}

func (c *container) hashedVersionAt(version int64) (model.HashedVersion, error) {
	c.mu.RLock()
	current := c.data.Version
	persisted := c.persisted
	pending := slices.Clone(c.pending)
	deltas := c.deltas
	c.mu.RUnlock()

	switch {
	case version == current.Version:
		return current, nil
	case version == 0:
		return model.ZeroHashedVersion(c.name), nil
	case version > current.Version || version < 0:
		return model.HashedVersion{}, &VersionError{Name: c.name, Version: version, Current: current.Version}
	case version == persisted.Version:
		return persisted, nil
	case version > persisted.Version:
		for _, p := range pending {
			if p.record.ResultingVersion().Version == version {
				return p.record.ResultingVersion(), nil
			}
		}
		return model.HashedVersion{}, &VersionError{Name: c.name, Version: version, Current: current.Version}
	}

	r, err := deltas.ByEnd(version)
	if errors.Is(err, deltastore.ErrNotFound) {
		return model.HashedVersion{}, &VersionError{Name: c.name, Version: version, Current: current.Version, Err: err}
	}
	if err != nil {
		return model.HashedVersion{}, fmt.Errorf("wavelet %s: version %d: %w", c.name, version, err)
	}
	return r.ResultingVersion(), nil
}

// recentVersionAt answers from memory only: the current version, the last
// persisted one and the pending records.
func (c *container) recentVersionAt(version int64) (model.HashedVersion, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch version {
	case c.data.Version.Version:
		return c.data.Version, true
	case c.persisted.Version:
		return c.persisted, true
	}
	for _, p := range c.pending {
		if end := p.record.ResultingVersion(); end.Version == version {
			return end, true
		}
	}
	return model.HashedVersion{}, false
}

func (c *container) DeltaHistory(
	ctx context.Context,
	start, end int64,
) ([]model.TransformedWaveletDelta, error) {
	records, err := c.Records(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return model.Deltas(records), nil
}

func (c *container) Records(
	ctx context.Context,
	start, end int64,
) ([]model.WaveletDeltaRecord, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	return c.records(ctx, start, end)
}

// records reads persisted history from the delta store and the rest from
// the pending list.
func (c *container) records(
	ctx context.Context,
	start, end int64,
) ([]model.WaveletDeltaRecord, error) {
	c.mu.RLock()
	current := c.data.Version.Version
	persisted := c.persisted.Version
	pending := slices.Clone(c.pending)
	deltas := c.deltas
	c.mu.RUnlock()

	if start < 0 || start > end || end > current {
		return nil, &VersionError{Name: c.name, Version: end, Current: current}
	}
	if start == end {
		return nil, nil
	}

	var out []model.WaveletDeltaRecord
	if start < persisted {
		stored, err := deltas.Range(ctx, start, min(end, persisted))
		if errors.Is(err, deltastore.ErrNotBoundary) {
			return nil, &VersionError{Name: c.name, Version: start, Current: current, Err: err}
		}
		if err != nil {
			return nil, fmt.Errorf("wavelet %s: history [%d, %d): %w", c.name, start, end, err)
		}
		out = stored
	}
	if end > persisted {
		for _, p := range pending {
			v := p.record.AppliedAtVersion.Version
			if v >= start && v < end {
				out = append(out, p.record)
			}
		}
	}

	if len(out) == 0 ||
		out[0].AppliedAtVersion.Version != start ||
		out[len(out)-1].ResultingVersion().Version != end {
		return nil, &VersionError{Name: c.name, Version: start, Current: current, Err: deltastore.ErrNotBoundary}
	}
	return out, nil
}
