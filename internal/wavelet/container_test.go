package wavelet

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-wave/internal/codec"
	"github.com/i5heu/ouroboros-wave/internal/deltastore"
	"github.com/i5heu/ouroboros-wave/internal/ot"
	"github.com/i5heu/ouroboros-wave/internal/segmentstore"
	"github.com/i5heu/ouroboros-wave/internal/testutil"
	"github.com/i5heu/ouroboros-wave/pkg/clock"
	"github.com/i5heu/ouroboros-wave/pkg/model"
	workerpool "github.com/i5heu/ouroboros-wave/pkg/workerPool"
)

const (
	alice = model.ParticipantID("alice@example.com")
	bob   = model.ParticipantID("bob@example.com")
)

var (
	localName  = model.NewWaveletName("example.com!w+1", "example.com!conv+root")
	remoteName = model.NewWaveletName("remote.org!w+1", "remote.org!conv+root")
)

type recorder struct {
	mu      sync.Mutex
	updates []Update
	commits []model.HashedVersion
}

func (r *recorder) WaveletUpdate(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) WaveletCommitted(_ model.WaveletName, v model.HashedVersion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, v)
}

func (r *recorder) updateVersions() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, u := range r.updates {
		for _, d := range u.Deltas {
			out = append(out, d.ResultingVersion.Version)
		}
	}
	return out
}

type env struct {
	deltas   *deltastore.Store
	segments *segmentstore.Store
	pools    *workerpool.Pools
	notes    *recorder
	factory  *Factory
}

type envOption func(*Deps)

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	kv := testutil.OpenStore(t)

	pools := workerpool.NewPools(workerpool.PoolsConfig{
		LoadWorkers:         2,
		IndexingWorkers:     2,
		PersistWorkers:      2,
		ContinuationWorkers: 2,
	})
	t.Cleanup(pools.Close)

	e := &env{
		deltas:   deltastore.New(kv, nil),
		segments: segmentstore.New(kv, nil),
		pools:    pools,
		notes:    &recorder{},
	}
	deps := Deps{
		Deltas:      e.deltas,
		Segments:    e.segments,
		Pools:       pools,
		Notifier:    e.notes,
		Clock:       clock.NewManual(time.UnixMilli(1_700_000_000_000)),
		LocalDomain: "example.com",
		LoadTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	e.factory = NewFactory(deps)
	return e
}

func (e *env) open(t *testing.T, name model.WaveletName) Container {
	t.Helper()
	c := e.factory.Create(name)
	t.Cleanup(func() { _, _ = c.Close().AwaitTimeout(5 * time.Second) })
	require.NoError(t, c.AwaitLoad(context.Background()))
	return c
}

func (e *env) local(t *testing.T) *LocalContainer {
	t.Helper()
	c, ok := e.open(t, localName).(*LocalContainer)
	require.True(t, ok)
	return c
}

func submit(
	c *LocalContainer,
	author model.ParticipantID,
	target model.HashedVersion,
	ops ...model.Operation,
) (model.WaveletDeltaRecord, error) {
	return c.SubmitRequest(context.Background(), codec.SignDelta(model.WaveletDelta{
		Author:        author,
		TargetVersion: target,
		Ops:           ops,
	}))
}

func waitCommitted(t *testing.T, c Container, v model.HashedVersion) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := c.LastCommittedVersion(context.Background())
		return err == nil && got.Equal(v)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSubmitAtCurrentVersion(t *testing.T) {
	e := newEnv(t)
	c := e.local(t)
	ctx := context.Background()

	zero, err := c.LastModifiedVersion(ctx)
	require.NoError(t, err)
	require.True(t, zero.Equal(model.ZeroHashedVersion(localName)))

	r, err := submit(c, alice, zero, model.AddParticipant(alice))
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.ResultingVersion().Version)
	assert.Len(t, r.ResultingVersion().Hash, model.HashLength)

	// The resulting hash chains the applied-delta envelope onto H0.
	assert.True(t, r.ResultingVersion().Equal(model.NextHashedVersion(zero, r.AppliedDelta, 1)))

	current, err := c.LastModifiedVersion(ctx)
	require.NoError(t, err)
	assert.True(t, current.Equal(r.ResultingVersion()))

	waitCommitted(t, c, current)
	ok, err := c.HasParticipant(ctx, alice)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentDeltasAreTransformed(t *testing.T) {
	e := newEnv(t)
	c := e.local(t)
	ctx := context.Background()

	r1, err := submit(c, alice, model.ZeroHashedVersion(localName), model.AddParticipant(alice))
	require.NoError(t, err)
	v1 := r1.ResultingVersion()

	r2, err := submit(c, alice, v1, model.Insert("main", 0, "a"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), r2.ResultingVersion().Version)

	// Bob authored against (1, H1) too; he is transformed, not rejected.
	r3, err := submit(c, bob, v1, model.Insert("main", 0, "b"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), r3.AppliedAtVersion.Version)
	assert.Equal(t, int64(3), r3.ResultingVersion().Version)
	assert.Equal(t, []model.Operation{model.Insert("main", 1, "b")}, r3.Transformed.Ops)

	data, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ab", data.Documents["main"])

	history, err := c.DeltaHistory(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []int64{1, 2, 3}, e.notes.updateVersions())
}

func TestResubmissionIsIdempotent(t *testing.T) {
	e := newEnv(t)
	c := e.local(t)
	ctx := context.Background()

	zero := model.ZeroHashedVersion(localName)
	first, err := submit(c, alice, zero, model.AddParticipant(alice), model.Insert("main", 0, "x"))
	require.NoError(t, err)
	_, err = submit(c, bob, first.ResultingVersion(), model.Insert("main", 0, "y"))
	require.NoError(t, err)

	again, err := submit(c, alice, zero, model.AddParticipant(alice), model.Insert("main", 0, "x"))
	require.NoError(t, err)
	assert.True(t, again.ResultingVersion().Equal(first.ResultingVersion()))

	current, err := c.LastModifiedVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), current.Version)
	records, err := c.Records(ctx, 0, current.Version)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRejectionsLeaveStateUntouched(t *testing.T) {
	e := newEnv(t, func(d *Deps) { d.MaxTransformSpan = 2 })
	c := e.local(t)
	ctx := context.Background()

	v := model.ZeroHashedVersion(localName)
	for i := 0; i < 3; i++ {
		r, err := submit(c, alice, v, model.NoOp())
		require.NoError(t, err)
		v = r.ResultingVersion()
	}

	forged := model.HashedVersion{Version: v.Version, Hash: []byte("not the hash")}
	_, err := submit(c, alice, forged, model.NoOp())
	var hashErr *InvalidHashError
	require.ErrorAs(t, err, &hashErr)

	_, err = submit(c, alice, model.HashedVersion{Version: 0, Hash: []byte("x")}, model.NoOp())
	require.ErrorIs(t, err, ErrTooOld)

	_, err = submit(c, alice, model.HashedVersion{Version: 9, Hash: []byte("x")}, model.NoOp())
	var verr *VersionError
	require.ErrorAs(t, err, &verr)

	_, err = submit(c, alice, v, model.Delete("main", -1, 4))
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)

	_, err = c.SubmitRequest(ctx, model.SignedDelta{DeltaBytes: []byte{0x0a, 0xff}})
	require.ErrorIs(t, err, ErrBadDelta)

	assert.Equal(t, StateOK, c.State())
	current, err := c.LastModifiedVersion(ctx)
	require.NoError(t, err)
	assert.True(t, current.Equal(v))
}

func TestUnappliableDeltaCorrupts(t *testing.T) {
	e := newEnv(t)
	c := e.factory.Create(localName).(*LocalContainer)
	require.NoError(t, c.AwaitLoad(context.Background()))

	r, err := submit(c, alice, model.ZeroHashedVersion(localName), model.Insert("main", 0, "abc"))
	require.NoError(t, err)
	waitCommitted(t, c, r.ResultingVersion())

	_, err = submit(c, alice, r.ResultingVersion(), model.Delete("main", 2, 5))
	require.ErrorIs(t, err, ErrCorrupted)
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, StateCorrupted, c.State())

	_, err = c.Close().AwaitTimeout(5 * time.Second)
	require.ErrorIs(t, err, ErrCorrupted)

	again := e.open(t, localName)
	v, err := again.LastCommittedVersion(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Equal(r.ResultingVersion()))
}

func TestTransformWindowComesFromMemory(t *testing.T) {
	e := newEnv(t)
	c := e.local(t)
	ctx := context.Background()

	zero := model.ZeroHashedVersion(localName)
	first, err := submit(c, alice, zero, model.Insert("main", 0, "a"))
	require.NoError(t, err)
	second, err := submit(c, alice, first.ResultingVersion(), model.Insert("main", 1, "b"))
	require.NoError(t, err)
	waitCommitted(t, c, second.ResultingVersion())

	// Read up to the first delta only. The second one is persisted by now,
	// so the window cannot be completed from memory.
	partial, err := c.Records(ctx, 0, 1)
	require.NoError(t, err)
	c.submitMu.Lock()
	_, err = c.tail(partial, 0, 2)
	c.submitMu.Unlock()
	require.ErrorIs(t, err, errHistoryMoved)

	full, err := c.readHistory(ctx, zero)
	require.NoError(t, err)
	require.Len(t, full, 2)
	c.submitMu.Lock()
	window, err := c.tail(full, 0, 2)
	c.submitMu.Unlock()
	require.NoError(t, err)
	assert.Len(t, window, 2)

	// Hold persistence so the next delta stays pending.
	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)
	var started sync.WaitGroup
	started.Add(2)
	for i := 0; i < 2; i++ {
		require.NoError(t, e.pools.Persist.Submit(func() {
			started.Done()
			<-release
		}))
	}
	started.Wait()

	third, err := submit(c, alice, second.ResultingVersion(), model.Insert("main", 2, "c"))
	require.NoError(t, err)
	c.submitMu.Lock()
	window, err = c.tail(full, 0, 3)
	c.submitMu.Unlock()
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.True(t, window[2].ResultingVersion().Equal(third.ResultingVersion()))

	// A stale submit transforms against persisted and pending history.
	// Concurrent inserts at one position keep the server's text first.
	late, err := submit(c, bob, zero, model.Insert("main", 0, "x"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), late.ResultingVersion().Version)
	unblock()
	waitCommitted(t, c, late.ResultingVersion())

	data, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abcx", data.Documents["main"])
}

func TestStaleHashIsRejected(t *testing.T) {
	e := newEnv(t)
	c := e.local(t)

	r, err := submit(c, alice, model.ZeroHashedVersion(localName), model.NoOp(), model.NoOp())
	require.NoError(t, err)
	_, err = submit(c, alice, r.ResultingVersion(), model.NoOp())
	require.NoError(t, err)

	// Version 2 exists but with another hash.
	_, err = submit(c, bob, model.HashedVersion{Version: 2, Hash: []byte("stale")}, model.NoOp())
	var hashErr *InvalidHashError
	require.ErrorAs(t, err, &hashErr)

	// Version 1 is inside a delta, not a boundary.
	_, err = submit(c, bob, model.HashedVersion{Version: 1, Hash: []byte("mid")}, model.NoOp())
	var verr *VersionError
	require.ErrorAs(t, err, &verr)
}

func TestTransformedAwayDeltaIsNotRecorded(t *testing.T) {
	e := newEnv(t)
	c := e.local(t)
	ctx := context.Background()

	zero := model.ZeroHashedVersion(localName)
	r, err := submit(c, alice, zero, model.AddParticipant(bob))
	require.NoError(t, err)

	empty, err := submit(c, bob, zero, model.AddParticipant(bob))
	require.NoError(t, err)
	assert.True(t, empty.IsEmpty())
	assert.True(t, empty.ResultingVersion().Equal(r.ResultingVersion()))

	current, err := c.LastModifiedVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.Version)
}

func TestHistoryIsGapFree(t *testing.T) {
	e := newEnv(t)
	c := e.local(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	versions := []model.HashedVersion{model.ZeroHashedVersion(localName)}
	authors := []model.ParticipantID{alice, bob}
	for i := 0; i < 60; i++ {
		target := versions[rng.Intn(len(versions))]
		ops := make([]model.Operation, 1+rng.Intn(3))
		for j := range ops {
			ops[j] = model.Insert("main", 0, string(rune('a'+rng.Intn(26))))
		}
		r, err := submit(c, authors[i%2], target, ops...)
		require.NoError(t, err)
		if !r.IsEmpty() && r.ResultingVersion().Version > versions[len(versions)-1].Version {
			versions = append(versions, r.ResultingVersion())
		}
	}

	current, err := c.LastModifiedVersion(ctx)
	require.NoError(t, err)
	waitCommitted(t, c, current)

	records, err := c.Records(ctx, 0, current.Version)
	require.NoError(t, err)
	require.NoError(t, model.CheckContiguous(model.ZeroHashedVersion(localName), records))
	for _, r := range records {
		assert.True(t, r.ResultingVersion().Equal(model.NextHashedVersion(r.AppliedAtVersion, r.AppliedDelta, len(r.Transformed.Ops))))
	}

	data, err := c.Snapshot(ctx)
	require.NoError(t, err)
	frags, indexed, err := c.Fragments(ctx, []string{"main"})
	require.NoError(t, err)
	assert.Equal(t, current.Version, indexed)
	assert.Equal(t, data.Documents["main"], frags["main"].Content)
}

func TestReloadRestoresState(t *testing.T) {
	e := newEnv(t)
	c := e.factory.Create(localName).(*LocalContainer)
	require.NoError(t, c.AwaitLoad(context.Background()))

	r, err := submit(c, alice, model.ZeroHashedVersion(localName), model.AddParticipant(alice), model.Insert("main", 0, "hi"))
	require.NoError(t, err)

	_, err = c.Close().AwaitTimeout(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 0, e.deltas.OpenCount())

	_, err = c.LastModifiedVersion(context.Background())
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)

	again := e.open(t, localName)
	assert.Equal(t, StateOK, again.State())
	v, err := again.LastCommittedVersion(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Equal(r.ResultingVersion()))
}

func TestCloseDrainsQueuedPersistence(t *testing.T) {
	e := newEnv(t)
	c := e.factory.Create(localName).(*LocalContainer)
	require.NoError(t, c.AwaitLoad(context.Background()))

	// Occupy both persistence workers so the write is still queued when
	// the close starts.
	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)
	var started sync.WaitGroup
	started.Add(2)
	for i := 0; i < 2; i++ {
		require.NoError(t, e.pools.Persist.Submit(func() {
			started.Done()
			<-release
		}))
	}
	started.Wait()

	r, err := submit(c, alice, model.ZeroHashedVersion(localName), model.AddParticipant(alice), model.Insert("main", 0, "queued"))
	require.NoError(t, err)

	closed := c.Close()
	require.Eventually(t, func() bool { return c.State() == StateClosing }, 5*time.Second, time.Millisecond)
	unblock()
	_, err = closed.AwaitTimeout(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, c.State())

	again := e.open(t, localName)
	v, err := again.LastCommittedVersion(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Equal(r.ResultingVersion()))
	data, err := again.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "queued", data.Documents["main"])
}

func TestInconsistentSegmentsAreReindexed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// History written without segments, as after a crash.
	h := testutil.NewHistory(localName)
	h.Append(alice, model.AddParticipant(alice))
	h.Append(alice, model.Insert("main", 0, "hello"))
	access, err := e.deltas.Open(ctx, localName)
	require.NoError(t, err)
	require.NoError(t, access.Append(ctx, h.Records))
	require.NoError(t, access.Close())

	// Hold the only indexing workers until the INDEXING state was observed.
	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)
	var started sync.WaitGroup
	started.Add(2)
	for i := 0; i < 2; i++ {
		require.NoError(t, e.pools.Indexing.Submit(func() {
			started.Done()
			<-release
		}))
	}
	started.Wait()

	c := e.open(t, localName)
	_, err = c.LastModifiedVersion(ctx)
	var indexing *IndexingError
	require.ErrorAs(t, err, &indexing)
	assert.Equal(t, int64(2), indexing.Total)
	unblock()

	require.Eventually(t, func() bool { return c.State() == StateOK }, 5*time.Second, 5*time.Millisecond)
	frags, v, err := c.Fragments(ctx, []string{"main"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	assert.Equal(t, "hello", frags["main"].Content)
}

type failingTransformer struct{}

func (failingTransformer) Transform(model.WaveletDelta, []model.TransformedWaveletDelta) (model.WaveletDelta, error) {
	return model.WaveletDelta{}, errors.New("no rule")
}

var _ ot.Transformer = failingTransformer{}

func TestTransformFailureCorrupts(t *testing.T) {
	e := newEnv(t, func(d *Deps) { d.Transformer = failingTransformer{} })
	c := e.local(t)

	r, err := submit(c, alice, model.ZeroHashedVersion(localName), model.NoOp())
	require.NoError(t, err)
	_, err = submit(c, alice, r.ResultingVersion(), model.NoOp())
	require.NoError(t, err)

	_, err = submit(c, bob, r.ResultingVersion(), model.NoOp())
	var terr *TransformError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StateCorrupted, c.State())

	_, err = c.LastModifiedVersion(context.Background())
	require.ErrorIs(t, err, ErrCorrupted)

	// Corrupted is terminal. Closing still releases storage but reports
	// the corruption.
	_, err = c.Close().AwaitTimeout(5 * time.Second)
	require.ErrorIs(t, err, ErrCorrupted)
	assert.Equal(t, StateCorrupted, c.State())
	assert.Equal(t, 0, e.deltas.OpenCount())
}

func TestRemoteContainerVerifiesHistory(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, ok := e.open(t, remoteName).(*RemoteContainer)
	require.True(t, ok)

	h := testutil.NewHistory(remoteName)
	h.Append("carol@remote.org", model.AddParticipant("carol@remote.org"))
	h.Append("carol@remote.org", model.Insert("main", 0, "x"), model.NoOp())

	v, err := c.commitAppliedDeltas(ctx, h.Records)
	require.NoError(t, err)
	assert.True(t, v.Equal(h.End()))

	// Replaying known history is a no-op.
	v, err = c.commitAppliedDeltas(ctx, h.Records[:1])
	require.NoError(t, err)
	assert.True(t, v.Equal(h.End()))

	next := h.Append("carol@remote.org", model.NoOp())
	next.Transformed.ResultingVersion.Hash = []byte("tampered-hash-000000")
	_, err = c.commitAppliedDeltas(ctx, []model.WaveletDeltaRecord{next})
	require.Error(t, err)

	current, err := c.LastModifiedVersion(ctx)
	require.NoError(t, err)
	assert.True(t, current.Equal(h.Records[1].ResultingVersion()))
	waitCommitted(t, c, current)
}

func TestLoadTimeoutIsReported(t *testing.T) {
	e := newEnv(t, func(d *Deps) { d.LoadTimeout = 20 * time.Millisecond })

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	for i := 0; i < 2; i++ {
		require.NoError(t, e.pools.Load.Submit(func() {
			started.Done()
			<-release
		}))
	}
	started.Wait()

	c := e.factory.Create(localName)
	err := c.AwaitLoad(context.Background())
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StateLoading, stateErr.State)

	close(release)
	_, err = c.Close().AwaitTimeout(5 * time.Second)
	require.NoError(t, err)
}
