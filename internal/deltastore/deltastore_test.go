package deltastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-wave/internal/testutil"
	"github.com/i5heu/ouroboros-wave/pkg/model"
)

const alice = model.ParticipantID("alice@example.com")

func newStore(t *testing.T) *Store {
	t.Helper()
	kv := testutil.OpenStore(t)
	return New(kv, nil)
}

func buildHistory(name model.WaveletName) *testutil.History {
	h := testutil.NewHistory(name)
	// Records cover [0,1) [1,3) [3,4) [4,7).
	h.Append(alice, model.AddParticipant(alice))
	h.Append(alice, model.Insert("main", 0, "ab"), model.NoOp())
	h.Append(alice, model.Insert("main", 2, "c"))
	h.Append(alice, model.Delete("main", 0, 1), model.NoOp(), model.NoOp())
	return h
}

func TestAppendAndLookup(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	name := model.NewWaveletName("example.com!w+1", "example.com!conv+root")
	h := buildHistory(name)

	a, err := s.Open(ctx, name)
	require.NoError(t, err)
	assert.True(t, a.IsEmpty())
	assert.True(t, a.EndVersion().Equal(model.ZeroHashedVersion(name)))

	require.NoError(t, a.Append(ctx, h.Records[:2]))
	require.NoError(t, a.Append(ctx, h.Records[2:]))
	require.NoError(t, a.Flush())
	assert.True(t, a.EndVersion().Equal(h.End()))

	r, err := a.ByStart(3)
	require.NoError(t, err)
	assert.Equal(t, h.Records[2], r)

	_, err = a.ByStart(2)
	require.ErrorIs(t, err, ErrNotFound)

	r, err = a.ByEnd(3)
	require.NoError(t, err)
	assert.Equal(t, h.Records[1], r)

	_, err = a.ByEnd(2)
	require.ErrorIs(t, err, ErrNotFound)

	r, err = a.At(5)
	require.NoError(t, err)
	assert.Equal(t, h.Records[3], r)

	_, err = a.At(7)
	require.ErrorIs(t, err, ErrNotFound)

	records, err := a.Range(ctx, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, h.Records[1:3], records)

	_, err = a.Range(ctx, 2, 4)
	require.ErrorIs(t, err, ErrNotBoundary)
	_, err = a.Range(ctx, 1, 5)
	require.ErrorIs(t, err, ErrNotBoundary)

	last, err := a.Last()
	require.NoError(t, err)
	assert.Equal(t, h.Records[3], last)
}

func TestAppendEnforcesContiguity(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	name := model.NewWaveletName("example.com!w+1", "example.com!conv+root")
	h := buildHistory(name)

	a, err := s.Open(ctx, name)
	require.NoError(t, err)

	require.ErrorIs(t, a.Append(ctx, h.Records[1:2]), ErrNotContiguous)
	require.NoError(t, a.Append(ctx, h.Records[:1]))
	require.ErrorIs(t, a.Append(ctx, h.Records[:1]), ErrNotContiguous)

	other := testutil.NewHistory(model.NewWaveletName("example.com!w+2", "example.com!conv+root"))
	other.Append(alice, model.NoOp())
	other.Append(alice, model.NoOp())
	require.ErrorIs(t, a.Append(ctx, other.Records[1:]), ErrNotContiguous)
}

func TestSingleAccessorAndReopen(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	name := model.NewWaveletName("example.com!w+1", "example.com!conv+root")
	h := buildHistory(name)

	a, err := s.Open(ctx, name)
	require.NoError(t, err)
	_, err = s.Open(ctx, name)
	require.ErrorIs(t, err, ErrAlreadyOpen)
	assert.Equal(t, 1, s.OpenCount())

	require.NoError(t, a.Append(ctx, h.Records))
	require.NoError(t, a.Close())
	_, err = a.ByStart(0)
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, s.OpenCount())

	b, err := s.Open(ctx, name)
	require.NoError(t, err)
	defer b.Close()
	assert.True(t, b.EndVersion().Equal(h.End()))

	all, err := b.Range(ctx, 0, h.End().Version)
	require.NoError(t, err)
	require.NoError(t, model.CheckContiguous(model.ZeroHashedVersion(name), all))
}

func TestListWavesAndWavelets(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	names := []model.WaveletName{
		model.NewWaveletName("example.com!w+1", "example.com!conv+root"),
		model.NewWaveletName("example.com!w+1", "example.com!user+alice"),
		model.NewWaveletName("example.com!w+2", "example.com!conv+root"),
	}
	for _, name := range names {
		a, err := s.Open(ctx, name)
		require.NoError(t, err)
		h := testutil.NewHistory(name)
		h.Append(alice, model.AddParticipant(alice))
		require.NoError(t, a.Append(ctx, h.Records))
		require.NoError(t, a.Close())
	}

	// Opened but never written: not listed.
	empty, err := s.Open(ctx, model.NewWaveletName("example.com!w+3", "example.com!conv+root"))
	require.NoError(t, err)
	defer empty.Close()

	wavelets, err := s.ListWavelets(ctx, "example.com!w+1")
	require.NoError(t, err)
	assert.Equal(t, []model.WaveletID{"example.com!conv+root", "example.com!user+alice"}, wavelets)

	waves, err := s.ListWaves(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.WaveID{"example.com!w+1", "example.com!w+2"}, waves)
}
