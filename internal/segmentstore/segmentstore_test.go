package segmentstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-wave/internal/testutil"
	"github.com/i5heu/ouroboros-wave/pkg/model"
)

const alice = model.ParticipantID("alice@example.com")

var testName = model.NewWaveletName("example.com!w+1", "example.com!conv+root")

func newStore(t *testing.T) *Store {
	t.Helper()
	kv := testutil.OpenStore(t)
	return New(kv, nil)
}

func replay(t *testing.T, records []model.WaveletDeltaRecord) *model.WaveletData {
	t.Helper()
	data := model.NewWaveletData(testName)
	for _, r := range records {
		require.NoError(t, data.ApplyDelta(r.Transformed))
	}
	return data
}

func TestFreshWaveletIsConsistentAtZero(t *testing.T) {
	s := newStore(t)
	a, err := s.Open(context.Background(), testName)
	require.NoError(t, err)
	defer a.Close()

	assert.True(t, a.Consistent())
	assert.Equal(t, int64(0), a.IndexedVersion())

	frags, v, err := a.Fragments(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, frags)
	assert.Equal(t, int64(0), v)
}

func TestApplyIncrementally(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a, err := s.Open(ctx, testName)
	require.NoError(t, err)
	defer a.Close()

	h := testutil.NewHistory(testName)
	h.Append(alice, model.AddParticipant(alice), model.Insert("main", 0, "hello"))
	require.NoError(t, a.Apply(ctx, replay(t, h.Records), h.Records))

	h.Append(alice, model.Insert("notes", 0, "n"))
	require.NoError(t, a.Apply(ctx, replay(t, h.Records), h.Records[1:]))

	frags, v, err := a.Fragments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
	require.Len(t, frags, 3)
	assert.Equal(t, "hello", frags["main"].Content)
	assert.Equal(t, int64(2), frags["main"].LastModifiedVersion)
	assert.Equal(t, "n", frags["notes"].Content)
	assert.Equal(t, string(alice), frags[model.ParticipantsSegment].Content)
	assert.Equal(t, []model.ParticipantID{alice}, a.Participants())

	only, _, err := a.Fragments(ctx, []string{"notes", "missing"})
	require.NoError(t, err)
	assert.Len(t, only, 1)

	// Records that do not start at the indexed version are refused.
	require.Error(t, a.Apply(ctx, replay(t, h.Records), h.Records[1:]))
}

func TestReindexAndPersistence(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	h := testutil.NewHistory(testName)
	for i := 0; i < 100; i++ {
		h.Append(alice, model.Insert("main", 0, "x"))
	}

	a, err := s.Open(ctx, testName)
	require.NoError(t, err)
	_, err = s.Open(ctx, testName)
	require.ErrorIs(t, err, ErrAlreadyOpen)

	require.NoError(t, a.MarkConsistent(ctx, false))

	var calls [][2]int64
	data, err := a.Reindex(ctx, h.Records, func(indexed, total int64) {
		calls = append(calls, [2]int64{indexed, total})
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), data.Version.Version)
	assert.Equal(t, [][2]int64{{64, 100}, {100, 100}}, calls)
	assert.Equal(t, int64(100), a.IndexedVersion())
	assert.False(t, a.Consistent())

	require.NoError(t, a.MarkConsistent(ctx, true))
	require.NoError(t, a.Close())
	_, _, err = a.Fragments(ctx, nil)
	require.ErrorIs(t, err, ErrClosed)

	b, err := s.Open(ctx, testName)
	require.NoError(t, err)
	defer b.Close()
	assert.True(t, b.Consistent())
	assert.Equal(t, int64(100), b.IndexedVersion())

	frags, _, err := b.Fragments(ctx, []string{"main"})
	require.NoError(t, err)
	assert.Len(t, frags["main"].Content, 100)
}
