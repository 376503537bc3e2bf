package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applied(w *WaveletData, author ParticipantID, ops ...Operation) TransformedWaveletDelta {
	next := NextHashedVersion(w.Version, []byte(author), len(ops))
	return TransformedWaveletDelta{
		Author:               author,
		AppliedAtVersion:     w.Version.Version,
		ResultingVersion:     next,
		ApplicationTimestamp: 1000 + w.Version.Version,
		Ops:                  ops,
	}
}

func TestApplyDelta(t *testing.T) {
	w := NewWaveletData(testName())
	alice := ParticipantID("alice@example.com")

	d := applied(w, alice,
		AddParticipant(alice),
		Insert("main", 0, "hello"),
		Insert("main", 5, " world"),
	)
	require.NoError(t, w.ApplyDelta(d))

	assert.Equal(t, alice, w.Creator)
	assert.Equal(t, int64(3), w.Version.Version)
	assert.Equal(t, "hello world", w.Documents["main"])
	assert.True(t, w.HasParticipant(alice))
	assert.Equal(t, int64(1), w.SegmentVersions[ParticipantsSegment])
	assert.Equal(t, int64(3), w.SegmentVersions["main"])

	require.NoError(t, w.ApplyDelta(applied(w, alice, Delete("main", 0, 6))))
	assert.Equal(t, "world", w.Documents["main"])

	frag, ok := w.Fragment("main")
	require.True(t, ok)
	assert.Equal(t, "world", frag.Content)
	assert.Equal(t, []string{ParticipantsSegment, "main"}, w.SegmentIDs())
}

func TestApplyDeltaRejectsInvalidOps(t *testing.T) {
	alice := ParticipantID("alice@example.com")
	cases := []struct {
		name string
		ops  []Operation
	}{
		{"insert out of bounds", []Operation{Insert("main", 3, "x")}},
		{"delete out of bounds", []Operation{Delete("main", 0, 1)}},
		{"remove absent participant", []Operation{RemoveParticipant(alice)}},
		{"duplicate participant", []Operation{AddParticipant(alice), AddParticipant(alice)}},
		{"bad address", []Operation{AddParticipant("nobody")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := NewWaveletData(testName())
			err := w.Copy().ApplyDelta(applied(w, alice, tc.ops...))
			var opErr *OperationError
			require.ErrorAs(t, err, &opErr)
			assert.True(t, w.IsEmpty())
		})
	}
}

func TestApplyDeltaRequiresCurrentVersion(t *testing.T) {
	w := NewWaveletData(testName())
	d := applied(w, "alice@example.com", NoOp())
	d.AppliedAtVersion = 4
	require.Error(t, w.ApplyDelta(d))
}

func TestApplyParticipantOps(t *testing.T) {
	a, b := ParticipantID("a@x.com"), ParticipantID("b@x.com")
	before := []ParticipantID{a}
	after := ApplyParticipantOps(before, []Operation{AddParticipant(b), RemoveParticipant(a)})
	assert.Equal(t, []ParticipantID{b}, after)
	assert.Equal(t, []ParticipantID{a}, before)
}

func TestParseWaveletName(t *testing.T) {
	name, err := ParseWaveletName("example.com!w+abc/example.com!conv+root")
	require.NoError(t, err)
	assert.Equal(t, testName(), name)
	assert.Equal(t, "example.com", name.WaveletID.Domain())

	_, err = ParseWaveletName("no-separator")
	require.ErrorIs(t, err, ErrInvalidWaveletName)
}
