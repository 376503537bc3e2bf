package client

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/i5heu/ouroboros-wave/pkg/model"
	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

var testName = model.NewWaveletName("example.com!w+1", "example.com!conv+root")

type eventLog struct {
	events []string
}

func (l *eventLog) OnConnection(connect model.HashedVersion) {
	l.events = append(l.events, fmt.Sprintf("connect %d", connect.Version))
}

func (l *eventLog) OnDelta(d model.TransformedWaveletDelta) {
	l.events = append(l.events, fmt.Sprintf("delta %d-%d", d.AppliedAtVersion, d.ResultingVersion.Version))
}

func (l *eventLog) OnCommit(v model.HashedVersion) {
	l.events = append(l.events, fmt.Sprintf("commit %d", v.Version))
}

func (l *eventLog) OnAck(opsApplied int, version model.HashedVersion, _ int64) {
	l.events = append(l.events, fmt.Sprintf("ack %d-%d", version.Version-int64(opsApplied), version.Version))
}

func (l *eventLog) OnNack(err *rpc.Error) {
	l.events = append(l.events, "nack "+err.Code.String())
}

type sentLog struct {
	deltas []model.WaveletDelta
}

func (s *sentLog) Transmit(d model.WaveletDelta) {
	s.deltas = append(s.deltas, d)
}

func hv(v int64) model.HashedVersion {
	return model.HashedVersion{Version: v, Hash: []byte{byte(v), 0xaa}}
}

func noOps(n int) []model.Operation {
	ops := make([]model.Operation, n)
	for i := range ops {
		ops[i] = model.NoOp()
	}
	return ops
}

func serverDelta(start int64, n int) model.TransformedWaveletDelta {
	return model.TransformedWaveletDelta{
		Author:           "bob@example.com",
		AppliedAtVersion: start,
		ResultingVersion: hv(start + int64(n)),
		Ops:              noOps(n),
	}
}

func ack(start int64, n int) rpc.SubmitResponse {
	return rpc.SubmitResponse{OpsApplied: n, ResultingVersion: hv(start + int64(n))}
}

func ownDelta(target int64, n int) model.WaveletDelta {
	return model.WaveletDelta{Author: "alice@example.com", TargetVersion: hv(target), Ops: noOps(n)}
}

func newTestDeltaChannel() (*DeltaChannel, *eventLog, *sentLog) {
	events, sent := &eventLog{}, &sentLog{}
	return NewDeltaChannel(testName, events, sent, nil), events, sent
}

func requireFatal(t *testing.T, err error) {
	t.Helper()
	var ce *ChannelError
	require.ErrorAs(t, err, &ce)
	assert.False(t, ce.Recoverable)
}

func TestDeltaChannelInOrder(t *testing.T) {
	c, events, _ := newTestDeltaChannel()
	require.NoError(t, c.OnConnection(hv(5), nil, nil))
	require.NoError(t, c.OnServerUpdate([]model.TransformedWaveletDelta{serverDelta(5, 1), serverDelta(6, 2)}, hv(8)))

	assert.Equal(t, []string{"connect 5", "delta 5-6", "delta 6-8", "commit 8"}, events.events)
	assert.Equal(t, int64(8), c.LastServerVersion())
}

func TestDeltaChannelBuffersUntilConnected(t *testing.T) {
	c, events, _ := newTestDeltaChannel()
	require.NoError(t, c.OnServerUpdate([]model.TransformedWaveletDelta{serverDelta(3, 1)}, model.HashedVersion{}))
	assert.Empty(t, events.events)
	assert.False(t, c.Connected())

	require.NoError(t, c.OnConnection(hv(3), nil, nil))
	assert.Equal(t, []string{"connect 3", "delta 3-4"}, events.events)
}

func TestDeltaChannelCommitWaitsForItsVersion(t *testing.T) {
	c, events, _ := newTestDeltaChannel()
	require.NoError(t, c.OnConnection(hv(5), nil, nil))
	require.NoError(t, c.Send(ownDelta(5, 2)))

	require.NoError(t, c.OnServerUpdate(nil, hv(7)))
	assert.Equal(t, []string{"connect 5"}, events.events)

	require.NoError(t, c.OnSubmitResponse(ack(5, 2)))
	assert.Equal(t, []string{"connect 5", "ack 5-7", "commit 7"}, events.events)
}

func TestDeltaChannelGapWithoutDeltaInFlight(t *testing.T) {
	c, _, _ := newTestDeltaChannel()
	require.NoError(t, c.OnConnection(hv(5), nil, nil))
	requireFatal(t, c.OnServerUpdate([]model.TransformedWaveletDelta{serverDelta(6, 1)}, model.HashedVersion{}))
}

func TestDeltaChannelGapLargerThanDeltaInFlight(t *testing.T) {
	c, _, _ := newTestDeltaChannel()
	require.NoError(t, c.OnConnection(hv(5), nil, nil))
	require.NoError(t, c.Send(ownDelta(5, 1)))
	requireFatal(t, c.OnServerUpdate([]model.TransformedWaveletDelta{serverDelta(7, 1)}, model.HashedVersion{}))
}

func TestDeltaChannelGapCoveredByDeltaInFlight(t *testing.T) {
	c, events, _ := newTestDeltaChannel()
	require.NoError(t, c.OnConnection(hv(5), nil, nil))
	require.NoError(t, c.Send(ownDelta(5, 1)))

	require.NoError(t, c.OnServerUpdate([]model.TransformedWaveletDelta{serverDelta(6, 2)}, hv(8)))
	assert.Equal(t, []string{"connect 5"}, events.events)
	assert.NotNil(t, c.InFlight())

	require.NoError(t, c.OnSubmitResponse(ack(5, 1)))
	assert.Equal(t, []string{"connect 5", "ack 5-6", "delta 6-8", "commit 8"}, events.events)
	assert.Nil(t, c.InFlight())
}

func TestDeltaChannelRejectsStaleDelta(t *testing.T) {
	c, _, _ := newTestDeltaChannel()
	require.NoError(t, c.OnConnection(hv(5), nil, nil))
	requireFatal(t, c.OnServerUpdate([]model.TransformedWaveletDelta{serverDelta(4, 1)}, model.HashedVersion{}))
}

func TestDeltaChannelSend(t *testing.T) {
	c, _, sent := newTestDeltaChannel()
	assert.ErrorIs(t, c.Send(ownDelta(0, 1)), ErrNotConnected)

	require.NoError(t, c.OnConnection(hv(0), nil, nil))
	require.NoError(t, c.Send(ownDelta(0, 1)))
	assert.ErrorIs(t, c.Send(ownDelta(0, 1)), ErrBusy)
	assert.Len(t, sent.deltas, 1)

	requireFatal(t, c.OnConnection(hv(0), nil, nil))
}

func TestDeltaChannelSubmitFailures(t *testing.T) {
	c, events, _ := newTestDeltaChannel()
	require.NoError(t, c.OnConnection(hv(0), nil, nil))
	requireFatal(t, c.OnSubmitResponse(ack(0, 1)))

	require.NoError(t, c.Send(ownDelta(0, 1)))
	err := c.OnSubmitError(errors.New("connection reset"))
	var ce *ChannelError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Recoverable)
	assert.NotNil(t, c.InFlight(), "a transport failure keeps the delta for resubmission")

	err = c.OnSubmitError(rpc.Errorf(rpc.TooOld, "stale"))
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Recoverable)
	assert.Nil(t, c.InFlight())

	require.NoError(t, c.Send(ownDelta(0, 1)))
	err = c.OnSubmitError(rpc.Errorf(rpc.InternalError, "wavelet corrupted"))
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Recoverable, "the server reloads a failed wavelet")
	assert.Nil(t, c.InFlight())

	require.NoError(t, c.Send(ownDelta(0, 1)))
	err = c.OnSubmitError(rpc.Errorf(rpc.InvalidOperation, "bad"))
	require.ErrorAs(t, err, &ce)
	assert.False(t, ce.Recoverable)
	assert.Equal(t, []string{"connect 0", "nack TOO_OLD", "nack INTERNAL_ERROR", "nack INVALID_OPERATION"}, events.events)
}

func TestDeltaChannelReconnectWithResubmittedDelta(t *testing.T) {
	c, events, _ := newTestDeltaChannel()
	unacked := ownDelta(4, 2)
	result := ack(6, 2)

	requireFatal(t, c.OnConnection(hv(4), &unacked, nil))

	c.Reset()
	require.NoError(t, c.OnServerUpdate([]model.TransformedWaveletDelta{serverDelta(4, 2)}, model.HashedVersion{}))
	require.NoError(t, c.OnConnection(hv(4), &unacked, &result))
	assert.Equal(t, []string{"connect 4", "delta 4-6", "ack 6-8"}, events.events)
	assert.Nil(t, c.InFlight())
	assert.Equal(t, int64(8), c.LastServerVersion())
}

// Server deltas arrive in stream order while the ack of the client's delta
// can overtake or trail any of them.
func TestDeltaChannelAckInterleaving(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		const connect = 10
		before := rapid.SliceOfN(rapid.IntRange(1, 3), 0, 4).Draw(t, "before")
		after := rapid.SliceOfN(rapid.IntRange(1, 3), 0, 4).Draw(t, "after")
		ownSize := rapid.IntRange(1, 3).Draw(t, "own")

		var stream []model.TransformedWaveletDelta
		var want []string
		v := int64(connect)
		for _, n := range before {
			stream = append(stream, serverDelta(v, n))
			want = append(want, fmt.Sprintf("delta %d-%d", v, v+int64(n)))
			v += int64(n)
		}
		ownStart := v
		want = append(want, fmt.Sprintf("ack %d-%d", v, v+int64(ownSize)))
		v += int64(ownSize)
		for _, n := range after {
			stream = append(stream, serverDelta(v, n))
			want = append(want, fmt.Sprintf("delta %d-%d", v, v+int64(n)))
			v += int64(n)
		}
		ackAt := rapid.IntRange(0, len(stream)).Draw(t, "ackAt")

		c, events, _ := newTestDeltaChannel()
		if err := c.OnConnection(hv(connect), nil, nil); err != nil {
			t.Fatal(err)
		}
		if err := c.Send(ownDelta(connect, ownSize)); err != nil {
			t.Fatal(err)
		}
		for i := 0; i <= len(stream); i++ {
			if i == ackAt {
				if err := c.OnSubmitResponse(ack(ownStart, ownSize)); err != nil {
					t.Fatalf("ack: %v", err)
				}
			}
			if i < len(stream) {
				if err := c.OnServerUpdate(stream[i:i+1], model.HashedVersion{}); err != nil {
					t.Fatalf("delta %d: %v", i, err)
				}
			}
		}

		assert.Equal(t, append([]string{fmt.Sprintf("connect %d", connect)}, want...), events.events)
		assert.Equal(t, v, c.LastServerVersion())
		assert.Nil(t, c.InFlight())
	})
}
