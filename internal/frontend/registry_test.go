package frontend

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-wave/internal/authz"
	"github.com/i5heu/ouroboros-wave/internal/wavelet"
	"github.com/i5heu/ouroboros-wave/pkg/model"
	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

const (
	alice = model.ParticipantID("alice@example.com")
	bob   = model.ParticipantID("bob@example.com")
)

var testName = model.NewWaveletName("example.com!w+1", "example.com!conv+root")

type recStream struct {
	mu         sync.Mutex
	updates    []rpc.Update
	terminated bool
	err        error
}

func (s *recStream) OnUpdate(u rpc.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
}

func (s *recStream) OnTerminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = true
	s.err = err
}

// versions returns the resulting versions of every delivered delta.
func (s *recStream) versions() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, u := range s.updates {
		for _, d := range u.Deltas {
			out = append(out, d.ResultingVersion.Version)
		}
	}
	return out
}

func (s *recStream) commits() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, u := range s.updates {
		if u.CommitVersion.IsSet() {
			out = append(out, u.CommitVersion.Version)
		}
	}
	return out
}

func (s *recStream) done() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated, s.err
}

func hv(v int64) model.HashedVersion {
	return model.HashedVersion{Version: v, Hash: []byte{byte(v), 0xab}}
}

func delta(author model.ParticipantID, at int64, ops ...model.Operation) model.TransformedWaveletDelta {
	if len(ops) == 0 {
		ops = []model.Operation{model.NoOp()}
	}
	return model.TransformedWaveletDelta{
		Author:           author,
		AppliedAtVersion: at,
		ResultingVersion: hv(at + int64(len(ops))),
		Ops:              ops,
	}
}

func update(before []model.ParticipantID, deltas ...model.TransformedWaveletDelta) wavelet.Update {
	return wavelet.Update{Name: testName, ParticipantsBefore: before, Deltas: deltas}
}

func open(t *testing.T, r *Registry, p model.ParticipantID, channel, conn string, at int64) (*Subscription, *recStream) {
	t.Helper()
	stream := &recStream{}
	sub, err := r.Subscribe(testName, p, channel, conn, stream, hv(at))
	require.NoError(t, err)
	r.FinishOpen(sub, nil, model.HashedVersion{}, 0)
	return sub, stream
}

var both = []model.ParticipantID{alice, bob}

func TestEchoIsSuppressedOnce(t *testing.T) {
	r := NewRegistry(authz.DomainPolicy{Domain: "example.com"}, nil)
	own, ownStream := open(t, r, alice, "a", "c1", 0)
	_, otherStream := open(t, r, bob, "b", "c2", 0)

	require.NoError(t, r.BeginSubmit(own))
	r.WaveletUpdate(update(both, delta(alice, 0)))
	assert.Empty(t, ownStream.versions(), "held back while the submit is outstanding")
	assert.Equal(t, []int64{1}, otherStream.versions())

	r.EndSubmit(own, hv(1), 1)
	assert.Empty(t, ownStream.versions())

	// A late duplicate notification changes nothing.
	r.WaveletUpdate(update(both, delta(alice, 0)))
	r.WaveletUpdate(update(both, delta(bob, 1)))
	assert.Equal(t, []int64{2}, ownStream.versions())
	assert.Equal(t, []int64{1, 2}, otherStream.versions())
}

func TestSubmitResolvedBeforeUpdate(t *testing.T) {
	r := NewRegistry(authz.DomainPolicy{Domain: "example.com"}, nil)
	own, ownStream := open(t, r, alice, "a", "c1", 0)
	_, otherStream := open(t, r, alice, "a2", "c2", 0)

	require.NoError(t, r.BeginSubmit(own))
	require.Error(t, r.BeginSubmit(own))
	r.EndSubmit(own, hv(2), 2)

	r.WaveletUpdate(update(both, delta(alice, 0, model.NoOp(), model.NoOp())))
	r.WaveletUpdate(update(both, delta(bob, 2)))
	assert.Equal(t, []int64{3}, ownStream.versions())
	assert.Equal(t, []int64{2, 3}, otherStream.versions())
}

func TestDeliveryGapIsFatal(t *testing.T) {
	r := NewRegistry(authz.Members, nil)
	sub, stream := open(t, r, alice, "a", "c1", 0)

	r.WaveletUpdate(update(both, delta(bob, 3)))
	terminated, err := stream.done()
	require.True(t, terminated)
	assert.Equal(t, rpc.InternalError, rpc.CodeOf(err))
	_, ok := r.ByChannel(sub.ChannelID())
	assert.False(t, ok)
}

func TestCommitsAreCapped(t *testing.T) {
	r := NewRegistry(authz.Members, nil)
	_, stream := open(t, r, alice, "a", "c1", 0)

	r.WaveletUpdate(update(both, delta(bob, 0)))
	r.WaveletCommitted(testName, hv(1))
	r.WaveletCommitted(testName, hv(1))
	r.WaveletCommitted(testName, hv(5))
	assert.Equal(t, []int64{1}, stream.commits())
}

func TestUnsubscribeWaitsForCommit(t *testing.T) {
	r := NewRegistry(authz.Members, nil)
	sub, stream := open(t, r, alice, "a", "c1", 0)

	require.NoError(t, r.BeginSubmit(sub))
	r.Unsubscribe(sub, nil)
	terminated, _ := stream.done()
	assert.False(t, terminated, "submit outstanding")

	r.EndSubmit(sub, hv(1), 1)
	terminated, _ = stream.done()
	assert.False(t, terminated, "own delta not yet durable")
	require.Error(t, r.BeginSubmit(sub))

	r.WaveletUpdate(update(both, delta(alice, 0)))
	r.WaveletCommitted(testName, hv(1))
	terminated, err := stream.done()
	assert.True(t, terminated)
	assert.NoError(t, err)
	assert.Empty(t, r.ByWavelet(testName))
}

func TestRemovedParticipantIsCutOff(t *testing.T) {
	r := NewRegistry(authz.Members, nil)
	_, aliceStream := open(t, r, alice, "a", "c1", 0)
	_, bobStream := open(t, r, bob, "b", "c2", 0)

	r.WaveletUpdate(update(both,
		delta(alice, 0),
		delta(alice, 1, model.RemoveParticipant(bob)),
		delta(alice, 2),
	))

	assert.Equal(t, []int64{1, 2, 3}, aliceStream.versions())
	assert.Equal(t, []int64{1, 2}, bobStream.versions())
	terminated, err := bobStream.done()
	require.True(t, terminated)
	assert.Equal(t, rpc.Unsubscribed, rpc.CodeOf(err))
}

func TestHeldUpdatesDuringOpen(t *testing.T) {
	r := NewRegistry(authz.Members, nil)
	stream := &recStream{}
	sub, err := r.Subscribe(testName, alice, "a", "c1", stream, hv(0))
	require.NoError(t, err)

	// Notifications racing the catch-up read overlap it.
	r.WaveletUpdate(update(both, delta(bob, 1)))
	r.WaveletUpdate(update(both, delta(bob, 2)))
	assert.Empty(t, stream.versions())

	r.FinishOpen(sub, []model.TransformedWaveletDelta{delta(bob, 0), delta(alice, 1)}, hv(2), 1)
	assert.Equal(t, []int64{1, 3}, stream.versions())
}

func TestLookups(t *testing.T) {
	r := NewRegistry(authz.Members, nil)
	a, _ := open(t, r, alice, "a", "c1", 0)
	b, _ := open(t, r, bob, "b", "c1", 0)
	a2, _ := open(t, r, alice, "a2", "c2", 0)

	_, err := r.Subscribe(testName, alice, "a", "c3", &recStream{}, hv(0))
	assert.Equal(t, rpc.AlreadyExists, rpc.CodeOf(err))

	assert.Equal(t, []*Subscription{a, a2, b}, r.ByWavelet(testName))
	assert.Equal(t, []*Subscription{a, a2}, r.ByParticipant(testName, alice))
	assert.Equal(t, []*Subscription{a, b}, r.ByConnection("c1"))
	got, ok := r.ByChannel("b")
	require.True(t, ok)
	assert.Same(t, b, got)

	r.Remove(a)
	assert.Equal(t, []*Subscription{b}, r.ByConnection("c1"))
	assert.Equal(t, []*Subscription{a2, b}, r.ByWavelet(testName))
}
