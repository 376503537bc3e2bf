package frontend

import (
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/i5heu/ouroboros-wave/internal/authz"
	"github.com/i5heu/ouroboros-wave/internal/wavelet"
	"github.com/i5heu/ouroboros-wave/pkg/model"
	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

// Registry tracks the open channels of every wavelet and fans container
// events out to them. It is the wavelet.Notifier of a server.
type Registry struct {
	policy authz.Policy
	log    *slog.Logger

	mu           sync.Mutex
	byChannel    map[string]*Subscription
	byWavelet    map[model.WaveletName]map[string]*Subscription
	byConnection map[string]map[string]*Subscription
}

var _ wavelet.Notifier = (*Registry)(nil)

func NewRegistry(policy authz.Policy, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		policy:       policy,
		log:          logger,
		byChannel:    make(map[string]*Subscription),
		byWavelet:    make(map[model.WaveletName]map[string]*Subscription),
		byConnection: make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers a channel that resumes at connect. Updates are held
// back until FinishOpen.
func (r *Registry) Subscribe(
	name model.WaveletName,
	participant model.ParticipantID,
	channelID, connectionID string,
	stream rpc.UpdateStream,
	connect model.HashedVersion,
) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byChannel[channelID]; ok {
		return nil, rpc.Errorf(rpc.AlreadyExists, "channel %s already open", channelID)
	}
	sub := &Subscription{
		name:          name,
		participant:   participant,
		channelID:     channelID,
		connectionID:  connectionID,
		stream:        stream,
		outstanding:   true,
		lastDelivered: connect,
		submitted:     make(map[int64]struct{}),
	}
	r.byChannel[channelID] = sub
	addTo(r.byWavelet, name, channelID, sub)
	addTo(r.byConnection, connectionID, channelID, sub)
	r.log.Debug("channel subscribed",
		logKeyWavelet, name.String(),
		logKeyChannel, channelID,
		logKeyParticipant, string(participant),
	)
	return sub, nil
}

func addTo[K comparable](m map[K]map[string]*Subscription, key K, channelID string, sub *Subscription) {
	inner, ok := m[key]
	if !ok {
		inner = make(map[string]*Subscription)
		m[key] = inner
	}
	inner[channelID] = sub
}

func removeFrom[K comparable](m map[K]map[string]*Subscription, key K, channelID string) {
	inner := m[key]
	delete(inner, channelID)
	if len(inner) == 0 {
		delete(m, key)
	}
}

// FinishOpen delivers the catch-up history of a new channel and releases
// the updates held back meanwhile. own is the version a resubmitted delta
// of the channel resulted in, or unset.
func (r *Registry) FinishOpen(sub *Subscription, catchUp []model.TransformedWaveletDelta, own model.HashedVersion, ownOps int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.removed {
		return
	}
	if ownOps > 0 && own.Version > sub.lastDelivered.Version {
		sub.submitted[own.Version] = struct{}{}
		r.markUncommittedLocked(sub, own.Version)
	}
	sub.outstanding = false
	held := slices.Concat(catchUp, sub.held)
	commit := sub.heldCommit
	sub.held, sub.heldCommit = nil, model.HashedVersion{}
	r.deliverLocked(sub, held, commit)
	r.tryFinishUnsubscribeLocked(sub)
}

// BeginSubmit marks a submit of sub as outstanding. One submit per channel
// may be outstanding.
func (r *Registry) BeginSubmit(sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case sub.removed || sub.unsubscribing:
		return rpc.Errorf(rpc.Unsubscribed, "channel %s is closed", sub.channelID)
	case sub.outstanding:
		return rpc.Errorf(rpc.BadRequest, "channel %s has a submit outstanding", sub.channelID)
	}
	sub.outstanding = true
	return nil
}

// EndSubmit resolves the outstanding submit of sub. opsApplied is zero when
// the submit failed or was transformed away.
func (r *Registry) EndSubmit(sub *Subscription, resulting model.HashedVersion, opsApplied int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if opsApplied > 0 && resulting.Version > sub.lastDelivered.Version {
		sub.submitted[resulting.Version] = struct{}{}
		r.markUncommittedLocked(sub, resulting.Version)
	}
	sub.outstanding = false
	held, commit := sub.held, sub.heldCommit
	sub.held, sub.heldCommit = nil, model.HashedVersion{}
	r.deliverLocked(sub, held, commit)
	r.tryFinishUnsubscribeLocked(sub)
}

func (r *Registry) markUncommittedLocked(sub *Subscription, version int64) {
	if version > sub.committedSeen && version > sub.uncommitted {
		sub.uncommitted = version
	}
}

// Unsubscribe closes sub once it has no submit outstanding and its own
// deltas are durable. The stream then terminates with reason.
func (r *Registry) Unsubscribe(sub *Subscription, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.removed || sub.unsubscribing {
		return
	}
	sub.unsubscribing = true
	sub.reason = reason
	r.tryFinishUnsubscribeLocked(sub)
}

func (r *Registry) tryFinishUnsubscribeLocked(sub *Subscription) {
	if !sub.unsubscribing || sub.removed || sub.outstanding || sub.uncommitted > 0 {
		return
	}
	r.removeLocked(sub)
	sub.stream.OnTerminate(sub.reason)
	r.log.Debug("channel unsubscribed", logKeyChannel, sub.channelID)
}

// Remove drops sub at once without terminating its stream.
func (r *Registry) Remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sub)
}

func (r *Registry) removeLocked(sub *Subscription) {
	if sub.removed {
		return
	}
	sub.removed = true
	sub.held = nil
	delete(r.byChannel, sub.channelID)
	removeFrom(r.byWavelet, sub.name, sub.channelID)
	removeFrom(r.byConnection, sub.connectionID, sub.channelID)
}

func (r *Registry) failLocked(sub *Subscription, err error) {
	r.log.Error("channel failed", logKeyChannel, sub.channelID, logKeyWavelet, sub.name.String(), logKeyError, err)
	r.removeLocked(sub)
	sub.stream.OnTerminate(err)
}

func sorted(m map[string]*Subscription) []*Subscription {
	ids := maps.Keys(m)
	slices.Sort(ids)
	out := make([]*Subscription, len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out
}

// ByWavelet returns the channels open on name, ordered by channel id.
func (r *Registry) ByWavelet(name model.WaveletName) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sorted(r.byWavelet[name])
}

// ByParticipant returns the channels participant has open on name.
func (r *Registry) ByParticipant(name model.WaveletName, participant model.ParticipantID) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Subscription
	for _, sub := range sorted(r.byWavelet[name]) {
		if sub.participant == participant {
			out = append(out, sub)
		}
	}
	return out
}

func (r *Registry) ByChannel(channelID string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byChannel[channelID]
	return sub, ok
}

func (r *Registry) ByConnection(connectionID string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sorted(r.byConnection[connectionID])
}
