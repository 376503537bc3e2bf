package frontend

import (
	"github.com/i5heu/ouroboros-wave/internal/wavelet"
	"github.com/i5heu/ouroboros-wave/pkg/model"
	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

// visibility is the participant set around one delta of an update.
type visibility struct {
	before, after []model.ParticipantID
	emptyBefore   bool
}

// WaveletUpdate delivers each channel the deltas its participant may see.
// A participant that loses access receives the delta that removed it and
// its channel is then closed.
func (r *Registry) WaveletUpdate(u wavelet.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := sorted(r.byWavelet[u.Name])
	if len(subs) == 0 {
		return
	}

	views := make([]visibility, len(u.Deltas))
	participants := u.ParticipantsBefore
	for i, d := range u.Deltas {
		after := model.ApplyParticipantOps(participants, d.Ops)
		views[i] = visibility{before: participants, after: after, emptyBefore: d.AppliedAtVersion == 0}
		participants = after
	}

	for _, sub := range subs {
		var deltas []model.TransformedWaveletDelta
		lost := false
		for i, d := range u.Deltas {
			v := views[i]
			had := r.policy.CanAccess(sub.participant, v.before, v.emptyBefore)
			has := r.policy.CanAccess(sub.participant, v.after, false)
			if !had && !has {
				lost = true
				break
			}
			deltas = append(deltas, d)
			if !has {
				lost = true
				break
			}
		}
		r.deliverLocked(sub, deltas, model.HashedVersion{})
		if lost && !sub.removed && !sub.unsubscribing {
			sub.unsubscribing = true
			sub.reason = rpc.Errorf(rpc.Unsubscribed, "%s lost access to %s", sub.participant, sub.name)
			r.tryFinishUnsubscribeLocked(sub)
		}
	}
}

// WaveletCommitted reports a durable version to every channel of name.
func (r *Registry) WaveletCommitted(name model.WaveletName, version model.HashedVersion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range sorted(r.byWavelet[name]) {
		if version.Version > sub.committedSeen {
			sub.committedSeen = version.Version
		}
		if sub.uncommitted > 0 && sub.uncommitted <= version.Version {
			sub.uncommitted = 0
		}
		r.deliverLocked(sub, nil, version)
		r.tryFinishUnsubscribeLocked(sub)
	}
}

// deliverLocked sends deltas and a commit notice to sub, or holds them back
// while sub has an open or submit outstanding. Deltas the channel already
// saw are skipped and its own deltas are filtered once.
func (r *Registry) deliverLocked(sub *Subscription, deltas []model.TransformedWaveletDelta, commit model.HashedVersion) {
	if sub.removed {
		return
	}
	if sub.outstanding {
		sub.held = append(sub.held, deltas...)
		if commit.IsSet() && commit.Version >= sub.heldCommit.Version {
			sub.heldCommit = commit
		}
		return
	}

	var out []model.TransformedWaveletDelta
	for _, d := range deltas {
		if d.ResultingVersion.Version <= sub.lastDelivered.Version {
			continue
		}
		if d.AppliedAtVersion != sub.lastDelivered.Version {
			r.failLocked(sub, rpc.Errorf(rpc.InternalError,
				"delta applied at %d, channel %s at %d",
				d.AppliedAtVersion, sub.channelID, sub.lastDelivered.Version))
			return
		}
		sub.lastDelivered = d.ResultingVersion
		if _, own := sub.submitted[d.ResultingVersion.Version]; own {
			delete(sub.submitted, d.ResultingVersion.Version)
			continue
		}
		out = append(out, d)
	}

	// A channel is never told about a commit beyond what it has seen.
	if commit.IsSet() && commit.Version > sub.lastDelivered.Version {
		commit = sub.lastDelivered
	}
	if commit.Version <= sub.lastCommitSent {
		commit = model.HashedVersion{}
	}
	if len(out) == 0 && !commit.IsSet() {
		return
	}
	if commit.IsSet() {
		sub.lastCommitSent = commit.Version
	}
	sub.stream.OnUpdate(rpc.Update{
		ChannelID:     sub.channelID,
		Deltas:        out,
		CommitVersion: commit,
	})
}
