package frontend

import (
	"github.com/i5heu/ouroboros-wave/pkg/model"
	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

// Subscription is one open channel of a participant on a wavelet. Its
// delivery state is guarded by the registry lock.
type Subscription struct {
	name         model.WaveletName
	participant  model.ParticipantID
	channelID    string
	connectionID string
	stream       rpc.UpdateStream

	// outstanding is set while an open or a submit of this channel runs.
	// Updates are held back until it clears.
	outstanding bool
	held        []model.TransformedWaveletDelta
	heldCommit  model.HashedVersion

	lastDelivered model.HashedVersion
	// submitted holds the resulting versions of this channel's own deltas
	// that were not yet seen on the update path.
	submitted map[int64]struct{}
	// uncommitted is the highest own version not yet reported durable.
	uncommitted    int64
	committedSeen  int64
	lastCommitSent int64

	unsubscribing bool
	reason        error
	removed       bool
}

func (s *Subscription) Name() model.WaveletName {
	return s.name
}

func (s *Subscription) Participant() model.ParticipantID {
	return s.participant
}

func (s *Subscription) ChannelID() string {
	return s.channelID
}

func (s *Subscription) ConnectionID() string {
	return s.connectionID
}
