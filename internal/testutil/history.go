package testutil

import (
	"github.com/i5heu/ouroboros-wave/internal/codec"
	"github.com/i5heu/ouroboros-wave/pkg/model"
)

// History builds a contiguous, correctly hashed delta history.
type History struct {
	Name    model.WaveletName
	Records []model.WaveletDeltaRecord
	Now     int64
}

func NewHistory(name model.WaveletName) *History {
	return &History{Name: name, Now: 1_700_000_000_000}
}

// End returns the version reached by the history.
func (h *History) End() model.HashedVersion {
	if len(h.Records) == 0 {
		return model.ZeroHashedVersion(h.Name)
	}
	return h.Records[len(h.Records)-1].ResultingVersion()
}

// Append applies ops authored by author at the current end.
func (h *History) Append(
	author model.ParticipantID,
	ops ...model.Operation,
) model.WaveletDeltaRecord {
	target := h.End()
	h.Now++
	delta := model.WaveletDelta{Author: author, TargetVersion: target, Ops: ops}
	applied := codec.MarshalAppliedDelta(model.AppliedDelta{
		SignedOriginal: codec.SignDelta(delta),
		AppliedAt:      target,
		OpsApplied:     len(ops),
		Timestamp:      h.Now,
	})
	r := model.WaveletDeltaRecord{
		AppliedAtVersion: target,
		AppliedDelta:     applied,
		Transformed: model.TransformedWaveletDelta{
			Author:               author,
			AppliedAtVersion:     target.Version,
			ResultingVersion:     model.NextHashedVersion(target, applied, len(ops)),
			ApplicationTimestamp: h.Now,
			Ops:                  ops,
		},
	}
	h.Records = append(h.Records, r)
	return r
}
