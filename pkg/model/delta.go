package model

import (
	"bytes"
	"fmt"
)

// WaveletDelta is a batch of operations authored against TargetVersion. It
// is what a client submits, before any transformation.
type WaveletDelta struct {
	Author        ParticipantID `json:"author"`
	TargetVersion HashedVersion `json:"targetVersion"`
	Ops           []Operation   `json:"ops"`
}

// Size returns the number of operations in the delta.
func (d WaveletDelta) Size() int {
	return len(d.Ops)
}

// TransformedWaveletDelta is a delta as it was applied to the wavelet: the
// order-establishing unit of history.
type TransformedWaveletDelta struct {
	Author               ParticipantID `json:"author"`
	AppliedAtVersion     int64         `json:"appliedAtVersion"`
	ResultingVersion     HashedVersion `json:"resultingVersion"`
	ApplicationTimestamp int64         `json:"timestamp"`
	Ops                  []Operation   `json:"ops"`
}

// Size returns the number of operations in the delta.
func (d TransformedWaveletDelta) Size() int {
	return len(d.Ops)
}

// SignedDelta is the serialized client delta plus its signatures. The
// signatures are carried through history but not interpreted here.
type SignedDelta struct {
	DeltaBytes []byte
	Signatures [][]byte
}

// AppliedDelta is the envelope recorded for every applied delta. Its encoded
// bytes feed the version hash chain.
type AppliedDelta struct {
	SignedOriginal SignedDelta
	AppliedAt      HashedVersion
	OpsApplied     int
	Timestamp      int64
}

// WaveletDeltaRecord is the append-only unit of durable history.
type WaveletDeltaRecord struct {
	AppliedAtVersion HashedVersion
	AppliedDelta     []byte
	Transformed      TransformedWaveletDelta
}

// ResultingVersion is the version reached after applying the record.
func (r WaveletDeltaRecord) ResultingVersion() HashedVersion {
	return r.Transformed.ResultingVersion
}

// IsEmpty reports whether the record applied no operations. Empty records
// are returned for deltas transformed to nothing and never persisted.
func (r WaveletDeltaRecord) IsEmpty() bool {
	return len(r.Transformed.Ops) == 0
}

// CheckContiguous verifies that records start at from and each record starts
// exactly where the previous one ended, hash included.
func CheckContiguous(from HashedVersion, records []WaveletDeltaRecord) error {
	prev := from
	for i, r := range records {
		if r.AppliedAtVersion.Version != prev.Version ||
			(prev.IsSet() && !bytes.Equal(r.AppliedAtVersion.Hash, prev.Hash)) {
			return fmt.Errorf(
				"record %d applied at %s, expected %s",
				i, r.AppliedAtVersion, prev,
			)
		}
		if r.Transformed.AppliedAtVersion != r.AppliedAtVersion.Version {
			return fmt.Errorf(
				"record %d: transformed delta applied at %d, record at %d",
				i, r.Transformed.AppliedAtVersion, r.AppliedAtVersion.Version,
			)
		}
		end := r.ResultingVersion()
		if end.Version != prev.Version+int64(len(r.Transformed.Ops)) {
			return fmt.Errorf(
				"record %d: resulting version %d does not match %d ops",
				i, end.Version, len(r.Transformed.Ops),
			)
		}
		prev = end
	}
	return nil
}

// Deltas extracts the transformed deltas of records.
func Deltas(records []WaveletDeltaRecord) []TransformedWaveletDelta {
	out := make([]TransformedWaveletDelta, len(records))
	for i, r := range records {
		out[i] = r.Transformed
	}
	return out
}
