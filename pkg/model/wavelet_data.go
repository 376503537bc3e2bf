package model

import (
	"fmt"
	"slices"
	"strings"
)

// ParticipantsSegment is the segment id of the participant list fragment.
const ParticipantsSegment = "$participants"

// OperationError reports an operation that cannot be applied to the current
// wavelet state.
type OperationError struct {
	Op      Operation
	Version int64
	Reason  string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("apply %s at version %d: %s", e.Op, e.Version, e.Reason)
}

// WaveletData is the applied state of one wavelet. Callers treat a published
// WaveletData as immutable and apply new deltas to a Copy.
type WaveletData struct {
	Name             WaveletName
	Creator          ParticipantID
	Participants     []ParticipantID
	Documents        map[string]string
	SegmentVersions  map[string]int64
	Version          HashedVersion
	CreationTime     int64
	LastModifiedTime int64
}

// NewWaveletData returns the empty state of a wavelet at version zero.
func NewWaveletData(name WaveletName) *WaveletData {
	return &WaveletData{
		Name:            name,
		Documents:       make(map[string]string),
		SegmentVersions: make(map[string]int64),
		Version:         ZeroHashedVersion(name),
	}
}

// Copy returns a deep copy of w.
func (w *WaveletData) Copy() *WaveletData {
	c := *w
	c.Participants = slices.Clone(w.Participants)
	c.Documents = make(map[string]string, len(w.Documents))
	for k, v := range w.Documents {
		c.Documents[k] = v
	}
	c.SegmentVersions = make(map[string]int64, len(w.SegmentVersions))
	for k, v := range w.SegmentVersions {
		c.SegmentVersions[k] = v
	}
	c.Version.Hash = slices.Clone(w.Version.Hash)
	return &c
}

// HasParticipant reports whether p is an explicit participant.
func (w *WaveletData) HasParticipant(p ParticipantID) bool {
	return slices.Contains(w.Participants, p)
}

// IsEmpty reports whether no delta was ever applied.
func (w *WaveletData) IsEmpty() bool {
	return w.Version.Version == 0
}

// ApplyDelta applies d in place. It must start at the current version. On
// error w is left partially modified; callers apply to a Copy.
func (w *WaveletData) ApplyDelta(d TransformedWaveletDelta) error {
	if d.AppliedAtVersion != w.Version.Version {
		return fmt.Errorf(
			"delta applied at %d, wavelet at %d",
			d.AppliedAtVersion, w.Version.Version,
		)
	}
	if d.ResultingVersion.Version != d.AppliedAtVersion+int64(len(d.Ops)) {
		return fmt.Errorf(
			"delta resulting version %d does not match %d ops at %d",
			d.ResultingVersion.Version, len(d.Ops), d.AppliedAtVersion,
		)
	}
	if w.IsEmpty() && w.Creator == "" {
		w.Creator = d.Author
		w.CreationTime = d.ApplicationTimestamp
	}
	for i, op := range d.Ops {
		if err := w.applyOp(op, d.AppliedAtVersion+int64(i)+1); err != nil {
			return err
		}
	}
	w.Version = HashedVersion{
		Version: d.ResultingVersion.Version,
		Hash:    slices.Clone(d.ResultingVersion.Hash),
	}
	w.LastModifiedTime = d.ApplicationTimestamp
	return nil
}

func (w *WaveletData) applyOp(op Operation, version int64) error {
	fail := func(reason string) error {
		return &OperationError{Op: op, Version: version - 1, Reason: reason}
	}
	if err := op.Validate(); err != nil {
		return fail(err.Error())
	}
	switch op.Kind {
	case OpNoOp:
		return nil
	case OpAddParticipant:
		if w.HasParticipant(op.Participant) {
			return fail("participant already present")
		}
		w.Participants = append(w.Participants, op.Participant)
		w.SegmentVersions[ParticipantsSegment] = version
	case OpRemoveParticipant:
		i := slices.Index(w.Participants, op.Participant)
		if i < 0 {
			return fail("participant not present")
		}
		w.Participants = slices.Delete(w.Participants, i, i+1)
		w.SegmentVersions[ParticipantsSegment] = version
	case OpInsert:
		text := w.Documents[op.DocumentID]
		if op.Pos > len(text) {
			return fail("insert out of bounds")
		}
		w.Documents[op.DocumentID] = text[:op.Pos] + op.Text + text[op.Pos:]
		w.SegmentVersions[op.DocumentID] = version
	case OpDelete:
		text := w.Documents[op.DocumentID]
		if op.Pos+op.Length > len(text) {
			return fail("delete out of bounds")
		}
		w.Documents[op.DocumentID] = text[:op.Pos] + text[op.Pos+op.Length:]
		w.SegmentVersions[op.DocumentID] = version
	}
	return nil
}

// Fragment is one independently fetchable slice of wavelet content.
type Fragment struct {
	SegmentID           string `json:"segment"`
	Content             string `json:"content"`
	LastModifiedVersion int64  `json:"lastModifiedVersion"`
}

// SegmentIDs lists the segments present in w, participants first and
// documents in lexical order.
func (w *WaveletData) SegmentIDs() []string {
	ids := make([]string, 0, len(w.Documents)+1)
	ids = append(ids, ParticipantsSegment)
	docs := make([]string, 0, len(w.Documents))
	for id := range w.Documents {
		docs = append(docs, id)
	}
	slices.Sort(docs)
	return append(ids, docs...)
}

// Fragment renders the named segment of w.
func (w *WaveletData) Fragment(segmentID string) (Fragment, bool) {
	if segmentID == ParticipantsSegment {
		parts := make([]string, len(w.Participants))
		for i, p := range w.Participants {
			parts[i] = string(p)
		}
		return Fragment{
			SegmentID:           segmentID,
			Content:             strings.Join(parts, ","),
			LastModifiedVersion: w.SegmentVersions[segmentID],
		}, true
	}
	text, ok := w.Documents[segmentID]
	if !ok {
		return Fragment{}, false
	}
	return Fragment{
		SegmentID:           segmentID,
		Content:             text,
		LastModifiedVersion: w.SegmentVersions[segmentID],
	}, true
}

// TouchedSegments lists the segment ids modified by ops.
func TouchedSegments(ops []Operation) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, op := range ops {
		var id string
		switch op.Kind {
		case OpAddParticipant, OpRemoveParticipant:
			id = ParticipantsSegment
		case OpInsert, OpDelete:
			id = op.DocumentID
		default:
			continue
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// ApplyParticipantOps returns the participant set after ops, starting from
// before. Non-participant operations are ignored and before is not modified.
func ApplyParticipantOps(before []ParticipantID, ops []Operation) []ParticipantID {
	out := slices.Clone(before)
	for _, op := range ops {
		switch op.Kind {
		case OpAddParticipant:
			if !slices.Contains(out, op.Participant) {
				out = append(out, op.Participant)
			}
		case OpRemoveParticipant:
			if i := slices.Index(out, op.Participant); i >= 0 {
				out = slices.Delete(out, i, i+1)
			}
		}
	}
	return out
}
