package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-wave/pkg/model"
)

// MarshalFragment encodes one segment snapshot.
func MarshalFragment(f model.Fragment) []byte {
	b := appendString(nil, 1, f.SegmentID)
	b = appendString(b, 2, f.Content)
	return appendInt64(b, 3, f.LastModifiedVersion)
}

// UnmarshalFragment decodes one segment snapshot.
func UnmarshalFragment(b []byte) (model.Fragment, error) {
	var out model.Fragment
	err := readFields(b, func(f field) error {
		switch f.num {
		case 1, 2:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			if f.num == 1 {
				out.SegmentID = string(f.bytes)
			} else {
				out.Content = string(f.bytes)
			}
		case 3:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			out.LastModifiedVersion = f.int64()
		}
		return nil
	})
	if err != nil {
		return model.Fragment{}, fmt.Errorf("fragment: %w", err)
	}
	return out, nil
}

// SegmentMeta is the per-wavelet bookkeeping of the segment store.
type SegmentMeta struct {
	IndexedVersion int64
	Consistent     bool
	Participants   []model.ParticipantID
}

// MarshalSegmentMeta encodes m.
func MarshalSegmentMeta(m SegmentMeta) []byte {
	b := appendInt64(nil, 1, m.IndexedVersion)
	if m.Consistent {
		b = appendVarint(b, 2, 1)
	}
	for _, p := range m.Participants {
		b = appendMessage(b, 3, []byte(p))
	}
	return b
}

// UnmarshalSegmentMeta decodes the segment store bookkeeping.
func UnmarshalSegmentMeta(b []byte) (SegmentMeta, error) {
	var m SegmentMeta
	err := readFields(b, func(f field) error {
		switch f.num {
		case 1, 2:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			if f.num == 1 {
				m.IndexedVersion = f.int64()
			} else {
				m.Consistent = f.varint != 0
			}
		case 3:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			m.Participants = append(m.Participants, model.ParticipantID(f.bytes))
		}
		return nil
	})
	if err != nil {
		return SegmentMeta{}, fmt.Errorf("segment meta: %w", err)
	}
	return m, nil
}
