package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-wave/pkg/model"
)

func appendHashedVersion(b []byte, v model.HashedVersion) []byte {
	b = appendInt64(b, 1, v.Version)
	return appendBytes(b, 2, v.Hash)
}

// MarshalHashedVersion encodes v.
func MarshalHashedVersion(v model.HashedVersion) []byte {
	return appendHashedVersion(nil, v)
}

// UnmarshalHashedVersion decodes a HashedVersion.
func UnmarshalHashedVersion(b []byte) (model.HashedVersion, error) {
	var v model.HashedVersion
	err := readFields(b, func(f field) error {
		switch f.num {
		case 1:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			v.Version = f.int64()
		case 2:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			v.Hash = cloneBytes(f.bytes)
		}
		return nil
	})
	if err != nil {
		return model.HashedVersion{}, fmt.Errorf("hashed version: %w", err)
	}
	return v, nil
}

func appendOperation(b []byte, op model.Operation) []byte {
	b = appendVarint(b, 1, uint64(op.Kind))
	b = appendString(b, 2, string(op.Participant))
	b = appendString(b, 3, op.DocumentID)
	b = appendInt64(b, 4, int64(op.Pos))
	b = appendString(b, 5, op.Text)
	return appendInt64(b, 6, int64(op.Length))
}

func unmarshalOperation(b []byte) (model.Operation, error) {
	var op model.Operation
	err := readFields(b, func(f field) error {
		switch f.num {
		case 1, 4, 6:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
		case 2, 3, 5:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
		}
		switch f.num {
		case 1:
			op.Kind = model.OpKind(f.varint)
		case 2:
			op.Participant = model.ParticipantID(f.bytes)
		case 3:
			op.DocumentID = string(f.bytes)
		case 4:
			op.Pos = int(f.int64())
		case 5:
			op.Text = string(f.bytes)
		case 6:
			op.Length = int(f.int64())
		}
		return nil
	})
	if err != nil {
		return model.Operation{}, fmt.Errorf("operation: %w", err)
	}
	return op, nil
}

func appendOps(b []byte, num protowire.Number, ops []model.Operation) []byte {
	for _, op := range ops {
		b = appendMessage(b, num, appendOperation(nil, op))
	}
	return b
}

// MarshalWaveletDelta encodes a client delta. These are the bytes carried in
// a SignedDelta.
func MarshalWaveletDelta(d model.WaveletDelta) []byte {
	var b []byte
	b = appendString(b, 1, string(d.Author))
	b = appendMessage(b, 2, appendHashedVersion(nil, d.TargetVersion))
	return appendOps(b, 3, d.Ops)
}

// UnmarshalWaveletDelta decodes a client delta.
func UnmarshalWaveletDelta(b []byte) (model.WaveletDelta, error) {
	var d model.WaveletDelta
	err := readFields(b, func(f field) error {
		switch f.num {
		case 1:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			d.Author = model.ParticipantID(f.bytes)
		case 2:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			v, err := UnmarshalHashedVersion(f.bytes)
			if err != nil {
				return err
			}
			d.TargetVersion = v
		case 3:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			op, err := unmarshalOperation(f.bytes)
			if err != nil {
				return err
			}
			d.Ops = append(d.Ops, op)
		}
		return nil
	})
	if err != nil {
		return model.WaveletDelta{}, fmt.Errorf("wavelet delta: %w", err)
	}
	return d, nil
}

// MarshalSignedDelta encodes the signed envelope of a client delta.
func MarshalSignedDelta(s model.SignedDelta) []byte {
	b := appendMessage(nil, 1, s.DeltaBytes)
	for _, sig := range s.Signatures {
		b = appendMessage(b, 2, sig)
	}
	return b
}

// UnmarshalSignedDelta decodes a signed envelope. The signatures are kept
// as opaque bytes.
func UnmarshalSignedDelta(b []byte) (model.SignedDelta, error) {
	var s model.SignedDelta
	err := readFields(b, func(f field) error {
		if f.num != 1 && f.num != 2 {
			return nil
		}
		if err := f.want(protowire.BytesType); err != nil {
			return err
		}
		if f.num == 1 {
			s.DeltaBytes = cloneBytes(f.bytes)
		} else {
			s.Signatures = append(s.Signatures, cloneBytes(f.bytes))
		}
		return nil
	})
	if err != nil {
		return model.SignedDelta{}, fmt.Errorf("signed delta: %w", err)
	}
	return s, nil
}

// SignDelta wraps a client delta into an unsigned SignedDelta.
func SignDelta(d model.WaveletDelta) model.SignedDelta {
	return model.SignedDelta{DeltaBytes: MarshalWaveletDelta(d)}
}

// MarshalAppliedDelta encodes the applied-delta envelope. The result is the
// input to model.NextHashedVersion.
func MarshalAppliedDelta(a model.AppliedDelta) []byte {
	b := appendMessage(nil, 1, MarshalSignedDelta(a.SignedOriginal))
	b = appendMessage(b, 2, appendHashedVersion(nil, a.AppliedAt))
	b = appendInt64(b, 3, int64(a.OpsApplied))
	return appendInt64(b, 4, a.Timestamp)
}

// UnmarshalAppliedDelta decodes the applied-delta envelope.
func UnmarshalAppliedDelta(b []byte) (model.AppliedDelta, error) {
	var a model.AppliedDelta
	err := readFields(b, func(f field) error {
		switch f.num {
		case 1:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			s, err := UnmarshalSignedDelta(f.bytes)
			if err != nil {
				return err
			}
			a.SignedOriginal = s
		case 2:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			v, err := UnmarshalHashedVersion(f.bytes)
			if err != nil {
				return err
			}
			a.AppliedAt = v
		case 3:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			a.OpsApplied = int(f.int64())
		case 4:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			a.Timestamp = f.int64()
		}
		return nil
	})
	if err != nil {
		return model.AppliedDelta{}, fmt.Errorf("applied delta: %w", err)
	}
	return a, nil
}

func appendTransformed(b []byte, d model.TransformedWaveletDelta) []byte {
	b = appendString(b, 1, string(d.Author))
	b = appendInt64(b, 2, d.AppliedAtVersion)
	b = appendMessage(b, 3, appendHashedVersion(nil, d.ResultingVersion))
	b = appendInt64(b, 4, d.ApplicationTimestamp)
	return appendOps(b, 5, d.Ops)
}

func unmarshalTransformed(b []byte) (model.TransformedWaveletDelta, error) {
	var d model.TransformedWaveletDelta
	err := readFields(b, func(f field) error {
		switch f.num {
		case 1:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			d.Author = model.ParticipantID(f.bytes)
		case 2:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			d.AppliedAtVersion = f.int64()
		case 3:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			v, err := UnmarshalHashedVersion(f.bytes)
			if err != nil {
				return err
			}
			d.ResultingVersion = v
		case 4:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			d.ApplicationTimestamp = f.int64()
		case 5:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			op, err := unmarshalOperation(f.bytes)
			if err != nil {
				return err
			}
			d.Ops = append(d.Ops, op)
		}
		return nil
	})
	if err != nil {
		return model.TransformedWaveletDelta{}, fmt.Errorf("transformed delta: %w", err)
	}
	return d, nil
}

// MarshalRecord encodes one history record for storage.
func MarshalRecord(r model.WaveletDeltaRecord) []byte {
	b := appendMessage(nil, 1, appendHashedVersion(nil, r.AppliedAtVersion))
	b = appendMessage(b, 2, r.AppliedDelta)
	return appendMessage(b, 3, appendTransformed(nil, r.Transformed))
}

// UnmarshalRecord decodes a stored history record.
func UnmarshalRecord(b []byte) (model.WaveletDeltaRecord, error) {
	var r model.WaveletDeltaRecord
	err := readFields(b, func(f field) error {
		if f.num < 1 || f.num > 3 {
			return nil
		}
		if err := f.want(protowire.BytesType); err != nil {
			return err
		}
		switch f.num {
		case 1:
			v, err := UnmarshalHashedVersion(f.bytes)
			if err != nil {
				return err
			}
			r.AppliedAtVersion = v
		case 2:
			r.AppliedDelta = cloneBytes(f.bytes)
		case 3:
			d, err := unmarshalTransformed(f.bytes)
			if err != nil {
				return err
			}
			r.Transformed = d
		}
		return nil
	})
	if err != nil {
		return model.WaveletDeltaRecord{}, fmt.Errorf("delta record: %w", err)
	}
	return r, nil
}
