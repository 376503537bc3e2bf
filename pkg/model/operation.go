package model

import (
	"fmt"
)

// OpKind discriminates the operations a delta can carry.
type OpKind uint8

const (
	OpNoOp OpKind = iota
	OpAddParticipant
	OpRemoveParticipant
	OpInsert
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpNoOp:
		return "noop"
	case OpAddParticipant:
		return "add-participant"
	case OpRemoveParticipant:
		return "remove-participant"
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("opkind(%d)", uint8(k))
	}
}

// Operation is one wavelet operation. Every operation advances the wavelet
// version by one. Document operations address a document by id and an
// offset into its text.
type Operation struct {
	Kind        OpKind        `json:"kind"`
	Participant ParticipantID `json:"participant,omitempty"`
	DocumentID  string        `json:"document,omitempty"`
	Pos         int           `json:"pos,omitempty"`
	Text        string        `json:"text,omitempty"`
	Length      int           `json:"length,omitempty"`
}

func NoOp() Operation {
	return Operation{Kind: OpNoOp}
}

func AddParticipant(p ParticipantID) Operation {
	return Operation{Kind: OpAddParticipant, Participant: p}
}

func RemoveParticipant(p ParticipantID) Operation {
	return Operation{Kind: OpRemoveParticipant, Participant: p}
}

func Insert(doc string, pos int, text string) Operation {
	return Operation{Kind: OpInsert, DocumentID: doc, Pos: pos, Text: text}
}

func Delete(doc string, pos, length int) Operation {
	return Operation{Kind: OpDelete, DocumentID: doc, Pos: pos, Length: length}
}

// IsIdentity reports whether applying op cannot change any state.
func (op Operation) IsIdentity() bool {
	switch op.Kind {
	case OpInsert:
		return op.Text == ""
	case OpDelete:
		return op.Length == 0
	default:
		return false
	}
}

// Validate checks the operation in isolation, without wavelet state.
func (op Operation) Validate() error {
	switch op.Kind {
	case OpNoOp:
		return nil
	case OpAddParticipant, OpRemoveParticipant:
		return op.Participant.Validate()
	case OpInsert, OpDelete:
		if op.DocumentID == "" || op.DocumentID == ParticipantsSegment {
			return fmt.Errorf("%s: invalid document id %q", op.Kind, op.DocumentID)
		}
		if op.Pos < 0 || op.Length < 0 {
			return fmt.Errorf("%s: negative offset", op.Kind)
		}
		return nil
	default:
		return fmt.Errorf("unknown operation kind %d", op.Kind)
	}
}

func (op Operation) String() string {
	switch op.Kind {
	case OpAddParticipant, OpRemoveParticipant:
		return fmt.Sprintf("%s(%s)", op.Kind, op.Participant)
	case OpInsert:
		return fmt.Sprintf("insert(%s,%d,%q)", op.DocumentID, op.Pos, op.Text)
	case OpDelete:
		return fmt.Sprintf("delete(%s,%d,%d)", op.DocumentID, op.Pos, op.Length)
	default:
		return op.Kind.String()
	}
}

// OpsEqual compares two operation lists element by element.
func OpsEqual(a, b []Operation) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
