// Package ot transforms a client delta against the history applied since
// the version it was authored at.
package ot

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-wave/pkg/model"
)

// ErrHistoryMismatch is returned when the history does not start at the
// delta's target version or is not contiguous.
var ErrHistoryMismatch = errors.New("ot: history does not follow the target version")

// Transformer rewrites delta so that it applies after history. history must
// start at delta.TargetVersion and be contiguous.
//
// The returned delta targets the version it now applies at. That is the end
// of history, unless the delta turned out to be a duplicate of a history
// delta or was transformed to nothing part way through, in which case it
// targets the version where that happened.
type Transformer interface {
	Transform(
		delta model.WaveletDelta,
		history []model.TransformedWaveletDelta,
	) (model.WaveletDelta, error)
}

// Default is the transformer of the wave server. Server operations win
// insert position ties.
type Default struct{}

func (Default) Transform(
	delta model.WaveletDelta,
	history []model.TransformedWaveletDelta,
) (model.WaveletDelta, error) {
	current := delta.TargetVersion
	ops := delta.Ops

	for i, server := range history {
		if server.AppliedAtVersion != current.Version {
			return model.WaveletDelta{}, fmt.Errorf(
				"%w: history delta %d applied at %d, expected %d",
				ErrHistoryMismatch, i, server.AppliedAtVersion, current.Version,
			)
		}
		if len(ops) == 0 {
			break
		}
		if server.Author == delta.Author && model.OpsEqual(ops, server.Ops) {
			break
		}
		ops = TransformOps(ops, server.Ops)
		current = server.ResultingVersion
	}

	return model.WaveletDelta{
		Author:        delta.Author,
		TargetVersion: current,
		Ops:           ops,
	}, nil
}

type slot struct {
	op      model.Operation
	dropped bool
}

// TransformOps returns client rewritten to apply after server. Operations
// that lose their effect are removed, so the result can be shorter than
// client.
func TransformOps(client, server []model.Operation) []model.Operation {
	slots, _ := transformPatch(client, server)
	return compact(slots)
}

// TransformPair transforms two concurrent operation sequences against each
// other. The first result applies after server, the second after client,
// and both orders converge. Server operations win insert position ties,
// so a client that holds unacknowledged ops passes them as client.
func TransformPair(client, server []model.Operation) ([]model.Operation, []model.Operation) {
	c, s := transformPatch(client, server)
	return compact(c), compact(s)
}

func compact(slots []slot) []model.Operation {
	out := make([]model.Operation, 0, len(slots))
	for _, s := range slots {
		if s.dropped || s.op.IsIdentity() {
			continue
		}
		out = append(out, s.op)
	}
	return out
}

// transformPatch transforms two operation sequences against each other. The
// first result applies after server, the second after client.
func transformPatch(client, server []model.Operation) ([]slot, []slot) {
	slots := make([]slot, len(client))
	for i, op := range client {
		slots[i] = slot{op: op}
	}
	serverOut := make([]slot, len(server))
	for i, s := range server {
		sp := slot{op: s}
		for j := range slots {
			if slots[j].dropped || sp.dropped {
				continue
			}
			slots[j], sp = transform(slots[j], sp)
		}
		serverOut[i] = sp
	}
	return slots, serverOut
}

// transform derives the bottom two sides of the OT diamond for client op c
// and server op s.
func transform(c, s slot) (slot, slot) {
	switch {
	case isParticipantOp(c.op) && isParticipantOp(s.op):
		if c.op == s.op {
			// Both sides made the same change.
			return slot{op: c.op, dropped: true}, slot{op: s.op, dropped: true}
		}
		return c, s
	case isDocumentOp(c.op) && isDocumentOp(s.op) && c.op.DocumentID == s.op.DocumentID:
		cp, sp := transformText(c.op, s.op)
		return slot{op: cp}, slot{op: sp}
	default:
		return c, s
	}
}

func isParticipantOp(op model.Operation) bool {
	return op.Kind == model.OpAddParticipant || op.Kind == model.OpRemoveParticipant
}

func isDocumentOp(op model.Operation) bool {
	return op.Kind == model.OpInsert || op.Kind == model.OpDelete
}
