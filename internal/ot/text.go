package ot

import (
	"github.com/i5heu/ouroboros-wave/pkg/model"
)

// transformText transforms two operations on the same document. b takes
// priority over a for insert-insert conflicts.
func transformText(a, b model.Operation) (ap, bp model.Operation) {
	switch a.Kind {
	case model.OpInsert:
		switch b.Kind {
		case model.OpInsert:
			// When insert positions are equal, a' shifts forward.
			if b.Pos <= a.Pos {
				return withPos(a, a.Pos+len(b.Text)), b
			}
			return a, withPos(b, b.Pos+len(a.Text))
		case model.OpDelete:
			return transformInsertDelete(a, b)
		}
	case model.OpDelete:
		switch b.Kind {
		case model.OpInsert:
			ins, del := transformInsertDelete(b, a)
			return del, ins
		case model.OpDelete:
			return transformDeleteDelete(a, b)
		}
	}
	return a, b
}

// transformInsertDelete handles an insert a and a delete b.
func transformInsertDelete(a, b model.Operation) (ap, bp model.Operation) {
	switch {
	case a.Pos <= b.Pos:
		// Insert before delete. Delete shifts forward.
		return a, withPos(b, b.Pos+len(a.Text))
	case a.Pos >= b.Pos+b.Length:
		// Insert after delete. Insert shifts backward.
		return withPos(a, a.Pos-b.Length), b
	default:
		// Insert inside the delete range. The delete grows to cover the
		// insert, and the insert collapses to nothing.
		return model.Insert(a.DocumentID, b.Pos, ""),
			model.Delete(b.DocumentID, b.Pos, b.Length+len(a.Text))
	}
}

func transformDeleteDelete(a, b model.Operation) (ap, bp model.Operation) {
	aEnd, bEnd := a.Pos+a.Length, b.Pos+b.Length
	switch {
	case aEnd <= b.Pos:
		return a, withPos(b, b.Pos-a.Length)
	case bEnd <= a.Pos:
		return withPos(a, a.Pos-b.Length), b
	}
	// Deletions overlap.
	pos := min(a.Pos, b.Pos)
	overlap := min(aEnd, bEnd) - max(a.Pos, b.Pos)
	return model.Delete(a.DocumentID, pos, a.Length-overlap),
		model.Delete(b.DocumentID, pos, b.Length-overlap)
}

func withPos(op model.Operation, pos int) model.Operation {
	op.Pos = pos
	return op
}
