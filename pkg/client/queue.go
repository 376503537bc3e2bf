package client

import (
	"container/heap"

	"github.com/i5heu/ouroboros-wave/pkg/model"
	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

type messageKind uint8

// Commits sort before anything else that starts at the same version.
const (
	msgCommit messageKind = iota
	msgAck
	msgDelta
)

func (k messageKind) String() string {
	switch k {
	case msgCommit:
		return "commit"
	case msgAck:
		return "ack"
	default:
		return "delta"
	}
}

// message is one server message waiting for its turn. It covers the
// versions [start, end).
type message struct {
	kind  messageKind
	start int64
	end   int64
	seq   uint64

	delta  model.TransformedWaveletDelta
	commit model.HashedVersion
	ack    rpc.SubmitResponse
}

func deltaMessage(d model.TransformedWaveletDelta) *message {
	return &message{
		kind:  msgDelta,
		start: d.AppliedAtVersion,
		end:   d.ResultingVersion.Version,
		delta: d,
	}
}

func commitMessage(v model.HashedVersion) *message {
	return &message{kind: msgCommit, start: v.Version, end: v.Version, commit: v}
}

func ackMessage(resp rpc.SubmitResponse) *message {
	return &message{
		kind:  msgAck,
		start: resp.ResultingVersion.Version - int64(resp.OpsApplied),
		end:   resp.ResultingVersion.Version,
		ack:   resp,
	}
}

// messageQueue orders messages by start version, kind and arrival.
type messageQueue []*message

func (q messageQueue) Len() int { return len(q) }

func (q messageQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.start != b.start {
		return a.start < b.start
	}
	if a.kind != b.kind {
		return a.kind < b.kind
	}
	return a.seq < b.seq
}

func (q messageQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

func (q *messageQueue) Push(x any) {
	*q = append(*q, x.(*message))
}

func (q *messageQueue) Pop() any {
	old := *q
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return m
}

func (q *messageQueue) push(m *message) {
	heap.Push(q, m)
}

func (q *messageQueue) pop() *message {
	return heap.Pop(q).(*message)
}

func (q messageQueue) peek() *message {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
