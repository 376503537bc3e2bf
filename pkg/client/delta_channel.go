package client

import (
	"errors"
	"log/slog"

	"github.com/i5heu/ouroboros-wave/pkg/model"
	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

// Receiver gets the server messages of a DeltaChannel in version order.
type Receiver interface {
	OnConnection(connect model.HashedVersion)
	OnDelta(d model.TransformedWaveletDelta)
	OnCommit(v model.HashedVersion)
	OnAck(opsApplied int, version model.HashedVersion, timestamp int64)
	OnNack(err *rpc.Error)
}

// Transmitter sends a delta to the server. The result comes back through
// OnSubmitResponse or OnSubmitError.
type Transmitter interface {
	Transmit(delta model.WaveletDelta)
}

// DeltaChannel puts the messages of one wavelet channel into version order
// and keeps at most one delta in flight. It is not safe for concurrent use;
// its OperationChannel serializes every call.
type DeltaChannel struct {
	name        model.WaveletName
	receiver    Receiver
	transmitter Transmitter
	log         *slog.Logger

	connected bool
	last      int64
	queue     messageQueue
	early     []*message
	seq       uint64
	inFlight  *model.WaveletDelta
}

func NewDeltaChannel(
	name model.WaveletName,
	receiver Receiver,
	transmitter Transmitter,
	logger *slog.Logger,
) *DeltaChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeltaChannel{
		name:        name,
		receiver:    receiver,
		transmitter: transmitter,
		log:         logger,
	}
}

// Reset forgets the connection. Messages are buffered until the next
// OnConnection.
func (c *DeltaChannel) Reset() {
	c.connected = false
	c.last = 0
	c.queue = nil
	c.early = nil
	c.inFlight = nil
}

func (c *DeltaChannel) Connected() bool {
	return c.connected
}

// LastServerVersion is the end of the last released message.
func (c *DeltaChannel) LastServerVersion() int64 {
	return c.last
}

// InFlight returns the delta awaiting its ack, or nil.
func (c *DeltaChannel) InFlight() *model.WaveletDelta {
	return c.inFlight
}

// OnConnection seeds the channel with the version the server resumed at.
// unacked is the delta resubmitted with the open request and ack the
// result the server reported for it.
func (c *DeltaChannel) OnConnection(
	connect model.HashedVersion,
	unacked *model.WaveletDelta,
	ack *rpc.SubmitResponse,
) error {
	if c.connected {
		return fatalf(c.name, "connection message on a connected channel")
	}
	if (unacked == nil) != (ack == nil) {
		return fatalf(c.name, "resubmitted delta and its result do not match up")
	}
	c.connected = true
	c.last = connect.Version
	c.queue = nil
	c.inFlight = unacked
	c.receiver.OnConnection(connect)

	if ack != nil {
		if err := c.enqueue(ackMessage(*ack)); err != nil {
			return err
		}
	}
	early := c.early
	c.early = nil
	for _, m := range early {
		if err := c.enqueue(m); err != nil {
			return err
		}
	}
	return c.release()
}

// OnServerUpdate takes one update of the channel stream.
func (c *DeltaChannel) OnServerUpdate(
	deltas []model.TransformedWaveletDelta,
	commit model.HashedVersion,
) error {
	for _, d := range deltas {
		if err := c.add(deltaMessage(d)); err != nil {
			return err
		}
	}
	if commit.IsSet() {
		if err := c.add(commitMessage(commit)); err != nil {
			return err
		}
	}
	return c.release()
}

// Send transmits delta. Only one delta may be in flight.
func (c *DeltaChannel) Send(delta model.WaveletDelta) error {
	if !c.connected {
		return ErrNotConnected
	}
	if c.inFlight != nil {
		return ErrBusy
	}
	c.inFlight = &delta
	c.transmitter.Transmit(delta)
	return nil
}

// OnSubmitResponse takes the ack of the delta in flight.
func (c *DeltaChannel) OnSubmitResponse(resp rpc.SubmitResponse) error {
	if c.inFlight == nil {
		return fatalf(c.name, "ack for version %d without a delta in flight", resp.ResultingVersion.Version)
	}
	if err := c.enqueue(ackMessage(resp)); err != nil {
		return err
	}
	return c.release()
}

// OnSubmitError takes a failed submit. A response code is a nack and
// releases the delta in flight. A transport failure keeps it for
// resubmission on the next connection.
func (c *DeltaChannel) OnSubmitError(err error) error {
	if c.inFlight == nil {
		return fatalf(c.name, "submit failure without a delta in flight: %v", err)
	}
	var rerr *rpc.Error
	if !errors.As(err, &rerr) {
		return classify(c.name, err)
	}
	// A nack covers [last, last) and is released at once.
	c.inFlight = nil
	c.receiver.OnNack(rerr)
	return classify(c.name, rerr)
}

func (c *DeltaChannel) add(m *message) error {
	if !c.connected {
		c.early = append(c.early, m)
		return nil
	}
	return c.enqueue(m)
}

func (c *DeltaChannel) enqueue(m *message) error {
	m.seq = c.seq
	c.seq++
	if m.kind != msgCommit {
		if m.start < c.last {
			return fatalf(c.name, "%s [%d, %d) precedes server version %d", m.kind, m.start, m.end, c.last)
		}
		if m.kind == msgDelta && m.start > c.last {
			missing := c.missing(m.start)
			if missing > 0 && (c.inFlight == nil || missing > int64(c.inFlight.Size())) {
				return fatalf(c.name, "delta at %d leaves %d unaccounted versions after %d", m.start, missing, c.last)
			}
		}
	}
	c.queue.push(m)
	return nil
}

// missing counts the versions between the last released message and start
// that no queued message covers.
func (c *DeltaChannel) missing(start int64) int64 {
	gap := start - c.last
	for _, q := range c.queue {
		if q.kind != msgCommit && q.start >= c.last && q.end <= start {
			gap -= q.end - q.start
		}
	}
	return gap
}

func (c *DeltaChannel) release() error {
	for head := c.queue.peek(); head != nil; head = c.queue.peek() {
		if head.kind == msgCommit {
			if head.start > c.last {
				return nil
			}
			c.queue.pop()
			c.receiver.OnCommit(head.commit)
			continue
		}
		if head.start > c.last {
			return nil
		}
		if head.start < c.last {
			return fatalf(c.name, "%s [%d, %d) overlaps server version %d", head.kind, head.start, head.end, c.last)
		}
		c.queue.pop()
		c.last = head.end
		switch head.kind {
		case msgAck:
			c.inFlight = nil
			c.receiver.OnAck(head.ack.OpsApplied, head.ack.ResultingVersion, head.ack.Timestamp)
		case msgDelta:
			c.receiver.OnDelta(head.delta)
		}
	}
	return nil
}
