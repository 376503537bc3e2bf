package client

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/i5heu/ouroboros-wave/internal/ot"
	"github.com/i5heu/ouroboros-wave/pkg/model"
	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

// maxKnownVersions bounds the delta boundaries offered when reconnecting.
const maxKnownVersions = 8

// OperationChannel is the editing side of one wavelet. Local operations go
// out through Send; server operations, already transformed against the
// local operations not yet acknowledged, come in through Receive.
type OperationChannel struct {
	name   model.WaveletName
	author model.ParticipantID
	log    *slog.Logger

	mu        sync.Mutex
	delta     *DeltaChannel
	gen       uint64
	version   model.HashedVersion
	committed model.HashedVersion
	known     []model.HashedVersion
	// sent is the delta in flight exactly as transmitted; inFlight holds
	// its operations transformed up to version.
	sent     *model.WaveletDelta
	inFlight []model.Operation
	queued   []model.Operation
	incoming []model.Operation
	listener func()
}

func newOperationChannel(
	name model.WaveletName,
	author model.ParticipantID,
	version model.HashedVersion,
	transmitter Transmitter,
	logger *slog.Logger,
) *OperationChannel {
	if !version.IsSet() {
		version = model.ZeroHashedVersion(name)
	}
	c := &OperationChannel{
		name:    name,
		author:  author,
		log:     logger.With(logKeyWavelet, name.String()),
		version: version,
		known:   []model.HashedVersion{version},
	}
	c.delta = NewDeltaChannel(name, (*deltaReceiver)(c), transmitter, c.log)
	return c
}

func (c *OperationChannel) Name() model.WaveletName {
	return c.name
}

// Version is the last server version the channel has caught up with.
func (c *OperationChannel) Version() model.HashedVersion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// LastCommitted is the last version the server reported durable.
func (c *OperationChannel) LastCommitted() model.HashedVersion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// SetListener registers fn to run after server operations arrive. It runs
// without the channel lock held.
func (c *OperationChannel) SetListener(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = fn
}

// Send queues local operations, already applied by the editor, for the
// next delta.
func (c *OperationChannel) Send(ops ...model.Operation) error {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued = append(c.queued, ops...)
	return c.flushLocked()
}

// Receive removes and returns the next server operation.
func (c *OperationChannel) Receive() (model.Operation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.incoming) == 0 {
		return model.Operation{}, false
	}
	op := c.incoming[0]
	c.incoming = c.incoming[1:]
	return op, true
}

// Peek returns the next server operation without removing it.
func (c *OperationChannel) Peek() (model.Operation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.incoming) == 0 {
		return model.Operation{}, false
	}
	return c.incoming[0], true
}

// Pending counts local operations the server has not acknowledged.
func (c *OperationChannel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight) + len(c.queued)
}

// ReconnectVersions lists recent delta boundaries, newest first.
func (c *OperationChannel) ReconnectVersions() []model.HashedVersion {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := slices.Clone(c.known)
	slices.Reverse(out)
	return out
}

// UnacknowledgedDelta returns the delta in flight as it was sent, or nil.
func (c *OperationChannel) UnacknowledgedDelta() *model.WaveletDelta {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent == nil {
		return nil
	}
	d := *c.sent
	d.Ops = slices.Clone(d.Ops)
	return &d
}

func (c *OperationChannel) flushLocked() error {
	if len(c.queued) == 0 || c.sent != nil || !c.delta.Connected() {
		return nil
	}
	delta := model.WaveletDelta{
		Author:        c.author,
		TargetVersion: c.version,
		Ops:           c.queued,
	}
	if err := c.delta.Send(delta); err != nil {
		return err
	}
	c.sent = &delta
	c.inFlight = c.queued
	c.queued = nil
	return nil
}

// reset drops the connection state and starts generation gen. Messages of
// older generations are ignored afterwards.
func (c *OperationChannel) reset(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen = gen
	c.delta.Reset()
}

// call runs fn on the delta channel unless gen is stale, then flushes and
// notifies the listener.
func (c *OperationChannel) call(gen uint64, fn func() error) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil
	}
	before := len(c.incoming)
	err := fn()
	if err == nil {
		err = c.flushLocked()
	}
	notify := c.listener
	if len(c.incoming) <= before {
		notify = nil
	}
	c.mu.Unlock()

	if notify != nil {
		notify()
	}
	return err
}

func (c *OperationChannel) onOpened(gen uint64, resp rpc.OpenResponse) error {
	return c.call(gen, func() error {
		if !resp.ConnectVersion.Equal(c.version) {
			return fatalf(c.name, "server resumed at %s, channel is at %s", resp.ConnectVersion, c.version)
		}
		var ack *rpc.SubmitResponse
		if resp.UnacknowledgedDeltaVersion != nil {
			ack = &rpc.SubmitResponse{
				OpsApplied:       resp.UnacknowledgedDeltaOps,
				ResultingVersion: *resp.UnacknowledgedDeltaVersion,
			}
		}
		return c.delta.OnConnection(resp.ConnectVersion, c.sent, ack)
	})
}

func (c *OperationChannel) onUpdate(gen uint64, u rpc.Update) error {
	return c.call(gen, func() error {
		return c.delta.OnServerUpdate(u.Deltas, u.CommitVersion)
	})
}

func (c *OperationChannel) onSubmitted(gen uint64, resp rpc.SubmitResponse, err error) error {
	return c.call(gen, func() error {
		if err != nil {
			return c.delta.OnSubmitError(err)
		}
		return c.delta.OnSubmitResponse(resp)
	})
}

func (c *OperationChannel) advanceLocked(v model.HashedVersion) {
	if v.Version < c.version.Version {
		return
	}
	c.version = v
	if c.known[len(c.known)-1].Equal(v) {
		return
	}
	c.known = append(c.known, v)
	if len(c.known) > maxKnownVersions {
		c.known = slices.Delete(c.known, 0, len(c.known)-maxKnownVersions)
	}
}

// deltaReceiver is the OperationChannel seen from its DeltaChannel. Its
// methods run with the channel lock held.
type deltaReceiver OperationChannel

func (r *deltaReceiver) OnConnection(connect model.HashedVersion) {
	r.version = connect
}

func (r *deltaReceiver) OnDelta(d model.TransformedWaveletDelta) {
	serverOps := d.Ops
	if len(r.inFlight) > 0 {
		r.inFlight, serverOps = ot.TransformPair(r.inFlight, serverOps)
	}
	if len(r.queued) > 0 {
		r.queued, serverOps = ot.TransformPair(r.queued, serverOps)
	}
	r.incoming = append(r.incoming, serverOps...)
	(*OperationChannel)(r).advanceLocked(d.ResultingVersion)
}

func (r *deltaReceiver) OnCommit(v model.HashedVersion) {
	if v.Version > r.committed.Version {
		r.committed = v
	}
}

func (r *deltaReceiver) OnAck(opsApplied int, version model.HashedVersion, timestamp int64) {
	r.sent = nil
	r.inFlight = nil
	(*OperationChannel)(r).advanceLocked(version)
	r.log.Debug("delta acknowledged", logKeyVersion, version.Version, logKeyOps, opsApplied)
}

// OnNack puts the rejected operations back in front of the queue. They are
// sent again after the next connection.
func (r *deltaReceiver) OnNack(err *rpc.Error) {
	r.queued = slices.Concat(r.inFlight, r.queued)
	r.sent = nil
	r.inFlight = nil
	r.log.Warn("delta rejected", logKeyError, err)
}
