package wavelet

import (
	"fmt"

	"github.com/i5heu/ouroboros-wave/pkg/model"
)

// commitRecords applies records to a copy of the data, publishes it, and
// schedules notification and persistence. The caller holds submitMu.
//
// Operations were validated before the transform, so one that still does
// not apply corrupts the container. Nothing of the batch is published.
func (c *container) commitRecords(records []model.WaveletDeltaRecord) error {
	c.mu.RLock()
	before := c.data
	c.mu.RUnlock()

	data := before.Copy()
	entries := make([]pendingEntry, 0, len(records))
	for _, r := range records {
		if err := data.ApplyDelta(r.Transformed); err != nil {
			return c.corrupt(fmt.Errorf("apply at %d: %w", r.AppliedAtVersion.Version, err))
		}
		entries = append(entries, pendingEntry{record: r, data: data})
		if len(entries) < len(records) {
			data = data.Copy()
		}
	}

	c.mu.Lock()
	c.data = data
	c.pending = append(c.pending, entries...)
	c.mu.Unlock()

	update := Update{
		Name:               c.name,
		ParticipantsBefore: before.Participants,
		Deltas:             model.Deltas(records),
	}
	if err := c.notifySerial.Submit(func() { c.deps.Notifier.WaveletUpdate(update) }); err != nil {
		return c.corrupt(fmt.Errorf("schedule update notification: %w", err))
	}
	if err := c.persistSerial.Submit(c.persist); err != nil {
		return c.corrupt(fmt.Errorf("schedule persistence: %w", err))
	}
	return nil
}

// persist writes every pending record, updates the segment snapshot,
// flushes and then reports the commit. Failures corrupt the container and
// are not retried.
func (c *container) persist() {
	if c.State() == StateCorrupted {
		return
	}

	c.mu.RLock()
	batch := append([]pendingEntry(nil), c.pending...)
	deltas, segments := c.deltas, c.segments
	c.mu.RUnlock()
	if len(batch) == 0 {
		return
	}

	records := make([]model.WaveletDeltaRecord, len(batch))
	for i, e := range batch {
		records[i] = e.record
	}
	last := batch[len(batch)-1]

	if err := deltas.Append(c.storeCtx, records); err != nil {
		c.corrupt(fmt.Errorf("persist deltas: %w", err))
		return
	}
	if err := segments.Apply(c.storeCtx, last.data, records); err != nil {
		c.corrupt(fmt.Errorf("update segments: %w", err))
		return
	}
	if err := deltas.Flush(); err != nil {
		c.corrupt(fmt.Errorf("flush deltas: %w", err))
		return
	}

	committed := last.record.ResultingVersion()
	c.mu.Lock()
	c.pending = c.pending[len(batch):]
	c.persisted = committed
	c.committed = committed
	c.mu.Unlock()

	err := c.notifySerial.Submit(func() { c.deps.Notifier.WaveletCommitted(c.name, committed) })
	if err != nil {
		c.log.Warn("commit notification dropped", logKeyVersion, committed.Version, logKeyError, err)
	}
}
