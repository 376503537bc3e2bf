package wavelet

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/i5heu/ouroboros-wave/internal/codec"
	"github.com/i5heu/ouroboros-wave/internal/deltastore"
	"github.com/i5heu/ouroboros-wave/pkg/model"
)

// LocalContainer is a wavelet hosted by this server. Clients submit deltas
// to it.
type LocalContainer struct {
	*container
}

// errHistoryMoved reports that records between the history read and the
// lock were persisted and left memory. The submit reads again.
var errHistoryMoved = errors.New("history moved to storage")

// SubmitRequest transforms and applies a signed client delta. It returns
// the record the delta was applied as. A delta that transforms to nothing
// yields an empty record at the current version, and a resubmitted delta
// yields the record it was first applied as.
//
// The history the delta is transformed against is read before submitMu is
// taken, so the lock is never held across storage reads.
//
// Rejections leave the container untouched. Any other failure corrupts it.
func (c *LocalContainer) SubmitRequest(
	ctx context.Context,
	signed model.SignedDelta,
) (model.WaveletDeltaRecord, error) {
	if err := c.ready(ctx); err != nil {
		return model.WaveletDeltaRecord{}, err
	}

	delta, err := codec.UnmarshalWaveletDelta(signed.DeltaBytes)
	if err != nil {
		return model.WaveletDeltaRecord{}, fmt.Errorf("%w: %v", ErrBadDelta, err)
	}
	for _, op := range delta.Ops {
		if err := op.Validate(); err != nil {
			return model.WaveletDeltaRecord{}, &OperationError{
				Op:      op,
				Version: delta.TargetVersion.Version,
				Reason:  err.Error(),
			}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return model.WaveletDeltaRecord{}, err
		}
		history, err := c.readHistory(ctx, delta.TargetVersion)
		if err != nil {
			return model.WaveletDeltaRecord{}, err
		}
		record, err := c.submitLocked(signed, delta, history)
		if errors.Is(err, errHistoryMoved) {
			c.log.Debug("history persisted during submit, reading again", logKeyVersion, delta.TargetVersion.Version)
			continue
		}
		return record, err
	}
}

func (c *LocalContainer) submitLocked(
	signed model.SignedDelta,
	delta model.WaveletDelta,
	history []model.WaveletDeltaRecord,
) (model.WaveletDeltaRecord, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	// The state may have changed while waiting for the lock.
	if err := c.checkState(); err != nil {
		return model.WaveletDeltaRecord{}, err
	}

	current := c.currentVersion()
	transformed, window, err := c.transform(delta, current, history)
	if err != nil {
		return model.WaveletDeltaRecord{}, err
	}

	if len(transformed.Ops) == 0 {
		return emptyRecord(delta.Author, current, c.deps.Clock.Now().UnixMilli()), nil
	}

	if !transformed.TargetVersion.Equal(current) {
		return c.existingRecord(delta.Author, transformed, window)
	}

	return c.apply(signed, delta.Author, transformed.Ops, current)
}

// readHistory reads the records from target up to the current version
// without holding submitMu. A target that needs no history, or that
// transform rejects anyway, yields nil.
func (c *LocalContainer) readHistory(
	ctx context.Context,
	target model.HashedVersion,
) ([]model.WaveletDeltaRecord, error) {
	current := c.currentVersion()
	if target.Version < 0 ||
		target.Version >= current.Version ||
		current.Version-target.Version > c.deps.MaxTransformSpan {
		return nil, nil
	}
	records, err := c.records(ctx, target.Version, current.Version)
	if err != nil {
		var verr *VersionError
		if errors.As(err, &verr) || ctx.Err() != nil {
			return nil, err
		}
		return nil, c.corrupt(fmt.Errorf("read history for transform: %w", err))
	}
	return records, nil
}

// tail extends history, which starts at from, with the pending records up
// to current. It returns errHistoryMoved when the missing records were
// persisted in the meantime. The caller holds submitMu.
func (c *LocalContainer) tail(
	history []model.WaveletDeltaRecord,
	from, current int64,
) ([]model.WaveletDeltaRecord, error) {
	have := from
	if len(history) > 0 {
		have = history[len(history)-1].ResultingVersion().Version
	}
	if have == current {
		return history, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	window := slices.Clone(history)
	for _, p := range c.pending {
		v := p.record.AppliedAtVersion.Version
		if v < have || v >= current {
			continue
		}
		if v != have {
			return nil, errHistoryMoved
		}
		window = append(window, p.record)
		have = p.record.ResultingVersion().Version
	}
	if have != current {
		return nil, errHistoryMoved
	}
	return window, nil
}

// transform brings delta to the current version. The returned delta
// targets current unless it is a duplicate. The window holds the records
// from the delta's target to current.
func (c *LocalContainer) transform(
	delta model.WaveletDelta,
	current model.HashedVersion,
	history []model.WaveletDeltaRecord,
) (model.WaveletDelta, []model.WaveletDeltaRecord, error) {
	target := delta.TargetVersion
	switch {
	case target.Equal(current):
		return delta, nil, nil
	case target.Version == current.Version:
		return model.WaveletDelta{}, nil, &InvalidHashError{Name: c.name, Target: target, Expected: current}
	case target.Version > current.Version || target.Version < 0:
		return model.WaveletDelta{}, nil, &VersionError{Name: c.name, Version: target.Version, Current: current.Version}
	case current.Version-target.Version > c.deps.MaxTransformSpan:
		return model.WaveletDelta{}, nil, &VersionError{
			Name:    c.name,
			Version: target.Version,
			Current: current.Version,
			Err:     ErrTooOld,
		}
	}

	window, err := c.tail(history, target.Version, current.Version)
	if err != nil {
		return model.WaveletDelta{}, nil, err
	}
	if len(window) == 0 || window[0].AppliedAtVersion.Version != target.Version {
		return model.WaveletDelta{}, nil, &VersionError{
			Name:    c.name,
			Version: target.Version,
			Current: current.Version,
			Err:     deltastore.ErrNotBoundary,
		}
	}
	if expected := window[0].AppliedAtVersion; !expected.Equal(target) {
		return model.WaveletDelta{}, nil, &InvalidHashError{Name: c.name, Target: target, Expected: expected}
	}

	transformed, err := c.deps.Transformer.Transform(delta, model.Deltas(window))
	if err != nil {
		c.corrupt(err)
		return model.WaveletDelta{}, nil, &TransformError{Name: c.name, Err: err}
	}
	return transformed, window, nil
}

// existingRecord returns the record a duplicate delta was applied as.
func (c *LocalContainer) existingRecord(
	author model.ParticipantID,
	transformed model.WaveletDelta,
	window []model.WaveletDeltaRecord,
) (model.WaveletDeltaRecord, error) {
	at := transformed.TargetVersion.Version
	end := at + int64(len(transformed.Ops))
	i := slices.IndexFunc(window, func(r model.WaveletDeltaRecord) bool {
		return r.AppliedAtVersion.Version == at
	})
	if i < 0 || window[i].ResultingVersion().Version != end {
		return model.WaveletDeltaRecord{}, &DuplicateMismatchError{Name: c.name, Version: at}
	}
	existing := window[i]
	if existing.Transformed.Author != author ||
		!model.OpsEqual(existing.Transformed.Ops, transformed.Ops) {
		return model.WaveletDeltaRecord{}, &DuplicateMismatchError{Name: c.name, Version: at}
	}
	c.log.Debug("duplicate delta", logKeyAuthor, string(author), logKeyVersion, at)
	return existing, nil
}

// apply appends a new record at current. The caller holds submitMu.
func (c *LocalContainer) apply(
	signed model.SignedDelta,
	author model.ParticipantID,
	ops []model.Operation,
	current model.HashedVersion,
) (model.WaveletDeltaRecord, error) {
	now := c.deps.Clock.Now().UnixMilli()
	appliedBytes := codec.MarshalAppliedDelta(model.AppliedDelta{
		SignedOriginal: signed,
		AppliedAt:      current,
		OpsApplied:     len(ops),
		Timestamp:      now,
	})
	record := model.WaveletDeltaRecord{
		AppliedAtVersion: current,
		AppliedDelta:     appliedBytes,
		Transformed: model.TransformedWaveletDelta{
			Author:               author,
			AppliedAtVersion:     current.Version,
			ResultingVersion:     model.NextHashedVersion(current, appliedBytes, len(ops)),
			ApplicationTimestamp: now,
			Ops:                  ops,
		},
	}

	if err := c.commitRecords([]model.WaveletDeltaRecord{record}); err != nil {
		return model.WaveletDeltaRecord{}, err
	}
	c.log.Debug("delta applied",
		logKeyAuthor, string(author),
		logKeyOps, len(ops),
		logKeyVersion, record.ResultingVersion().Version,
	)
	return record, nil
}

func emptyRecord(
	author model.ParticipantID,
	current model.HashedVersion,
	now int64,
) model.WaveletDeltaRecord {
	return model.WaveletDeltaRecord{
		AppliedAtVersion: current,
		Transformed: model.TransformedWaveletDelta{
			Author:               author,
			AppliedAtVersion:     current.Version,
			ResultingVersion:     current,
			ApplicationTimestamp: now,
		},
	}
}
