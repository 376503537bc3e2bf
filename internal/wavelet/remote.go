package wavelet

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-wave/internal/codec"
	"github.com/i5heu/ouroboros-wave/pkg/model"
)

// RemoteContainer is a wavelet hosted by another domain. Its history
// arrives already transformed and is only verified and applied here. No
// federation transport feeds it yet, so it only serves reads of what is
// stored.
type RemoteContainer struct {
	*container
}

// commitAppliedDeltas appends records received from the hosting server.
// Records already in the history are skipped if their hashes agree. It
// returns the version reached.
func (c *RemoteContainer) commitAppliedDeltas(
	ctx context.Context,
	records []model.WaveletDeltaRecord,
) (model.HashedVersion, error) {
	if err := c.ready(ctx); err != nil {
		return model.HashedVersion{}, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return model.HashedVersion{}, err
		}
		// Known history may be in storage, so it is checked before the lock.
		checked := c.currentVersion().Version
		if err := c.checkKnown(records, checked); err != nil {
			return model.HashedVersion{}, err
		}
		v, err := c.commitLocked(records, checked)
		if errors.Is(err, errHistoryMoved) {
			continue
		}
		return v, err
	}
}

// checkKnown compares the records ending at or before upTo with the
// history.
func (c *RemoteContainer) checkKnown(records []model.WaveletDeltaRecord, upTo int64) error {
	for _, r := range records {
		end := r.ResultingVersion()
		if end.Version > upTo {
			continue
		}
		known, err := c.hashedVersionAt(end.Version)
		if err != nil {
			return err
		}
		if !known.Equal(end) {
			return &InvalidHashError{Name: c.name, Target: end, Expected: known}
		}
	}
	return nil
}

func (c *RemoteContainer) commitLocked(
	records []model.WaveletDeltaRecord,
	checked int64,
) (model.HashedVersion, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	if err := c.checkState(); err != nil {
		return model.HashedVersion{}, err
	}

	current := c.currentVersion()
	var fresh []model.WaveletDeltaRecord
	for _, r := range records {
		end := r.ResultingVersion()
		if end.Version <= checked {
			continue
		}
		if end.Version <= current.Version {
			known, ok := c.recentVersionAt(end.Version)
			if !ok {
				return model.HashedVersion{}, errHistoryMoved
			}
			if !known.Equal(end) {
				return model.HashedVersion{}, &InvalidHashError{Name: c.name, Target: end, Expected: known}
			}
			continue
		}
		if err := verifyRecord(r); err != nil {
			return model.HashedVersion{}, fmt.Errorf("wavelet %s: %w", c.name, err)
		}
		fresh = append(fresh, r)
	}
	if len(fresh) == 0 {
		return current, nil
	}

	if err := model.CheckContiguous(current, fresh); err != nil {
		return model.HashedVersion{}, &InvalidHashError{
			Name:     c.name,
			Target:   fresh[0].AppliedAtVersion,
			Expected: current,
		}
	}
	if err := c.commitRecords(fresh); err != nil {
		return model.HashedVersion{}, err
	}
	return fresh[len(fresh)-1].ResultingVersion(), nil
}

// verifyRecord checks that the envelope of r hashes to its resulting
// version and matches its transformed delta.
func verifyRecord(r model.WaveletDeltaRecord) error {
	applied, err := codec.UnmarshalAppliedDelta(r.AppliedDelta)
	if err != nil {
		return err
	}
	if !applied.AppliedAt.Equal(r.AppliedAtVersion) {
		return fmt.Errorf("record at %d: envelope applied at %s", r.AppliedAtVersion.Version, applied.AppliedAt)
	}
	if applied.OpsApplied != len(r.Transformed.Ops) {
		return fmt.Errorf("record at %d: envelope has %d ops, delta %d",
			r.AppliedAtVersion.Version, applied.OpsApplied, len(r.Transformed.Ops))
	}
	want := model.NextHashedVersion(r.AppliedAtVersion, r.AppliedDelta, applied.OpsApplied)
	if !want.Equal(r.ResultingVersion()) {
		return fmt.Errorf("record at %d: resulting hash does not chain", r.AppliedAtVersion.Version)
	}
	return nil
}
