package wavelet

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-wave/pkg/model"
)

var (
	// ErrCorrupted marks a container that hit an unrecoverable error. It only
	// recovers by being evicted and loaded again.
	ErrCorrupted = errors.New("wavelet corrupted")

	// ErrTooOld is returned for a delta whose target is further behind the
	// current version than the container will transform across.
	ErrTooOld = errors.New("target version too old")

	// ErrBadDelta is returned for a signed delta whose bytes do not decode.
	ErrBadDelta = errors.New("malformed delta")

	// ErrNotLocal is returned when a client submits to a wavelet hosted by
	// another domain.
	ErrNotLocal = errors.New("wavelet is not hosted locally")
)

// OperationError reports an operation that cannot be applied.
type OperationError = model.OperationError

// StateError reports that a container is not in a usable state.
type StateError struct {
	Name   model.WaveletName
	State  State
	Reason string
	Err    error
}

func (e *StateError) Error() string {
	msg := fmt.Sprintf("wavelet %s is %s", e.Name, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// IndexingError is returned while the segment snapshot of a wavelet is
// rebuilt. Callers retry later.
type IndexingError struct {
	Name    model.WaveletName
	Indexed int64
	Total   int64
}

func (e *IndexingError) Error() string {
	return fmt.Sprintf("wavelet %s indexing: %d of %d versions", e.Name, e.Indexed, e.Total)
}

// InvalidHashError reports a target version whose hash does not match the
// history. The client is out of sync with the server.
type InvalidHashError struct {
	Name     model.WaveletName
	Target   model.HashedVersion
	Expected model.HashedVersion
}

func (e *InvalidHashError) Error() string {
	return fmt.Sprintf("wavelet %s: target %s does not match %s", e.Name, e.Target, e.Expected)
}

// VersionError reports a version that is not a delta boundary of the
// history, or lies beyond it.
type VersionError struct {
	Name    model.WaveletName
	Version int64
	Current int64
	Err     error
}

func (e *VersionError) Error() string {
	msg := fmt.Sprintf("wavelet %s: version %d not in history ending at %d", e.Name, e.Version, e.Current)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VersionError) Unwrap() error {
	return e.Err
}

// TransformError wraps a failure of the transformer.
type TransformError struct {
	Name model.WaveletName
	Err  error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("wavelet %s: transform: %v", e.Name, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// DuplicateMismatchError reports a delta that transforms to an already
// applied version but differs from the delta recorded there.
type DuplicateMismatchError struct {
	Name    model.WaveletName
	Version int64
}

func (e *DuplicateMismatchError) Error() string {
	return fmt.Sprintf("wavelet %s: delta at %d differs from the recorded delta", e.Name, e.Version)
}
