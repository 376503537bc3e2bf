package frontend

import (
	"errors"

	"github.com/i5heu/ouroboros-wave/internal/wavelet"
	"github.com/i5heu/ouroboros-wave/pkg/model"
	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

// toRPCError maps server errors to response codes.
func toRPCError(err error) error {
	if err == nil {
		return nil
	}
	var (
		rpcErr   *rpc.Error
		indexing *wavelet.IndexingError
		hashErr  *wavelet.InvalidHashError
		verErr   *wavelet.VersionError
		opErr    *model.OperationError
		dupErr   *wavelet.DuplicateMismatchError
	)
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, wavelet.ErrCorrupted):
		return rpc.Errorf(rpc.InternalError, "%v", err)
	case errors.As(err, &indexing):
		return rpc.NewIndexingInProcess(indexing.Total, indexing.Indexed)
	case errors.Is(err, wavelet.ErrTooOld):
		return rpc.Errorf(rpc.TooOld, "%v", err)
	case errors.As(err, &hashErr), errors.As(err, &verErr):
		return rpc.Errorf(rpc.VersionError, "%v", err)
	case errors.As(err, &opErr):
		return rpc.Errorf(rpc.InvalidOperation, "%v", err)
	case errors.As(err, &dupErr),
		errors.Is(err, wavelet.ErrBadDelta),
		errors.Is(err, wavelet.ErrNotLocal),
		errors.Is(err, model.ErrInvalidWaveletName):
		return rpc.Errorf(rpc.BadRequest, "%v", err)
	default:
		return rpc.Errorf(rpc.InternalError, "%v", err)
	}
}
