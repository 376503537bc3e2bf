package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-wave/pkg/model"
	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

var (
	ErrClosed        = errors.New("client: multiplexer closed")
	ErrNotConnected  = errors.New("client: channel not connected")
	ErrChannelExists = errors.New("client: operation channel already exists")
	ErrBusy          = errors.New("client: a delta is already in flight")
)

// ChannelError is a failure of one wavelet channel. A recoverable error is
// handled by reconnecting. Any other error ends the channel.
type ChannelError struct {
	Name        model.WaveletName
	Recoverable bool
	Err         error
}

func (e *ChannelError) Error() string {
	kind := "fatal"
	if e.Recoverable {
		kind = "recoverable"
	}
	return fmt.Sprintf("channel %s: %s: %v", e.Name, kind, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

func fatalf(name model.WaveletName, format string, args ...any) *ChannelError {
	return &ChannelError{Name: name, Err: fmt.Errorf(format, args...)}
}

// classify wraps a request failure. Transport failures, server side
// internal errors and TOO_OLD are worth a reconnect. Any other response
// code is final.
func classify(name model.WaveletName, err error) *ChannelError {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce
	}
	var rerr *rpc.Error
	if !errors.As(err, &rerr) {
		return &ChannelError{
			Name:        name,
			Recoverable: !errors.Is(err, context.Canceled),
			Err:         err,
		}
	}
	switch rerr.Code {
	case rpc.TooOld, rpc.InternalError, rpc.IndexingInProcess:
		return &ChannelError{Name: name, Recoverable: true, Err: rerr}
	default:
		return &ChannelError{Name: name, Err: rerr}
	}
}
