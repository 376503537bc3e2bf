package rpc

import (
	"context"
	"errors"
	"sync"
)

// ErrDisconnected is returned by a Conn after its connection went away.
var ErrDisconnected = errors.New("rpc: disconnected")

// Bind returns a Conn that calls svc in process as session. Stream events
// are delivered in order on a goroutine per channel.
func Bind(svc Service, session Session) Conn {
	return &loopback{svc: svc, session: session}
}

type loopback struct {
	svc     Service
	session Session

	mu      sync.Mutex
	closed  bool
	streams []*Pump
}

func (l *loopback) check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrDisconnected
	}
	return nil
}

func (l *loopback) FetchWaveView(ctx context.Context, filter WaveViewFilter) ([]WaveletView, error) {
	if err := l.check(); err != nil {
		return nil, err
	}
	return l.svc.FetchWaveView(ctx, l.session, filter)
}

func (l *loopback) FetchFragments(ctx context.Context, req FetchFragmentsRequest) (FetchFragmentsResponse, error) {
	if err := l.check(); err != nil {
		return FetchFragmentsResponse{}, err
	}
	return l.svc.FetchFragments(ctx, l.session, req)
}

func (l *loopback) Open(ctx context.Context, req OpenRequest, stream UpdateStream) (OpenResponse, error) {
	p := NewPump(stream)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return OpenResponse{}, ErrDisconnected
	}
	l.streams = append(l.streams, p)
	l.mu.Unlock()

	resp, err := l.svc.Open(ctx, l.session, req, p)
	if err != nil {
		p.Stop()
	}
	return resp, err
}

func (l *loopback) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if err := l.check(); err != nil {
		return SubmitResponse{}, err
	}
	return l.svc.Submit(ctx, l.session, req)
}

func (l *loopback) Close(ctx context.Context, channelID string) error {
	if err := l.check(); err != nil {
		return err
	}
	return l.svc.Close(ctx, l.session, channelID)
}

func (l *loopback) Disconnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	streams := l.streams
	l.streams = nil
	l.mu.Unlock()

	l.svc.Disconnect(l.session.ConnectionID)
	for _, p := range streams {
		p.OnTerminate(ErrDisconnected)
	}
	return nil
}
