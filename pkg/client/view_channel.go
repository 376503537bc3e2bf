package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

// DefaultIndexingRetryDelay is the pause before a request that hit a
// wavelet still being reindexed is issued again.
const DefaultIndexingRetryDelay = 2 * time.Second

// IndexingListener is told how far the server got reindexing a wavelet
// while a request waits for it.
type IndexingListener interface {
	OnIndexingProgress(total, indexed int64)
}

// IndexingListenerFunc adapts a function to IndexingListener.
type IndexingListenerFunc func(total, indexed int64)

func (f IndexingListenerFunc) OnIndexingProgress(total, indexed int64) {
	f(total, indexed)
}

type ViewConfig struct {
	RetryDelay time.Duration
	Scheduler  Scheduler
	Indexing   IndexingListener
	Logger     *slog.Logger
}

// ViewChannel is the request side of a connection. Requests that fail with
// INDEXING_IN_PROCESS are issued again after a fixed delay until they
// succeed or fail otherwise.
type ViewChannel struct {
	conn   rpc.Conn
	config ViewConfig
	log    *slog.Logger
}

func NewViewChannel(conn rpc.Conn, config ViewConfig) *ViewChannel {
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultIndexingRetryDelay
	}
	if config.Scheduler == nil {
		config.Scheduler = TimerScheduler{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &ViewChannel{conn: conn, config: config, log: config.Logger}
}

func (v *ViewChannel) FetchWaveView(ctx context.Context, filter rpc.WaveViewFilter) ([]rpc.WaveletView, error) {
	return retryIndexing(ctx, v, func() ([]rpc.WaveletView, error) {
		return v.conn.FetchWaveView(ctx, filter)
	})
}

func (v *ViewChannel) FetchFragments(
	ctx context.Context,
	req rpc.FetchFragmentsRequest,
) (rpc.FetchFragmentsResponse, error) {
	return retryIndexing(ctx, v, func() (rpc.FetchFragmentsResponse, error) {
		return v.conn.FetchFragments(ctx, req)
	})
}

func (v *ViewChannel) Open(
	ctx context.Context,
	req rpc.OpenRequest,
	stream rpc.UpdateStream,
) (rpc.OpenResponse, error) {
	return retryIndexing(ctx, v, func() (rpc.OpenResponse, error) {
		return v.conn.Open(ctx, req, stream)
	})
}

func (v *ViewChannel) Submit(ctx context.Context, req rpc.SubmitRequest) (rpc.SubmitResponse, error) {
	return retryIndexing(ctx, v, func() (rpc.SubmitResponse, error) {
		return v.conn.Submit(ctx, req)
	})
}

func (v *ViewChannel) CloseChannel(ctx context.Context, channelID string) error {
	_, err := retryIndexing(ctx, v, func() (struct{}, error) {
		return struct{}{}, v.conn.Close(ctx, channelID)
	})
	return err
}

// Disconnect drops the underlying connection.
func (v *ViewChannel) Disconnect() error {
	return v.conn.Disconnect()
}

func retryIndexing[T any](ctx context.Context, v *ViewChannel, call func() (T, error)) (T, error) {
	for {
		result, err := call()
		rerr := rpc.AsError(err)
		if rerr == nil || rerr.Code != rpc.IndexingInProcess {
			return result, err
		}
		if total, indexed, ok := rerr.IndexingProgress(); ok && v.config.Indexing != nil {
			v.config.Indexing.OnIndexingProgress(total, indexed)
		}
		v.log.Debug("wavelet indexing, retrying", logKeyDelay, v.config.RetryDelay)
		if err := v.wait(ctx); err != nil {
			var zero T
			return zero, err
		}
	}
}

func (v *ViewChannel) wait(ctx context.Context) error {
	done := make(chan struct{})
	cancel := v.config.Scheduler.Schedule(v.config.RetryDelay, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}
