package wsrpc

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

// Dial connects to a websocket endpoint served by Accept.
func Dial(ctx context.Context, url string, header http.Header, logger *slog.Logger) (rpc.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &clientConn{
		ws:      ws,
		log:     logger,
		calls:   make(map[uint64]chan frame),
		streams: make(map[uint64]*rpc.Pump),
		out:     make(chan frame, outboxSize),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

type clientConn struct {
	ws  *websocket.Conn
	log *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	calls    map[uint64]chan frame
	streams  map[uint64]*rpc.Pump
	out      chan frame
	done     chan struct{}
	shutOnce sync.Once
}

var _ rpc.Conn = (*clientConn)(nil)

func (c *clientConn) FetchWaveView(ctx context.Context, filter rpc.WaveViewFilter) ([]rpc.WaveletView, error) {
	var views []rpc.WaveletView
	err := c.call(ctx, methodFetchWaveView, filter, &views, nil)
	return views, err
}

func (c *clientConn) FetchFragments(
	ctx context.Context,
	req rpc.FetchFragmentsRequest,
) (rpc.FetchFragmentsResponse, error) {
	var resp rpc.FetchFragmentsResponse
	err := c.call(ctx, methodFetchFragments, req, &resp, nil)
	return resp, err
}

func (c *clientConn) Open(
	ctx context.Context,
	req rpc.OpenRequest,
	stream rpc.UpdateStream,
) (rpc.OpenResponse, error) {
	var resp rpc.OpenResponse
	err := c.call(ctx, methodOpen, req, &resp, rpc.NewPump(stream))
	return resp, err
}

func (c *clientConn) Submit(ctx context.Context, req rpc.SubmitRequest) (rpc.SubmitResponse, error) {
	var resp rpc.SubmitResponse
	err := c.call(ctx, methodSubmit, req, &resp, nil)
	return resp, err
}

func (c *clientConn) Close(ctx context.Context, channelID string) error {
	return c.call(ctx, methodClose, closeRequest{ChannelID: channelID}, nil, nil)
}

// Disconnect closes the socket. Open streams terminate with
// rpc.ErrDisconnected.
func (c *clientConn) Disconnect() error {
	c.shutdown()
	return nil
}

// call sends one request and waits for its response. A stream is
// registered before the request goes out because its first events can
// overtake the response.
func (c *clientConn) call(ctx context.Context, method string, req, resp any, stream *rpc.Pump) error {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return rpc.ErrDisconnected
	default:
	}
	c.nextID++
	id := c.nextID
	reply := make(chan frame, 1)
	c.calls[id] = reply
	if stream != nil {
		c.streams[id] = stream
	}
	c.mu.Unlock()

	f, err := payloadFrame(id, req)
	if err != nil {
		c.forget(id)
		return err
	}
	f.Method = method
	select {
	case c.out <- f:
	case <-c.done:
		return rpc.ErrDisconnected
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}

	select {
	case r := <-reply:
		if r.Error != nil {
			c.dropStream(id)
			return r.Error
		}
		if resp == nil {
			return nil
		}
		if err := decodePayload(r, resp); err != nil {
			c.dropStream(id)
			return err
		}
		return nil
	case <-c.done:
		return rpc.ErrDisconnected
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *clientConn) forget(id uint64) {
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
	c.dropStream(id)
}

func (c *clientConn) dropStream(id uint64) {
	c.mu.Lock()
	s, ok := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if ok {
		s.Stop()
	}
}

func (c *clientConn) readLoop() {
	defer c.shutdown()
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		if f.Stream {
			c.deliver(f)
			continue
		}
		c.mu.Lock()
		reply, ok := c.calls[f.ID]
		delete(c.calls, f.ID)
		c.mu.Unlock()
		if ok {
			reply <- f
		}
	}
}

func (c *clientConn) deliver(f frame) {
	c.mu.Lock()
	s, ok := c.streams[f.ID]
	if ok && f.Done {
		delete(c.streams, f.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if f.Done {
		var err error
		if f.Error != nil {
			err = f.Error
		}
		s.OnTerminate(err)
		return
	}
	var u rpc.Update
	if err := decodePayload(f, &u); err != nil {
		c.log.Warn("bad update frame", logKeyError, err)
		return
	}
	s.OnUpdate(u)
}

func (c *clientConn) writeLoop() {
	for {
		select {
		case f := <-c.out:
			if err := c.ws.WriteJSON(f); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *clientConn) shutdown() {
	c.shutOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		streams := c.streams
		c.streams = make(map[uint64]*rpc.Pump)
		c.mu.Unlock()

		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline(),
		)
		_ = c.ws.Close()
		for _, s := range streams {
			s.OnTerminate(rpc.ErrDisconnected)
		}
	})
}
