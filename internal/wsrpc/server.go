package wsrpc

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/i5heu/ouroboros-wave/pkg/model"
	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Accept upgrades the request and serves svc to participant until the
// socket closes. The session gets a fresh connection id; svc.Disconnect is
// called for it on the way out.
func Accept(
	w http.ResponseWriter,
	r *http.Request,
	svc rpc.Service,
	participant model.ParticipantID,
	logger *slog.Logger,
) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	if logger == nil {
		logger = slog.Default()
	}
	session := rpc.Session{Participant: participant, ConnectionID: ulid.Make().String()}
	ctx, cancel := context.WithCancel(r.Context())
	c := &serverConn{
		ws:      ws,
		svc:     svc,
		session: session,
		log:     logger.With(logKeyConnection, session.ConnectionID),
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan frame, outboxSize),
	}
	c.serve()
	return nil
}

type serverConn struct {
	ws      *websocket.Conn
	svc     rpc.Service
	session rpc.Session
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	out     chan frame
	wg      sync.WaitGroup
}

func (c *serverConn) serve() {
	c.log.Debug("connection opened", logKeyParticipant, string(c.session.Participant))
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", logKeyError, err)
			}
			break
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.dispatch(f)
		}()
	}

	c.cancel()
	c.svc.Disconnect(c.session.ConnectionID)
	c.wg.Wait()
	<-writerDone
	_ = c.ws.Close()
	c.log.Debug("connection closed")
}

func (c *serverConn) writeLoop() {
	for {
		select {
		case f := <-c.out:
			if err := c.ws.WriteJSON(f); err != nil {
				c.log.Debug("write failed", logKeyError, err)
				c.cancel()
				_ = c.ws.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// send queues f for the writer. It gives up once the connection is gone.
func (c *serverConn) send(f frame) {
	select {
	case c.out <- f:
	case <-c.ctx.Done():
	}
}

func (c *serverConn) reply(f frame, result any, err error) {
	if err != nil {
		c.send(frame{ID: f.ID, Method: f.Method, Error: rpc.AsError(err)})
		return
	}
	out, err := payloadFrame(f.ID, result)
	if err != nil {
		c.send(frame{ID: f.ID, Method: f.Method, Error: rpc.AsError(err)})
		return
	}
	out.Method = f.Method
	c.send(out)
}

func (c *serverConn) dispatch(f frame) {
	ctx := c.ctx
	switch f.Method {
	case methodFetchWaveView:
		var req rpc.WaveViewFilter
		if err := decodePayload(f, &req); err != nil {
			c.reply(f, nil, err)
			return
		}
		views, err := c.svc.FetchWaveView(ctx, c.session, req)
		c.reply(f, views, err)
	case methodFetchFragments:
		var req rpc.FetchFragmentsRequest
		if err := decodePayload(f, &req); err != nil {
			c.reply(f, nil, err)
			return
		}
		resp, err := c.svc.FetchFragments(ctx, c.session, req)
		c.reply(f, resp, err)
	case methodOpen:
		var req rpc.OpenRequest
		if err := decodePayload(f, &req); err != nil {
			c.reply(f, nil, err)
			return
		}
		stream := rpc.NewPump(&streamSender{conn: c, id: f.ID})
		resp, err := c.svc.Open(ctx, c.session, req, stream)
		if err != nil {
			stream.Stop()
		}
		c.reply(f, resp, err)
	case methodSubmit:
		var req rpc.SubmitRequest
		if err := decodePayload(f, &req); err != nil {
			c.reply(f, nil, err)
			return
		}
		resp, err := c.svc.Submit(ctx, c.session, req)
		c.reply(f, resp, err)
	case methodClose:
		var req closeRequest
		if err := decodePayload(f, &req); err != nil {
			c.reply(f, nil, err)
			return
		}
		err := c.svc.Close(ctx, c.session, req.ChannelID)
		c.reply(f, struct{}{}, err)
	default:
		c.reply(f, nil, rpc.Errorf(rpc.BadRequest, "unknown method %q", f.Method))
	}
}

// streamSender turns the events of one channel into frames.
type streamSender struct {
	conn *serverConn
	id   uint64
}

func (s *streamSender) OnUpdate(u rpc.Update) {
	f, err := payloadFrame(s.id, u)
	if err != nil {
		s.conn.log.Error("update dropped", logKeyError, err)
		return
	}
	f.Stream = true
	s.conn.send(f)
}

func (s *streamSender) OnTerminate(err error) {
	f := frame{ID: s.id, Stream: true, Done: true}
	if err != nil && !errors.Is(err, rpc.ErrDisconnected) {
		f.Error = rpc.AsError(err)
	}
	s.conn.send(f)
}
