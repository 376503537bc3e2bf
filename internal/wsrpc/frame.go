// Package wsrpc carries the rpc protocol over a websocket. Every request
// and response is one JSON frame; stream events of an open channel are
// frames tagged with the id of the open request.
package wsrpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

const (
	methodFetchWaveView  = "fetchWaveView"
	methodFetchFragments = "fetchFragments"
	methodOpen           = "open"
	methodSubmit         = "submit"
	methodClose          = "close"
)

// outboxSize is the number of frames a connection buffers for its writer.
const outboxSize = 64

type frame struct {
	ID      uint64          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Stream  bool            `json:"stream,omitempty"`
	Done    bool            `json:"done,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *rpc.Error      `json:"error,omitempty"`
}

type closeRequest struct {
	ChannelID string `json:"channel"`
}

func payloadFrame(id uint64, v any) (frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return frame{}, fmt.Errorf("wsrpc: encode frame %d: %w", id, err)
	}
	return frame{ID: id, Payload: data}, nil
}

func decodePayload(f frame, v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return rpc.Errorf(rpc.BadRequest, "decode %s payload: %v", f.Method, err)
	}
	return nil
}

func deadline() time.Time {
	return time.Now().Add(time.Second)
}
