// Package rpc is the contract between wave clients and the server: the
// request and response types, response codes, and the Service and Conn
// interfaces that transports implement.
package rpc

import (
	"context"

	"github.com/i5heu/ouroboros-wave/pkg/model"
)

// Session identifies the authenticated participant behind one connection.
type Session struct {
	Participant  model.ParticipantID `json:"participant"`
	ConnectionID string              `json:"connection"`
}

// WaveViewFilter selects the wavelets of one wave. An empty prefix list
// selects every wavelet.
type WaveViewFilter struct {
	WaveID          model.WaveID `json:"wave"`
	WaveletPrefixes []string     `json:"prefixes,omitempty"`
}

type WaveletView struct {
	WaveletID           model.WaveletID     `json:"wavelet"`
	LastModifiedVersion model.HashedVersion `json:"lastModifiedVersion"`
	LastModifiedTime    int64               `json:"lastModifiedTime"`
	// FragmentsVersion is the version the fragments reflect. It may trail
	// LastModifiedVersion while persistence catches up.
	FragmentsVersion int64            `json:"fragmentsVersion"`
	Fragments        []model.Fragment `json:"fragments"`
}

type FetchFragmentsRequest struct {
	Name       model.WaveletName `json:"name"`
	SegmentIDs []string          `json:"segments,omitempty"`
}

type FetchFragmentsResponse struct {
	Version   int64            `json:"version"`
	Fragments []model.Fragment `json:"fragments"`
}

// OpenRequest opens a channel on a wavelet. KnownVersions are delta
// boundaries the client holds; the server resumes from the highest one it
// recognizes. UnacknowledgedDelta is resubmitted before the stream starts.
type OpenRequest struct {
	Name                model.WaveletName     `json:"name"`
	KnownVersions       []model.HashedVersion `json:"knownVersions"`
	UnacknowledgedDelta *model.WaveletDelta   `json:"unacknowledgedDelta,omitempty"`
	SegmentIDs          []string              `json:"segments,omitempty"`
}

type OpenResponse struct {
	ChannelID            string              `json:"channel"`
	ConnectVersion       model.HashedVersion `json:"connectVersion"`
	LastModifiedVersion  model.HashedVersion `json:"lastModifiedVersion"`
	LastCommittedVersion model.HashedVersion `json:"lastCommittedVersion"`
	// UnacknowledgedDeltaVersion is set when an unacknowledged delta was
	// resubmitted. It is the version that delta resulted in.
	UnacknowledgedDeltaVersion *model.HashedVersion `json:"unacknowledgedDeltaVersion,omitempty"`
	UnacknowledgedDeltaOps     int                  `json:"unacknowledgedDeltaOps,omitempty"`
	Fragments                  []model.Fragment     `json:"fragments,omitempty"`
}

// Update is one message of an open channel's stream. CommitVersion is unset
// when the update carries no commit notice.
type Update struct {
	ChannelID     string                          `json:"channel"`
	Deltas        []model.TransformedWaveletDelta `json:"deltas,omitempty"`
	CommitVersion model.HashedVersion             `json:"commitVersion"`
}

type SubmitRequest struct {
	ChannelID string             `json:"channel"`
	Delta     model.WaveletDelta `json:"delta"`
}

type SubmitResponse struct {
	OpsApplied       int                 `json:"opsApplied"`
	ResultingVersion model.HashedVersion `json:"resultingVersion"`
	Timestamp        int64               `json:"timestamp"`
}

// UpdateStream receives the stream of an open channel. Implementations
// must not block. OnTerminate is called once, last; a nil error is a
// normal close.
type UpdateStream interface {
	OnUpdate(u Update)
	OnTerminate(err error)
}

// Service is the server side of the protocol.
type Service interface {
	FetchWaveView(ctx context.Context, s Session, filter WaveViewFilter) ([]WaveletView, error)
	FetchFragments(ctx context.Context, s Session, req FetchFragmentsRequest) (FetchFragmentsResponse, error)
	Open(ctx context.Context, s Session, req OpenRequest, stream UpdateStream) (OpenResponse, error)
	Submit(ctx context.Context, s Session, req SubmitRequest) (SubmitResponse, error)
	Close(ctx context.Context, s Session, channelID string) error
	// Disconnect drops every channel of a connection without draining.
	Disconnect(connectionID string)
}

// Conn is the client side of one connection.
type Conn interface {
	FetchWaveView(ctx context.Context, filter WaveViewFilter) ([]WaveletView, error)
	FetchFragments(ctx context.Context, req FetchFragmentsRequest) (FetchFragmentsResponse, error)
	Open(ctx context.Context, req OpenRequest, stream UpdateStream) (OpenResponse, error)
	Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error)
	Close(ctx context.Context, channelID string) error
	// Disconnect tears the connection down. Streams terminate with
	// ErrDisconnected.
	Disconnect() error
}
