// Package frontend is the server side of the client protocol. It opens
// channels on wavelets, runs submits through the wavelet containers and
// fans container updates out to the open channels.
package frontend

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/i5heu/ouroboros-wave/internal/authz"
	"github.com/i5heu/ouroboros-wave/internal/codec"
	"github.com/i5heu/ouroboros-wave/internal/wavelet"
	"github.com/i5heu/ouroboros-wave/internal/wavemap"
	"github.com/i5heu/ouroboros-wave/pkg/model"
	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

type Config struct {
	Policy authz.Policy
	IDs    IDSource
	Logger *slog.Logger
}

// FrontEnd implements rpc.Service.
type FrontEnd struct {
	waves    *wavemap.WaveMap
	registry *Registry
	policy   authz.Policy
	ids      IDSource
	log      *slog.Logger
}

var _ rpc.Service = (*FrontEnd)(nil)

func New(waves *wavemap.WaveMap, registry *Registry, config Config) *FrontEnd {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.IDs == nil {
		config.IDs = ULIDSource{}
	}
	if config.Policy == nil {
		config.Policy = registry.policy
	}
	return &FrontEnd{
		waves:    waves,
		registry: registry,
		policy:   config.Policy,
		ids:      config.IDs,
		log:      config.Logger,
	}
}

// authorize loads the wavelet and checks that the session may access it.
func (f *FrontEnd) authorize(
	ctx context.Context,
	s rpc.Session,
	name model.WaveletName,
) (wavelet.Container, *model.WaveletData, error) {
	if err := name.Validate(); err != nil {
		return nil, nil, toRPCError(err)
	}
	c, err := f.waves.Wavelet(ctx, name)
	if err != nil {
		return nil, nil, toRPCError(err)
	}
	data, err := c.Snapshot(ctx)
	if err != nil {
		return nil, nil, toRPCError(err)
	}
	if !authz.CanAccessData(f.policy, s.Participant, data) {
		return nil, nil, rpc.Errorf(rpc.NotAuthorized, "%s may not access %s", s.Participant, name)
	}
	return c, data, nil
}

func (f *FrontEnd) FetchWaveView(
	ctx context.Context,
	s rpc.Session,
	filter rpc.WaveViewFilter,
) ([]rpc.WaveletView, error) {
	ids, err := f.waves.WaveletIDs(filter.WaveID)
	if err != nil {
		return nil, toRPCError(err)
	}
	var views []rpc.WaveletView
	for _, id := range ids {
		if !matchesPrefix(id, filter.WaveletPrefixes) {
			continue
		}
		name := model.NewWaveletName(filter.WaveID, id)
		c, data, err := f.authorize(ctx, s, name)
		if rpc.CodeOf(err) == rpc.NotAuthorized {
			continue
		}
		if err != nil {
			return nil, err
		}
		fragments, indexed, err := c.Fragments(ctx, nil)
		if err != nil {
			return nil, toRPCError(err)
		}
		views = append(views, rpc.WaveletView{
			WaveletID:           id,
			LastModifiedVersion: data.Version,
			LastModifiedTime:    data.LastModifiedTime,
			FragmentsVersion:    indexed,
			Fragments:           sortedFragments(fragments),
		})
	}
	return views, nil
}

func matchesPrefix(id model.WaveletID, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	return slices.ContainsFunc(prefixes, func(p string) bool {
		return strings.HasPrefix(string(id), p)
	})
}

func sortedFragments(m map[string]model.Fragment) []model.Fragment {
	out := make([]model.Fragment, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b model.Fragment) int {
		return strings.Compare(a.SegmentID, b.SegmentID)
	})
	return out
}

func (f *FrontEnd) FetchFragments(
	ctx context.Context,
	s rpc.Session,
	req rpc.FetchFragmentsRequest,
) (rpc.FetchFragmentsResponse, error) {
	c, _, err := f.authorize(ctx, s, req.Name)
	if err != nil {
		return rpc.FetchFragmentsResponse{}, err
	}
	fragments, indexed, err := c.Fragments(ctx, req.SegmentIDs)
	if err != nil {
		return rpc.FetchFragmentsResponse{}, toRPCError(err)
	}
	return rpc.FetchFragmentsResponse{Version: indexed, Fragments: sortedFragments(fragments)}, nil
}

// connectVersion picks the highest known version that is a delta boundary
// of the history. A client that knows nothing starts at version zero.
func (f *FrontEnd) connectVersion(
	ctx context.Context,
	c wavelet.Container,
	known []model.HashedVersion,
) (model.HashedVersion, error) {
	if len(known) == 0 {
		return model.ZeroHashedVersion(c.Name()), nil
	}
	candidates := slices.Clone(known)
	slices.SortFunc(candidates, func(a, b model.HashedVersion) int {
		return cmp.Compare(b.Version, a.Version)
	})
	for _, v := range candidates {
		hv, err := c.HashedVersionAt(ctx, v.Version)
		if err == nil && hv.Equal(v) {
			return hv, nil
		}
	}
	return model.HashedVersion{}, rpc.Errorf(rpc.VersionError, "no known version of %s matches the history", c.Name())
}

func (f *FrontEnd) Open(
	ctx context.Context,
	s rpc.Session,
	req rpc.OpenRequest,
	stream rpc.UpdateStream,
) (rpc.OpenResponse, error) {
	c, _, err := f.authorize(ctx, s, req.Name)
	if err != nil {
		return rpc.OpenResponse{}, err
	}
	connect, err := f.connectVersion(ctx, c, req.KnownVersions)
	if err != nil {
		return rpc.OpenResponse{}, err
	}

	channelID := f.ids.NewID()
	sub, err := f.registry.Subscribe(req.Name, s.Participant, channelID, s.ConnectionID, stream, connect)
	if err != nil {
		return rpc.OpenResponse{}, err
	}
	fail := func(err error) (rpc.OpenResponse, error) {
		f.registry.Remove(sub)
		return rpc.OpenResponse{}, toRPCError(err)
	}

	resp := rpc.OpenResponse{ChannelID: channelID, ConnectVersion: connect}
	var own model.HashedVersion
	if req.UnacknowledgedDelta != nil {
		record, err := f.resubmit(ctx, s, req.Name, *req.UnacknowledgedDelta)
		if err != nil {
			return fail(err)
		}
		own = record.ResultingVersion()
		resp.UnacknowledgedDeltaVersion = &own
		resp.UnacknowledgedDeltaOps = len(record.Transformed.Ops)
	}

	if resp.LastModifiedVersion, err = c.LastModifiedVersion(ctx); err != nil {
		return fail(err)
	}
	if resp.LastCommittedVersion, err = c.LastCommittedVersion(ctx); err != nil {
		return fail(err)
	}
	catchUp, err := c.DeltaHistory(ctx, connect.Version, resp.LastModifiedVersion.Version)
	if err != nil {
		return fail(err)
	}
	if len(req.SegmentIDs) > 0 {
		fragments, _, err := c.Fragments(ctx, req.SegmentIDs)
		if err != nil {
			return fail(err)
		}
		resp.Fragments = sortedFragments(fragments)
	}

	f.registry.FinishOpen(sub, catchUp, own, resp.UnacknowledgedDeltaOps)
	f.log.Debug("channel opened",
		logKeyWavelet, req.Name.String(),
		logKeyChannel, channelID,
		logKeyConnection, s.ConnectionID,
		logKeyVersion, connect.Version,
	)
	return resp, nil
}

// resubmit applies a delta a client sent before it lost its connection.
// A delta that was applied already yields its original record.
func (f *FrontEnd) resubmit(
	ctx context.Context,
	s rpc.Session,
	name model.WaveletName,
	delta model.WaveletDelta,
) (model.WaveletDeltaRecord, error) {
	if delta.Author != s.Participant {
		return model.WaveletDeltaRecord{}, rpc.Errorf(rpc.NotAuthorized, "delta authored by %s", delta.Author)
	}
	local, err := f.waves.LocalWavelet(ctx, name)
	if err != nil {
		return model.WaveletDeltaRecord{}, err
	}
	record, err := local.SubmitRequest(ctx, codec.SignDelta(delta))
	if err != nil {
		return model.WaveletDeltaRecord{}, err
	}
	f.noteCreated(name, record)
	return record, nil
}

// noteCreated records a wavelet in its wave once its first delta applied.
func (f *FrontEnd) noteCreated(name model.WaveletName, record model.WaveletDeltaRecord) {
	if record.AppliedAtVersion.Version != 0 || record.IsEmpty() {
		return
	}
	if err := f.waves.NoteWavelet(name); err != nil {
		f.log.Warn("wavelet not recorded in wave", logKeyWavelet, name.String(), logKeyError, err)
	}
}

func (f *FrontEnd) Submit(
	ctx context.Context,
	s rpc.Session,
	req rpc.SubmitRequest,
) (rpc.SubmitResponse, error) {
	sub, err := f.channel(s, req.ChannelID)
	if err != nil {
		return rpc.SubmitResponse{}, err
	}
	if req.Delta.Author != s.Participant {
		return rpc.SubmitResponse{}, rpc.Errorf(rpc.NotAuthorized, "delta authored by %s", req.Delta.Author)
	}
	local, err := f.waves.LocalWavelet(ctx, sub.Name())
	if err != nil {
		return rpc.SubmitResponse{}, toRPCError(err)
	}
	data, err := local.Snapshot(ctx)
	if err != nil {
		return rpc.SubmitResponse{}, toRPCError(err)
	}
	if !authz.CanAccessData(f.policy, s.Participant, data) {
		return rpc.SubmitResponse{}, rpc.Errorf(rpc.NotAuthorized, "%s may not access %s", s.Participant, sub.Name())
	}

	if err := f.registry.BeginSubmit(sub); err != nil {
		return rpc.SubmitResponse{}, err
	}
	record, err := local.SubmitRequest(ctx, codec.SignDelta(req.Delta))
	if err != nil {
		f.registry.EndSubmit(sub, model.HashedVersion{}, 0)
		f.log.Debug("submit rejected", logKeyChannel, sub.ChannelID(), logKeyError, err)
		return rpc.SubmitResponse{}, toRPCError(err)
	}
	f.registry.EndSubmit(sub, record.ResultingVersion(), len(record.Transformed.Ops))
	f.noteCreated(sub.Name(), record)
	return rpc.SubmitResponse{
		OpsApplied:       len(record.Transformed.Ops),
		ResultingVersion: record.ResultingVersion(),
		Timestamp:        record.Transformed.ApplicationTimestamp,
	}, nil
}

// channel returns the open channel id of the session's connection.
func (f *FrontEnd) channel(s rpc.Session, channelID string) (*Subscription, error) {
	sub, ok := f.registry.ByChannel(channelID)
	if !ok || sub.ConnectionID() != s.ConnectionID {
		return nil, rpc.Errorf(rpc.Unsubscribed, "channel %s is not open", channelID)
	}
	return sub, nil
}

func (f *FrontEnd) Close(ctx context.Context, s rpc.Session, channelID string) error {
	sub, err := f.channel(s, channelID)
	if err != nil {
		return err
	}
	f.registry.Unsubscribe(sub, nil)
	return nil
}

func (f *FrontEnd) Disconnect(connectionID string) {
	subs := f.registry.ByConnection(connectionID)
	for _, sub := range subs {
		f.registry.Remove(sub)
	}
	if len(subs) > 0 {
		f.log.Debug("connection dropped", logKeyConnection, connectionID, "channels", len(subs))
	}
}
