package apiServer

import (
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/i5heu/ouroboros-wave/internal/wsrpc"
	"github.com/i5heu/ouroboros-wave/pkg/model"
	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	participant := participantFrom(r.Context())
	log := s.log.With(logKeyParticipant, string(participant))
	if err := wsrpc.Accept(w, r, s.svc, participant, log); err != nil {
		log.Warn("websocket upgrade failed", logKeyError, err)
	}
}

// session builds the session of a single HTTP request.
func (s *Server) session(r *http.Request) rpc.Session {
	return rpc.Session{
		Participant:  participantFrom(r.Context()),
		ConnectionID: "http-" + ulid.Make().String(),
	}
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s *Server) handleWaveView(w http.ResponseWriter, r *http.Request) {
	filter := rpc.WaveViewFilter{
		WaveID:          model.WaveID(r.PathValue("wave")),
		WaveletPrefixes: splitList(r.URL.Query().Get("prefix")),
	}
	views, err := s.svc.FetchWaveView(r.Context(), s.session(r), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if views == nil {
		views = []rpc.WaveletView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleFragments(w http.ResponseWriter, r *http.Request) {
	req := rpc.FetchFragmentsRequest{
		Name: model.NewWaveletName(
			model.WaveID(r.PathValue("wave")),
			model.WaveletID(r.PathValue("wavelet")),
		),
		SegmentIDs: splitList(r.URL.Query().Get("segments")),
	}
	resp, err := s.svc.FetchFragments(r.Context(), s.session(r), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
