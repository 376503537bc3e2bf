// Package apiServer exposes the wave service over HTTP: a websocket
// endpoint carrying the full protocol and read-only JSON views.
package apiServer

import (
	"log/slog"
	"net/http"

	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

type Option func(*Server)

type Server struct {
	mux  *http.ServeMux
	svc  rpc.Service
	log  *slog.Logger
	auth AuthFunc
}

func New(svc rpc.Service, opts ...Option) *Server {
	s := &Server{
		mux:  http.NewServeMux(),
		svc:  svc,
		log:  slog.Default(),
		auth: HeaderAuth,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /socket", s.handleSocket)
	s.mux.HandleFunc("GET /waves/{wave}", s.handleWaveView)
	s.mux.HandleFunc("GET /waves/{wave}/{wavelet}/fragments", s.handleFragments)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	} else {
		w.Header().Set("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)

	allowedHeaders := r.Header.Get("Access-Control-Request-Headers")
	if allowedHeaders == "" {
		allowedHeaders = "Content-Type, Accept, " + ParticipantHeader
	}
	w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
	w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Type, Content-Length, Retry-After")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.URL.Path == "/healthz" {
		s.mux.ServeHTTP(w, r)
		return
	}

	participant, err := s.auth(r)
	if err != nil {
		s.log.Warn("authentication failed", logKeyError, err)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	s.mux.ServeHTTP(w, r.WithContext(withParticipant(r.Context(), participant)))
}
