package apiServer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

const (
	logKeyError       = "error"
	logKeyParticipant = "participant"
)

// indexingRetryAfter is the Retry-After hint, in seconds, sent while a
// wavelet is being reindexed.
const indexingRetryAfter = 2

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("failed to encode response", logKeyError, err)
	}
}

// httpStatus maps a response code onto the closest HTTP status.
func httpStatus(code rpc.ResponseCode) int {
	switch code {
	case rpc.OK:
		return http.StatusOK
	case rpc.NotAuthorized, rpc.NotLoggedIn:
		return http.StatusForbidden
	case rpc.BadRequest, rpc.VersionError, rpc.InvalidOperation, rpc.SchemaViolation:
		return http.StatusBadRequest
	case rpc.NotExists, rpc.Unsubscribed:
		return http.StatusNotFound
	case rpc.IndexingInProcess, rpc.TooOld:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	e := rpc.AsError(err)
	status := httpStatus(e.Code)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", logKeyError, err)
	}
	if e.Code == rpc.IndexingInProcess {
		w.Header().Set("Retry-After", strconv.Itoa(indexingRetryAfter))
	}
	var payload *rpc.Error
	if !errors.As(err, &payload) {
		payload = &rpc.Error{Code: e.Code, Message: http.StatusText(status)}
	}
	writeJSON(w, status, payload)
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

func WithAuth(auth AuthFunc) Option {
	return func(s *Server) {
		if auth != nil {
			s.auth = auth
		}
	}
}
