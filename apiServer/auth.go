package apiServer

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/i5heu/ouroboros-wave/pkg/model"
)

// ParticipantHeader names the participant of a request under HeaderAuth.
const ParticipantHeader = "X-Wave-Participant"

// AuthFunc authenticates a request and returns the participant acting.
type AuthFunc func(r *http.Request) (model.ParticipantID, error)

// HeaderAuth trusts the participant named in ParticipantHeader. It is meant
// for deployments behind an authenticating proxy.
func HeaderAuth(r *http.Request) (model.ParticipantID, error) {
	value := strings.TrimSpace(r.Header.Get(ParticipantHeader))
	if value == "" {
		return "", fmt.Errorf("missing %s header", ParticipantHeader)
	}
	p := model.ParticipantID(value)
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p, nil
}

type participantKey struct{}

func withParticipant(ctx context.Context, p model.ParticipantID) context.Context {
	return context.WithValue(ctx, participantKey{}, p)
}

func participantFrom(ctx context.Context) model.ParticipantID {
	p, _ := ctx.Value(participantKey{}).(model.ParticipantID)
	return p
}
