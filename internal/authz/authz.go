// Package authz decides which participants may read and write a wavelet.
package authz

import (
	"slices"

	"github.com/i5heu/ouroboros-wave/pkg/model"
)

// Policy decides access to a wavelet given its current participants. empty
// reports whether the wavelet has no history yet.
type Policy interface {
	CanAccess(p model.ParticipantID, participants []model.ParticipantID, empty bool) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(p model.ParticipantID, participants []model.ParticipantID, empty bool) bool

func (f PolicyFunc) CanAccess(p model.ParticipantID, participants []model.ParticipantID, empty bool) bool {
	return f(p, participants, empty)
}

// DomainPolicy grants access to explicit participants, to every user of a
// domain whose shared-domain participant was added, and to users of Domain
// on a wavelet that has no history yet.
type DomainPolicy struct {
	Domain string
}

func (d DomainPolicy) CanAccess(p model.ParticipantID, participants []model.ParticipantID, empty bool) bool {
	if slices.Contains(participants, p) {
		return true
	}
	domain := p.Domain()
	if domain == "" {
		return false
	}
	if slices.Contains(participants, model.SharedDomainParticipant(domain)) {
		return true
	}
	return empty && len(participants) == 0 && domain == d.Domain
}

// Members grants access to explicit participants only.
var Members Policy = PolicyFunc(func(p model.ParticipantID, participants []model.ParticipantID, _ bool) bool {
	return slices.Contains(participants, p)
})

// CanAccessData applies policy to the current state of a wavelet.
func CanAccessData(policy Policy, p model.ParticipantID, data *model.WaveletData) bool {
	return policy.CanAccess(p, data.Participants, data.IsEmpty())
}
