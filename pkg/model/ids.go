// Package model holds the data types shared by the wave server and its
// clients: wavelet names, hashed versions, operations, deltas, delta records
// and the applied wavelet state.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// WaveID identifies a wave, a collection of related wavelets.
type WaveID string

// WaveletID identifies a wavelet inside its wave. Wavelet ids carry the
// domain of the hosting server as "domain!local".
type WaveletID string

// ParticipantID is a participant address of the form "user@domain". The
// address "@domain" is the shared-domain participant.
type ParticipantID string

// Domain returns the domain part of the wavelet id, or "" if the id has no
// domain prefix.
func (id WaveletID) Domain() string {
	domain, _, found := strings.Cut(string(id), "!")
	if !found {
		return ""
	}
	return domain
}

// Domain returns the domain part of the participant address.
func (p ParticipantID) Domain() string {
	_, domain, _ := strings.Cut(string(p), "@")
	return domain
}

// IsSharedDomain reports whether p is the shared-domain participant
// "@domain".
func (p ParticipantID) IsSharedDomain() bool {
	return strings.HasPrefix(string(p), "@") && len(p) > 1
}

// Validate checks that p is a well formed participant address.
func (p ParticipantID) Validate() error {
	user, domain, found := strings.Cut(string(p), "@")
	if !found || domain == "" {
		return fmt.Errorf("participant %q: missing domain", string(p))
	}
	if strings.ContainsAny(user, "@ ") || strings.ContainsAny(domain, "@ ") {
		return fmt.Errorf("participant %q: invalid characters", string(p))
	}
	return nil
}

// SharedDomainParticipant returns the participant that grants access to
// every user of the domain.
func SharedDomainParticipant(domain string) ParticipantID {
	return ParticipantID("@" + domain)
}

// WaveletName is the stable identity of one wavelet.
type WaveletName struct {
	WaveID    WaveID    `json:"waveId"`
	WaveletID WaveletID `json:"waveletId"`
}

// NewWaveletName builds a WaveletName.
func NewWaveletName(wave WaveID, wavelet WaveletID) WaveletName {
	return WaveletName{WaveID: wave, WaveletID: wavelet}
}

// ErrInvalidWaveletName is returned when a wavelet name cannot be parsed or
// contains reserved characters.
var ErrInvalidWaveletName = errors.New("invalid wavelet name")

// String renders the name as "wave/wavelet".
func (n WaveletName) String() string {
	return string(n.WaveID) + "/" + string(n.WaveletID)
}

// Validate rejects empty components and the separator characters used in
// storage keys.
func (n WaveletName) Validate() error {
	if n.WaveID == "" || n.WaveletID == "" {
		return fmt.Errorf("%w: %q", ErrInvalidWaveletName, n.String())
	}
	if strings.ContainsAny(string(n.WaveID), "/\x00") ||
		strings.ContainsRune(string(n.WaveletID), 0) {
		return fmt.Errorf("%w: %q", ErrInvalidWaveletName, n.String())
	}
	return nil
}

// ParseWaveletName parses the "wave/wavelet" form produced by String.
func ParseWaveletName(s string) (WaveletName, error) {
	wave, wavelet, found := strings.Cut(s, "/")
	if !found {
		return WaveletName{}, fmt.Errorf("%w: %q", ErrInvalidWaveletName, s)
	}
	name := NewWaveletName(WaveID(wave), WaveletID(wavelet))
	if err := name.Validate(); err != nil {
		return WaveletName{}, err
	}
	return name, nil
}
