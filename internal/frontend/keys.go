package frontend

const (
	logKeyWavelet     = "wavelet"
	logKeyChannel     = "channel"
	logKeyConnection  = "connection"
	logKeyParticipant = "participant"
	logKeyVersion     = "version"
	logKeyError       = "error"
)
