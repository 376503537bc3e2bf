package client

const (
	logKeyWavelet = "wavelet"
	logKeyVersion = "version"
	logKeyOps     = "ops"
	logKeyState   = "state"
	logKeyDelay   = "delay"
	logKeyError   = "error"
)
