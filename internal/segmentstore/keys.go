package segmentstore

const (
	logKeyWavelet  = "wavelet"
	logKeyVersion  = "version"
	logKeySegments = "segments"
)
