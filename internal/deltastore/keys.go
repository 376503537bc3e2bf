package deltastore

const (
	logKeyWavelet = "wavelet"
	logKeyVersion = "version"
)
