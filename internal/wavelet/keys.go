package wavelet

const (
	logKeyWavelet = "wavelet"
	logKeyVersion = "version"
	logKeyState   = "state"
	logKeyAuthor  = "author"
	logKeyOps     = "ops"
	logKeyTotal   = "total"
	logKeyError   = "error"
)
