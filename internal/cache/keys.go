package cache

const (
	logKeyCache = "cache"
	logKeyKey   = "key"
	logKeyError = "error"
)
