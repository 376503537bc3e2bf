package keyValStore

const (
	logKeyPath    = "path"
	logKeyFsType  = "fsType"
	logKeyTotalGB = "totalGB"
	logKeyUsedGB  = "usedGB"
	logKeyFreeGB  = "freeGB"
	logKeyDBGB    = "dbGB"
	logKeyError   = "error"
)
