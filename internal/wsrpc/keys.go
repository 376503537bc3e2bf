package wsrpc

const (
	logKeyConnection  = "connection"
	logKeyParticipant = "participant"
	logKeyError       = "error"
)
