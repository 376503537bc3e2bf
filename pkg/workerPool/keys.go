package workerpool

const (
	logKeyPool  = "pool"
	logKeyPanic = "panic"
)
