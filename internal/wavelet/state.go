package wavelet

import "fmt"

// State is the lifecycle state of a container.
//
//	LOADING -> OK
//	LOADING -> INDEXING -> OK
//	OK -> CLOSING -> CLOSED
//	any -> CORRUPTED
type State int32

const (
	StateLoading State = iota
	StateIndexing
	StateOK
	StateClosing
	StateClosed
	StateCorrupted
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "LOADING"
	case StateIndexing:
		return "INDEXING"
	case StateOK:
		return "OK"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateCorrupted:
		return "CORRUPTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// terminal reports whether no transition leaves s.
func (s State) terminal() bool {
	return s == StateClosed || s == StateCorrupted
}
