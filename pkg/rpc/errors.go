package rpc

import (
	"errors"
	"fmt"
)

// Error is a failed request: a response code and a message for humans.
type Error struct {
	Code    ResponseCode `json:"code"`
	Message string       `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func Errorf(code ResponseCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewIndexingInProcess reports a wavelet that is still being reindexed.
// The message carries "<total> <indexed>".
func NewIndexingInProcess(total, indexed int64) *Error {
	return &Error{Code: IndexingInProcess, Message: fmt.Sprintf("%d %d", total, indexed)}
}

// IndexingProgress parses the progress of an INDEXING_IN_PROCESS error.
func (e *Error) IndexingProgress() (total, indexed int64, ok bool) {
	if e.Code != IndexingInProcess {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(e.Message, "%d %d", &total, &indexed); err != nil {
		return 0, 0, false
	}
	return total, indexed, true
}

// AsError returns err as an *Error. Errors of other types become
// INTERNAL_ERROR.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: InternalError, Message: err.Error()}
}

// CodeOf returns the response code for err.
func CodeOf(err error) ResponseCode {
	if err == nil {
		return OK
	}
	return AsError(err).Code
}
