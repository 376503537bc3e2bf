package rpc

import (
	"fmt"
)

// ResponseCode is the outcome of a request as seen by the client.
type ResponseCode int

const (
	OK ResponseCode = iota
	BadRequest
	InternalError
	NotAuthorized
	VersionError
	TooOld
	InvalidOperation
	SchemaViolation
	SizeLimitExceeded
	PolicyViolation
	Quarantined
	NotExists
	AlreadyExists
	NotLoggedIn
	Unsubscribed
	IndexingInProcess
)

var codeNames = [...]string{
	OK:                "OK",
	BadRequest:        "BAD_REQUEST",
	InternalError:     "INTERNAL_ERROR",
	NotAuthorized:     "NOT_AUTHORIZED",
	VersionError:      "VERSION_ERROR",
	TooOld:            "TOO_OLD",
	InvalidOperation:  "INVALID_OPERATION",
	SchemaViolation:   "SCHEMA_VIOLATION",
	SizeLimitExceeded: "SIZE_LIMIT_EXCEEDED",
	PolicyViolation:   "POLICY_VIOLATION",
	Quarantined:       "QUARANTINED",
	NotExists:         "NOT_EXISTS",
	AlreadyExists:     "ALREADY_EXISTS",
	NotLoggedIn:       "NOT_LOGGED_IN",
	Unsubscribed:      "UNSUBSCRIBED",
	IndexingInProcess: "INDEXING_IN_PROCESS",
}

func (c ResponseCode) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("ResponseCode(%d)", int(c))
}

func (c ResponseCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ResponseCode) UnmarshalText(b []byte) error {
	for i, name := range codeNames {
		if name == string(b) {
			*c = ResponseCode(i)
			return nil
		}
	}
	return fmt.Errorf("unknown response code %q", b)
}
