package protocol

import "fmt"

// Error reports an envelope that could not be decoded. It is recoverable:
// the receive loop drops the message and keeps reading.
type Error struct {
	Reason string
	Err    error
}

func newError(reason string, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }
