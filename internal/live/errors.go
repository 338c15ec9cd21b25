package live

import (
	"errors"
	"fmt"
)

var (
	ErrAuth             = errors.New("live: authentication failed")
	ErrConnectionFailed = errors.New("live: connection failed")
	ErrProtocol         = errors.New("live: protocol error")
	ErrService          = errors.New("live: service error")
	ErrTimeout          = errors.New("live: timeout")

	ErrNotActive     = errors.New("live: no active connection")
	ErrSessionActive = errors.New("live: session already active")
)

type ErrorKind string

const (
	KindAuth             ErrorKind = "auth"
	KindConnectionFailed ErrorKind = "connection_failed"
	KindProtocol         ErrorKind = "protocol"
	KindService          ErrorKind = "service"
	KindTimeout          ErrorKind = "timeout"
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindAuth:
		return ErrAuth
	case KindConnectionFailed:
		return ErrConnectionFailed
	case KindProtocol:
		return ErrProtocol
	case KindService:
		return ErrService
	case KindTimeout:
		return ErrTimeout
	default:
		return nil
	}
}

// Error carries the kind of failure, the service code when there is one, and
// the underlying cause. errors.Is matches both the kind's sentinel and Err.
type Error struct {
	Kind    ErrorKind
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("live %s (%d): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("live %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func newError(kind ErrorKind, code int, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: cause}
}

// CodeOf returns the service code carried by err, or 0.
func CodeOf(err error) int {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return 0
}

// KindOf reports the taxonomy kind of err, or "" if it has none.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	for _, k := range []ErrorKind{KindAuth, KindConnectionFailed, KindProtocol, KindService, KindTimeout} {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return ""
}
