package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTransportUnavailable = errors.New("transport: channel not supported on this host")
	ErrBind                 = errors.New("transport: could not bind local endpoint")
	ErrMembership           = errors.New("transport: multicast membership failed")
	ErrTimeout              = errors.New("transport: response deadline exceeded")
	ErrClosed               = errors.New("transport: session closed")
	ErrMalformedMessage     = errors.New("protocol: malformed message")

	// ErrOversize is returned by Receive for datagrams longer than
	// MaxPayload; the payload is dropped.
	ErrOversize = fmt.Errorf("%w: datagram exceeds receive buffer", ErrMalformedMessage)
)

// Error is any send/receive failure that is not one of the startup classes.
type Error struct {
	Op       string
	Kind     Kind
	Endpoint Endpoint
	Err      error
}

func (e *Error) Error() string {
	if e.Endpoint.IsValid() {
		return fmt.Sprintf("transport: %s %s %s: %v", e.Kind, e.Op, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UnavailableError reports a channel the host cannot provide, together
// with what an operator can do about it.
type UnavailableError struct {
	Kind     Kind
	Guidance []string
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("transport: %s unavailable: %v", e.Kind, e.Err)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrTransportUnavailable, e.Err} }

// Guidance extracts operator hints from err, if it carries any.
func Guidance(err error) []string {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return ue.Guidance
	}
	return nil
}

// Class is the error taxonomy reported on the status channel.
type Class int

const (
	ClassNone Class = iota
	ClassUnavailable
	ClassBind
	ClassMembership
	ClassTimeout
	ClassMalformed
	ClassCanceled
	ClassTransport
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassUnavailable:
		return "transport_unavailable"
	case ClassBind:
		return "bind"
	case ClassMembership:
		return "membership"
	case ClassTimeout:
		return "timeout"
	case ClassMalformed:
		return "malformed"
	case ClassCanceled:
		return "canceled"
	default:
		return "transport"
	}
}

// Classify maps err onto the taxonomy.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, ErrTransportUnavailable):
		return ClassUnavailable
	case errors.Is(err, ErrBind):
		return ClassBind
	case errors.Is(err, ErrMembership):
		return ClassMembership
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrMalformedMessage):
		return ClassMalformed
	default:
		return ClassTransport
	}
}
