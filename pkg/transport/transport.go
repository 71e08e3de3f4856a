package transport

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Mode selects the delivery guarantees a role runs with.
type Mode int

const (
	ModeReliable Mode = iota
	ModeMulticast
)

func (m Mode) String() string {
	switch m {
	case ModeReliable:
		return "reliable"
	case ModeMulticast:
		return "multicast"
	default:
		return "unknown"
	}
}

// ParseMode accepts the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reliable", "unicast", "rds":
		return ModeReliable, nil
	case "multicast", "mcast", "udp":
		return ModeMulticast, nil
	default:
		return 0, fmt.Errorf("transport: unknown mode %q", s)
	}
}

// Kind identifies the concrete channel behind a Session.
type Kind int

const (
	KindUnknown Kind = iota
	KindRDS
	KindQUIC
	KindUDPMulticast
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindRDS:
		return "rds"
	case KindQUIC:
		return "quic"
	case KindUDPMulticast:
		return "udp-multicast"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// Reliable reports whether the kind guarantees ordered, once-per-attempt
// delivery between two bound endpoints.
func (k Kind) Reliable() bool {
	return k == KindRDS || k == KindQUIC
}

// Role is the side of the exchange a Session is opened for. Multicast
// channels bind and join differently depending on it.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "initiator"
}

// Session is one role's open channel.
//
// Receive blocks until a datagram arrives, the deadline passes (ErrTimeout),
// ctx is done, or the channel fails. A zero deadline means no deadline.
// Sessions are not safe for concurrent Receive calls; the roles never need
// that.
type Session interface {
	Kind() Kind
	LocalEndpoint() Endpoint
	Send(ctx context.Context, to Endpoint, payload []byte) error
	Receive(ctx context.Context, deadline time.Time) ([]byte, Endpoint, error)
	Close() error
}

// MaxPayload is the receive buffer contract: anything longer is truncated
// on the wire and reported as oversize by the sessions.
const MaxPayload = 1024
