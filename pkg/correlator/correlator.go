// Package correlator pairs one outbound request with its reply on the
// initiator side. Exactly one exchange is in flight at a time: the
// correlator sends "ping-<id>", arms a deadline, and reads replies until
// one carries the same stream id or the deadline passes. Replies for other
// streams and unparsable datagrams are discarded without touching the
// deadline.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rdsping/pkg/protocol"
	"rdsping/pkg/status"
	"rdsping/pkg/stream"
	"rdsping/pkg/transport"
)

// DefaultTimeout is the response deadline used when none is configured.
const DefaultTimeout = 5 * time.Second

// ErrInFlight is returned when Exchange is called while another exchange
// is pending.
var ErrInFlight = errors.New("correlator: exchange already in flight")

// State of the exchange state machine.
type State int

const (
	Idle State = iota
	Sent
	Matched
	TimedOut
	TransportFailed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sent:
		return "sent"
	case Matched:
		return "matched"
	case TimedOut:
		return "timed_out"
	case TransportFailed:
		return "transport_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state ends the initiator loop.
func (s State) Terminal() bool { return s == TimedOut || s == TransportFailed }

// PendingExchange is the record of the request currently awaiting a reply.
type PendingExchange struct {
	Stream   stream.ID
	SentAt   time.Time
	Deadline time.Time
}

// Outcome describes how one exchange ended.
type Outcome struct {
	State      State
	Stream     stream.ID
	SentAt     time.Time
	Deadline   time.Time
	ReceivedAt time.Time
	From       transport.Endpoint
	RTT        time.Duration
	// Discarded counts replies dropped while waiting (other streams or malformed).
	Discarded int
	Err       error
}

// Options tunes a Correlator.
type Options struct {
	// Timeout is the response deadline; zero means DefaultTimeout.
	Timeout time.Duration
	// Now stamps send and receive times and decides lateness. Defaults to time.Now.
	Now  func() time.Time
	Sink status.Sink
}

// Correlator runs exchanges against one peer over one session.
type Correlator struct {
	sess    transport.Session
	peer    transport.Endpoint
	timeout time.Duration
	now     func() time.Time
	events  status.Emitter

	state   State
	pending *PendingExchange
}

func New(sess transport.Session, peer transport.Endpoint, opts Options) *Correlator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Correlator{
		sess:    sess,
		peer:    peer,
		timeout: opts.Timeout,
		now:     opts.Now,
		events: status.Emitter{
			Sink:      opts.Sink,
			Role:      transport.RoleInitiator,
			Transport: sess.Kind(),
			Now:       opts.Now,
		},
	}
}

// State returns Sent while an exchange is pending and Idle otherwise.
func (c *Correlator) State() State { return c.state }

// Pending returns the in-flight exchange, if any.
func (c *Correlator) Pending() (PendingExchange, bool) {
	if c.pending == nil {
		return PendingExchange{}, false
	}
	return *c.pending, true
}

// Exchange sends the request for id and waits for its reply.
//
// It returns a nil error only for Matched. A timeout returns an error
// wrapping transport.ErrTimeout, a channel failure the transport error,
// and cancellation ctx.Err(); in every case the correlator is Idle again
// on return.
func (c *Correlator) Exchange(ctx context.Context, id stream.ID) (Outcome, error) {
	if c.state != Idle {
		return Outcome{State: c.state, Stream: id, Err: ErrInFlight}, ErrInFlight
	}
	defer func() {
		c.state = Idle
		c.pending = nil
	}()

	req := protocol.Request(id)
	sentAt := c.now()
	if err := c.sess.Send(ctx, c.peer, req); err != nil {
		if ctx.Err() != nil {
			return Outcome{State: Idle, Stream: id, Err: ctx.Err()}, ctx.Err()
		}
		c.events.Emit(status.Event{Kind: status.KindError, Stream: id, HasStream: true, Peer: c.peer, Err: err, Note: "send"})
		return Outcome{State: TransportFailed, Stream: id, SentAt: sentAt, Err: err}, err
	}
	p := &PendingExchange{Stream: id, SentAt: sentAt, Deadline: sentAt.Add(c.timeout)}
	c.pending = p
	c.state = Sent
	c.events.Emit(status.Event{Kind: status.KindSend, Stream: id, HasStream: true, Local: c.sess.LocalEndpoint(), Peer: c.peer, Payload: string(req)})

	out := Outcome{State: Sent, Stream: id, SentAt: sentAt, Deadline: p.Deadline}
	for {
		if !c.now().Before(p.Deadline) {
			return c.timedOut(out)
		}
		payload, from, err := c.sess.Receive(ctx, p.Deadline)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrTimeout):
			return c.timedOut(out)
		case errors.Is(err, transport.ErrMalformedMessage):
			out.Discarded++
			c.events.Emit(status.Event{Kind: status.KindMalformed, Stream: id, HasStream: true, Peer: from, Err: err})
			continue
		case ctx.Err() != nil:
			out.State = Idle
			out.Err = ctx.Err()
			c.events.Emit(status.Event{Kind: status.KindAbandoned, Stream: id, HasStream: true, Peer: c.peer, Err: out.Err})
			return out, out.Err
		default:
			out.State = TransportFailed
			out.Err = err
			c.events.Emit(status.Event{Kind: status.KindError, Stream: id, HasStream: true, Peer: c.peer, Err: err, Note: "receive"})
			return out, err
		}

		receivedAt := c.now()
		c.events.Emit(status.Event{Kind: status.KindReceive, Stream: id, HasStream: true, Peer: from, Payload: string(payload)})
		if !receivedAt.Before(p.Deadline) {
			return c.timedOut(out)
		}
		tag, err := protocol.Parse(payload)
		if err != nil {
			out.Discarded++
			c.events.Emit(status.Event{Kind: status.KindMalformed, Stream: id, HasStream: true, Peer: from, Payload: string(payload), Err: err})
			continue
		}
		if tag.Kind != protocol.KindResponse || tag.Stream != id {
			out.Discarded++
			c.events.Emit(status.Event{
				Kind: status.KindDiscarded, Stream: id, HasStream: true, Peer: from, Payload: string(payload),
				Note: fmt.Sprintf("awaiting %s, got %s", protocol.Tag{Kind: protocol.KindResponse, Stream: id}, tag),
			})
			continue
		}

		out.State = Matched
		out.ReceivedAt = receivedAt
		out.From = from
		out.RTT = receivedAt.Sub(sentAt)
		c.events.Emit(status.Event{Kind: status.KindMatched, Stream: id, HasStream: true, Peer: from, Payload: string(payload), RTT: out.RTT})
		return out, nil
	}
}

func (c *Correlator) timedOut(out Outcome) (Outcome, error) {
	out.State = TimedOut
	out.Err = fmt.Errorf("%w: stream %d after %s", transport.ErrTimeout, out.Stream, c.timeout)
	c.events.Emit(status.Event{Kind: status.KindTimeout, Stream: out.Stream, HasStream: true, Peer: c.peer, Err: out.Err})
	return out, out.Err
}
