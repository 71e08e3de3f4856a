package role

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rdsping/pkg/protocol"
	"rdsping/pkg/status"
	"rdsping/pkg/stream"
	"rdsping/pkg/transport"
)

// Responder answers every request with a response on the same stream id,
// sent back to the request's source endpoint.
type Responder struct {
	sess   transport.Session
	events status.Emitter
	log    *zap.Logger

	served    atomic.Int64
	malformed atomic.Int64
}

func NewResponder(sess transport.Session, sink status.Sink) *Responder {
	return &Responder{
		sess:   sess,
		events: status.Emitter{Sink: sink, Role: transport.RoleResponder, Transport: sess.Kind()},
		log:    zap.L().Named("responder"),
	}
}

// Served is the number of replies sent so far.
func (r *Responder) Served() int { return int(r.served.Load()) }

// Malformed is the number of datagrams dropped as unparsable.
func (r *Responder) Malformed() int { return int(r.malformed.Load()) }

// Run serves until ctx is canceled or the channel fails. Malformed input
// never ends the loop. It returns ctx.Err() on cancellation and the
// transport error otherwise.
func (r *Responder) Run(ctx context.Context) error {
	for {
		payload, from, err := r.sess.Receive(ctx, time.Time{})
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, transport.ErrMalformedMessage):
				r.malformed.Add(1)
				r.events.Emit(status.Event{Kind: status.KindMalformed, Peer: from, Err: err})
				continue
			}
			r.events.Emit(status.Event{Kind: status.KindError, Err: err, Note: "receive"})
			return err
		}
		if err := r.serve(ctx, payload, from); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.events.Emit(status.Event{Kind: status.KindError, Peer: from, Err: err, Note: "send"})
			return err
		}
	}
}

// serve handles one datagram. Only a failed send is returned.
func (r *Responder) serve(ctx context.Context, payload []byte, from transport.Endpoint) error {
	if len(payload) == 0 {
		r.events.Emit(status.Event{Kind: status.KindDiscarded, Peer: from, Note: "empty datagram"})
		return nil
	}
	r.events.Emit(status.Event{Kind: status.KindReceive, Peer: from, Payload: string(payload)})

	tag, err := protocol.Parse(payload)
	var id stream.ID
	switch {
	case err == nil:
		id = tag.Stream
	case errors.Is(err, protocol.ErrMissingStreamID) && tag.Kind == protocol.KindRequest:
		// a request without an id is answered on stream 0
		r.log.Debug("request without stream id", zap.String("peer", from.String()))
	default:
		r.malformed.Add(1)
		r.events.Emit(status.Event{Kind: status.KindMalformed, Peer: from, Payload: string(payload), Err: err})
		return nil
	}
	if tag.Kind != protocol.KindRequest {
		r.events.Emit(status.Event{Kind: status.KindDiscarded, Stream: id, HasStream: true, Peer: from, Payload: string(payload), Note: "not a request"})
		return nil
	}

	reply := protocol.Response(id)
	if err := r.sess.Send(ctx, from, reply); err != nil {
		return err
	}
	r.served.Add(1)
	r.events.Emit(status.Event{Kind: status.KindSend, Stream: id, HasStream: true, Local: r.sess.LocalEndpoint(), Peer: from, Payload: string(reply)})
	return nil
}
