// Package status carries lifecycle events from the roles to whatever
// renders them: console lines, an event journal, metrics.
package status

import (
	"sync"
	"time"

	"rdsping/pkg/stream"
	"rdsping/pkg/transport"
)

// Kind enumerates lifecycle events.
type Kind string

const (
	KindBind      Kind = "bind"
	KindJoin      Kind = "join"
	KindLeave     Kind = "leave"
	KindSend      Kind = "send"
	KindReceive   Kind = "receive"
	KindMatched   Kind = "matched"
	KindDiscarded Kind = "discarded"
	KindMalformed Kind = "malformed"
	KindTimeout   Kind = "timeout"
	KindAbandoned Kind = "abandoned"
	KindError     Kind = "error"
	KindDegraded  Kind = "degraded"
	KindClose     Kind = "close"
)

// Event is one structured status record. Zero fields are omitted by sinks.
type Event struct {
	At        time.Time
	Kind      Kind
	Role      transport.Role
	Transport transport.Kind
	Stream    stream.ID
	HasStream bool
	Local     transport.Endpoint
	Peer      transport.Endpoint
	Payload   string
	RTT       time.Duration
	Err       error
	Note      string
}

// Fields flattens e into a string-keyed map; used by encoders.
func (e Event) Fields() map[string]any {
	f := map[string]any{
		"at":        e.At.UTC().Format(time.RFC3339Nano),
		"kind":      string(e.Kind),
		"role":      e.Role.String(),
		"transport": e.Transport.String(),
	}
	if e.HasStream {
		f["stream"] = uint64(e.Stream)
	}
	if e.Local.IsValid() {
		f["local"] = e.Local.String()
	}
	if e.Peer.IsValid() {
		f["peer"] = e.Peer.String()
	}
	if e.Payload != "" {
		f["payload"] = e.Payload
	}
	if e.RTT > 0 {
		f["rtt_ms"] = float64(e.RTT) / float64(time.Millisecond)
	}
	if e.Err != nil {
		f["error"] = e.Err.Error()
		f["class"] = transport.Classify(e.Err).String()
	}
	if e.Note != "" {
		f["note"] = e.Note
	}
	return f
}

// Sink receives events. Implementations must not block for long; the
// roles emit from their only goroutine.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type discard struct{}

func (discard) Emit(Event) {}

// Discard drops everything.
var Discard Sink = discard{}

// Multi tees events to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var out []Sink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Discard
	case 1:
		return out[0]
	}
	return SinkFunc(func(e Event) {
		for _, s := range out {
			s.Emit(e)
		}
	})
}

// Emitter stamps common fields onto events before handing them to a Sink.
type Emitter struct {
	Sink      Sink
	Role      transport.Role
	Transport transport.Kind
	Now       func() time.Time
}

func (em Emitter) Emit(e Event) {
	if em.Sink == nil {
		return
	}
	if e.At.IsZero() {
		if em.Now != nil {
			e.At = em.Now()
		} else {
			e.At = time.Now()
		}
	}
	e.Role = em.Role
	if e.Transport == transport.KindUnknown {
		e.Transport = em.Transport
	}
	em.Sink.Emit(e)
}

// Recorder keeps every event; safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind k were recorded.
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// OfKind returns the recorded events of kind k.
func (r *Recorder) OfKind(k Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
