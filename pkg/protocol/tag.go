// Package protocol implements the rdsping wire format.
//
// A message is UTF-8 text of the form "<kind>-<stream-id>" where kind is
// "ping" for requests and "pong" for responses, e.g. "ping-3". There is no
// length prefix and no checksum; the embedded tag is the only framing.
package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"unicode/utf8"

	"rdsping/pkg/stream"
	"rdsping/pkg/transport"
)

// ErrMalformedMessage is transport.ErrMalformedMessage, re-exported so
// callers that only parse need not import transport.
var ErrMalformedMessage = transport.ErrMalformedMessage

// ErrMissingStreamID is returned for a recognised kind without an id
// segment ("ping", "ping-"). The returned Tag still carries the kind.
var ErrMissingStreamID = fmt.Errorf("%w: missing stream id", ErrMalformedMessage)

// Kind is the message direction.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindResponse
)

// Wire names of the kinds.
const (
	WireRequest  = "ping"
	WireResponse = "pong"
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Wire returns the on-the-wire name of k.
func (k Kind) Wire() string {
	switch k {
	case KindRequest:
		return WireRequest
	case KindResponse:
		return WireResponse
	default:
		return ""
	}
}

// Reply returns the kind answering k.
func (k Kind) Reply() Kind {
	if k == KindRequest {
		return KindResponse
	}
	return KindRequest
}

// Tag is a parsed message.
type Tag struct {
	Kind   Kind
	Stream stream.ID
}

func (t Tag) String() string { return string(Format(t.Kind, t.Stream)) }

// Format renders the wire form of (kind, id).
func Format(kind Kind, id stream.ID) []byte {
	b := make([]byte, 0, 16)
	b = append(b, kind.Wire()...)
	b = append(b, '-')
	return strconv.AppendUint(b, uint64(id), 10)
}

// Request is Format(KindRequest, id).
func Request(id stream.ID) []byte { return Format(KindRequest, id) }

// Response is Format(KindResponse, id).
func Response(id stream.ID) []byte { return Format(KindResponse, id) }

// Parse decodes a wire message. Every failure wraps ErrMalformedMessage.
// Only the first '-' separates kind from id; the id must be a decimal
// uint32 without sign or surrounding whitespace.
func Parse(b []byte) (Tag, error) {
	if len(b) == 0 {
		return Tag{}, fmt.Errorf("%w: empty payload", ErrMalformedMessage)
	}
	if len(b) > transport.MaxPayload {
		return Tag{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformedMessage, len(b), transport.MaxPayload)
	}
	if !utf8.Valid(b) {
		return Tag{}, fmt.Errorf("%w: not utf-8", ErrMalformedMessage)
	}

	head, rest, hasSep := bytes.Cut(b, []byte{'-'})
	var t Tag
	switch string(head) {
	case WireRequest:
		t.Kind = KindRequest
	case WireResponse:
		t.Kind = KindResponse
	default:
		return Tag{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, truncate(head))
	}

	if !hasSep || len(rest) == 0 {
		return t, ErrMissingStreamID
	}
	for _, c := range rest {
		if c < '0' || c > '9' {
			return Tag{}, fmt.Errorf("%w: bad stream id %q", ErrMalformedMessage, truncate(rest))
		}
	}
	id, err := strconv.ParseUint(string(rest), 10, 32)
	if err != nil {
		return Tag{}, fmt.Errorf("%w: bad stream id %q", ErrMalformedMessage, truncate(rest))
	}
	t.Stream = stream.ID(id)
	return t, nil
}

func truncate(b []byte) string {
	const max = 32
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
