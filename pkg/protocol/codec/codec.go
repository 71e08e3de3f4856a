// Package codec provides the encoders used for structured side outputs
// such as the event journal. The ping/pong wire format itself is plain
// text and lives in the parent package.
package codec

import (
	"fmt"
	"strings"
)

// Codec marshals typed values. Implementations must be deterministic.
type Codec interface {
	Name() string
	ContentType() string
	// Binary reports whether encoded values may contain newlines and so
	// need explicit framing when concatenated.
	Binary() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps names and content types to codecs.
type Registry struct{ byKey map[string]Codec }

// NewRegistry returns a registry preloaded with JSON, CBOR and Protobuf.
func NewRegistry() (*Registry, error) {
	r := &Registry{byKey: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(Proto())
	cb, err := CBOR()
	if err != nil {
		return nil, err
	}
	r.Register(cb)
	return r, nil
}

// Register adds c under its name and content type.
func (r *Registry) Register(c Codec) {
	r.byKey[c.Name()] = c
	r.byKey[c.ContentType()] = c
}

// Get returns a codec by name or content type, or nil.
func (r *Registry) Get(key string) Codec { return r.byKey[strings.ToLower(strings.TrimSpace(key))] }

// Lookup is Get with an error for unknown keys.
func (r *Registry) Lookup(key string) (Codec, error) {
	if c := r.Get(key); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("codec: unknown format %q", key)
}
