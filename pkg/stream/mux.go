// Package stream simulates independent conversations over one physical
// channel by cycling a small identifier. It is pure state and knows nothing
// about the channel underneath.
package stream

// DefaultCount is the number of simulated streams when none is configured.
const DefaultCount = 5

// ID identifies one logical conversation.
type ID uint32

// Multiplexer hands out stream ids in [0, N) round-robin.
// Not safe for concurrent use; each Initiator owns its own.
type Multiplexer struct {
	n       uint32
	current uint32
}

// NewMultiplexer returns a Multiplexer over n streams. n < 1 selects DefaultCount.
func NewMultiplexer(n int) *Multiplexer {
	if n < 1 {
		n = DefaultCount
	}
	return &Multiplexer{n: uint32(n)}
}

// Next returns the current id, then advances modulo N.
func (m *Multiplexer) Next() ID {
	id := m.current
	m.current = (m.current + 1) % m.n
	return ID(id)
}

// Peek returns the id the next call to Next will hand out.
func (m *Multiplexer) Peek() ID { return ID(m.current) }

// Count is N.
func (m *Multiplexer) Count() int { return int(m.n) }
