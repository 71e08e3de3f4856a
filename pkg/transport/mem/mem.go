// Package mem is an in-process datagram network. It stands in for both
// channel variants in tests: sessions bind endpoints on a shared Network,
// unicast delivers to the bound session and multicast delivers to every
// session that joined the group on the destination port.
package mem

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"rdsping/pkg/membership"
	"rdsping/pkg/transport"
)

const firstEphemeral = 40000

// Network is a set of bound sessions. The zero value is not usable; use NewNetwork.
type Network struct {
	mu       sync.Mutex
	bound    map[netip.AddrPort]*Session
	nextPort uint16

	// Drop, when set, is consulted for every delivery; returning true
	// loses the datagram silently.
	Drop func(from, to transport.Endpoint, payload []byte) bool
	// RefuseUnbound makes Send fail when nothing is bound at the
	// destination instead of dropping the datagram.
	RefuseUnbound bool
	// FailJoin makes every membership join fail.
	FailJoin bool
}

func NewNetwork() *Network {
	return &Network{bound: make(map[netip.AddrPort]*Session), nextPort: firstEphemeral}
}

type datagram struct {
	payload []byte
	from    transport.Endpoint
}

// Listen binds a session at local. Port 0 picks an ephemeral port.
func (n *Network) Listen(local transport.Endpoint) (*Session, error) {
	if !local.IsValid() {
		return nil, fmt.Errorf("%w: invalid local endpoint", transport.ErrBind)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if local.Port() == 0 {
		for {
			cand := local.WithPort(n.nextPort)
			n.nextPort++
			if _, taken := n.bound[cand.AddrPort()]; !taken {
				local = cand
				break
			}
		}
	}
	if _, taken := n.bound[local.AddrPort()]; taken {
		return nil, fmt.Errorf("%w: mem %s already in use", transport.ErrBind, local)
	}
	s := &Session{
		net:     n,
		local:   local,
		rx:      make(chan datagram, 64),
		closeCh: make(chan struct{}),
		groups:  make(map[netip.Addr]int),
	}
	n.bound[local.AddrPort()] = s
	return s, nil
}

func (n *Network) deliver(from, to transport.Endpoint, payload []byte) error {
	n.mu.Lock()
	var targets []*Session
	if to.Addr().IsMulticast() {
		for _, s := range n.bound {
			if s.local.Port() == to.Port() && s.member(to.Addr()) {
				targets = append(targets, s)
			}
		}
	} else if s := n.bound[to.AddrPort()]; s != nil {
		targets = append(targets, s)
	} else if unspec := n.bound[netip.AddrPortFrom(netip.IPv4Unspecified(), to.Port())]; unspec != nil {
		targets = append(targets, unspec)
	}
	drop := n.Drop
	refuse := n.RefuseUnbound
	n.mu.Unlock()

	if len(targets) == 0 && refuse && !to.Addr().IsMulticast() {
		return fmt.Errorf("mem: nothing bound at %s", to)
	}
	for _, s := range targets {
		if drop != nil && drop(from, to, payload) {
			continue
		}
		dg := datagram{payload: append([]byte(nil), payload...), from: from}
		select {
		case s.rx <- dg:
		case <-s.closeCh:
		default:
			// receive queue full: best effort, like a kernel socket buffer
		}
	}
	return nil
}

// Session is a bound mem endpoint.
type Session struct {
	net   *Network
	local transport.Endpoint
	rx    chan datagram

	mu        sync.Mutex
	groups    map[netip.Addr]int
	closed    bool
	closeCh   chan struct{}
	closeOnce sync.Once
}

var _ transport.Session = (*Session)(nil)
var _ membership.Manager = (*Session)(nil)

func (s *Session) Kind() transport.Kind              { return transport.KindMem }
func (s *Session) LocalEndpoint() transport.Endpoint { return s.local }

func (s *Session) Send(ctx context.Context, to transport.Endpoint, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return &transport.Error{Op: "send", Kind: transport.KindMem, Endpoint: to, Err: transport.ErrClosed}
	}
	if err := s.net.deliver(s.local, to, payload); err != nil {
		return &transport.Error{Op: "send", Kind: transport.KindMem, Endpoint: to, Err: err}
	}
	return nil
}

func (s *Session) Receive(ctx context.Context, deadline time.Time) ([]byte, transport.Endpoint, error) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			// Drain whatever is already queued before reporting a timeout.
			select {
			case dg := <-s.rx:
				return s.accept(dg)
			default:
				return nil, transport.Endpoint{}, transport.ErrTimeout
			}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case dg := <-s.rx:
		return s.accept(dg)
	case <-s.closeCh:
		return nil, transport.Endpoint{}, &transport.Error{Op: "receive", Kind: transport.KindMem, Err: transport.ErrClosed}
	case <-ctx.Done():
		return nil, transport.Endpoint{}, ctx.Err()
	case <-timeout:
		return nil, transport.Endpoint{}, transport.ErrTimeout
	}
}

func (s *Session) accept(dg datagram) ([]byte, transport.Endpoint, error) {
	if len(dg.payload) > transport.MaxPayload {
		return nil, dg.from, transport.ErrOversize
	}
	return dg.payload, dg.from, nil
}

// Inject queues a datagram as if from had sent it.
func (s *Session) Inject(from transport.Endpoint, payload []byte) {
	s.rx <- datagram{payload: append([]byte(nil), payload...), from: from}
}

// Join implements membership.Manager on the mem network.
func (s *Session) Join(group netip.Addr) (*membership.Membership, error) {
	if s.net.FailJoin {
		return nil, errors.New("mem: join refused")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, transport.ErrClosed
	}
	s.groups[group]++
	return &membership.Membership{Group: group}, nil
}

// Leave implements membership.Manager.
func (s *Session) Leave(m *membership.Membership) error {
	if !m.Active() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups[m.Group] > 1 {
		s.groups[m.Group]--
	} else {
		delete(s.groups, m.Group)
	}
	return nil
}

func (s *Session) member(g netip.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[g] > 0
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close unbinds the session. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.closeCh)
		s.net.mu.Lock()
		if s.net.bound[s.local.AddrPort()] == s {
			delete(s.net.bound, s.local.AddrPort())
		}
		s.net.mu.Unlock()
	})
	return nil
}
