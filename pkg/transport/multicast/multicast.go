// Package multicast is the best-effort channel: IPv4 UDP with requests sent
// to a multicast group and replies sent unicast to the requester.
//
// The responder binds the group port (optionally the group address itself)
// with address reuse and joins the group. The initiator binds an ephemeral
// unicast port and only joins when asked to.
package multicast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"rdsping/pkg/membership"
	"rdsping/pkg/transport"
)

// DefaultTTL keeps requests within a couple of router hops.
const DefaultTTL = 2

// Options configures Open.
type Options struct {
	Role transport.Role
	// Local is the initiator's bind address. Ignored by the responder,
	// which binds Group's port.
	Local transport.Endpoint
	// Group is the multicast group address and port requests go to.
	Group transport.Endpoint
	// TTL for outgoing multicast datagrams; 0 means DefaultTTL.
	TTL int
	// Interface for joins and outgoing multicast; nil lets the kernel pick.
	Interface *net.Interface
	// Loopback delivers our own multicast sends to local members.
	Loopback bool
	// JoinOnInitiator makes the initiator join the group too.
	JoinOnInitiator bool
	// BindGroup binds the responder to the group address instead of the
	// wildcard, so only group traffic reaches it.
	BindGroup bool

	// NewManager overrides the IGMP membership manager.
	NewManager func(pc *ipv4.PacketConn, ifi *net.Interface) membership.Manager
}

// Session is an open multicast socket.
type Session struct {
	conn    net.PacketConn
	pc      *ipv4.PacketConn
	local   transport.Endpoint
	tracker *membership.Tracker

	closeOnce sync.Once
	closeErr  error
}

var _ transport.Session = (*Session)(nil)

// Open binds and, for the responder, joins the group. On any failure the
// socket is closed and every membership taken so far is released.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if !opts.Group.IsValid() || !opts.Group.Addr().Is4() || !opts.Group.Addr().IsMulticast() {
		return nil, fmt.Errorf("%w: %s is not an IPv4 multicast endpoint", transport.ErrMembership, opts.Group)
	}
	bind := opts.Local
	if opts.Role == transport.RoleResponder {
		bind = transport.MustEndpoint(fmt.Sprintf("0.0.0.0:%d", opts.Group.Port()))
		if opts.BindGroup {
			bind = opts.Group
		}
	}
	if !bind.IsValid() {
		bind = transport.MustEndpoint("0.0.0.0:0")
	}

	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(ctx, "udp4", bind.String())
	if err != nil {
		return nil, fmt.Errorf("%w: udp %s: %v", transport.ErrBind, bind, err)
	}
	pc := ipv4.NewPacketConn(conn)
	s := &Session{conn: conn, pc: pc, local: transport.EndpointFromNetAddr(conn.LocalAddr())}

	if err := s.configure(opts); err != nil {
		_ = conn.Close()
		return nil, &transport.Error{Op: "setsockopt", Kind: transport.KindUDPMulticast, Endpoint: s.local, Err: err}
	}

	var mgr membership.Manager = membership.NewIPv4(pc, opts.Interface)
	if opts.NewManager != nil {
		mgr = opts.NewManager(pc, opts.Interface)
	}
	s.tracker = membership.NewTracker(mgr)
	if opts.Role == transport.RoleResponder || opts.JoinOnInitiator {
		if _, err := s.tracker.Join(opts.Group.Addr()); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	zap.L().Debug("multicast session open",
		zap.Stringer("role", opts.Role),
		zap.String("local", s.local.String()),
		zap.String("group", opts.Group.String()),
		zap.Int("memberships", s.tracker.Held()))
	return s, nil
}

func (s *Session) configure(opts Options) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := s.pc.SetMulticastTTL(ttl); err != nil {
		return fmt.Errorf("multicast ttl: %w", err)
	}
	if err := s.pc.SetMulticastLoopback(opts.Loopback); err != nil {
		return fmt.Errorf("multicast loopback: %w", err)
	}
	if opts.Interface != nil {
		if err := s.pc.SetMulticastInterface(opts.Interface); err != nil {
			return fmt.Errorf("multicast interface %s: %w", opts.Interface.Name, err)
		}
	}
	return nil
}

func (s *Session) Kind() transport.Kind              { return transport.KindUDPMulticast }
func (s *Session) LocalEndpoint() transport.Endpoint { return s.local }

// Memberships reports how many groups the session currently holds.
func (s *Session) Memberships() int { return s.tracker.Held() }

func (s *Session) Send(ctx context.Context, to transport.Endpoint, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(payload) > transport.MaxPayload {
		return &transport.Error{Op: "send", Kind: transport.KindUDPMulticast, Endpoint: to, Err: transport.ErrOversize}
	}
	dl, _ := ctx.Deadline()
	_ = s.conn.SetWriteDeadline(dl)
	if _, err := s.conn.WriteTo(payload, to.UDPAddr()); err != nil {
		if errors.Is(err, net.ErrClosed) {
			err = transport.ErrClosed
		}
		return &transport.Error{Op: "send", Kind: transport.KindUDPMulticast, Endpoint: to, Err: err}
	}
	return nil
}

func (s *Session) Receive(ctx context.Context, deadline time.Time) ([]byte, transport.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, transport.Endpoint{}, err
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, transport.Endpoint{}, &transport.Error{Op: "receive", Kind: transport.KindUDPMulticast, Err: err}
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, transport.MaxPayload+1)
	n, addr, err := s.conn.ReadFrom(buf)
	if err != nil {
		var ne net.Error
		switch {
		case ctx.Err() != nil:
			return nil, transport.Endpoint{}, ctx.Err()
		case errors.As(err, &ne) && ne.Timeout():
			return nil, transport.Endpoint{}, transport.ErrTimeout
		case errors.Is(err, net.ErrClosed):
			err = transport.ErrClosed
		}
		return nil, transport.Endpoint{}, &transport.Error{Op: "receive", Kind: transport.KindUDPMulticast, Err: err}
	}
	from := transport.EndpointFromNetAddr(addr)
	if n > transport.MaxPayload {
		return nil, from, transport.ErrOversize
	}
	return append([]byte(nil), buf[:n]...), from, nil
}

// Close leaves every held group, then closes the socket. Safe to call
// more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var leaveErr error
		if s.tracker != nil {
			leaveErr = s.tracker.LeaveAll()
		}
		s.closeErr = errors.Join(leaveErr, s.conn.Close())
	})
	return s.closeErr
}
