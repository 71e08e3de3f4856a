//go:build linux

package rds

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"rdsping/pkg/transport"
)

// pollSlice bounds each poll so cancellation and Close are noticed.
const pollSlice = 100 * time.Millisecond

// Session is an open RDS socket.
type Session struct {
	local transport.Endpoint

	mu     sync.Mutex
	fd     int
	closed bool
}

var _ transport.Session = (*Session)(nil)

// Listen opens an RDS socket bound to local. RDS needs a concrete local
// address; port 0 lets the kernel pick.
func Listen(local transport.Endpoint) (*Session, error) {
	sa, err := sockaddr(local)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrBind, err)
	}
	fd, err := unix.Socket(unix.AF_RDS, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		switch {
		case errors.Is(err, unix.EAFNOSUPPORT), errors.Is(err, unix.EPROTONOSUPPORT),
			errors.Is(err, unix.ESOCKTNOSUPPORT), errors.Is(err, unix.EPERM):
			return nil, unavailable(fmt.Errorf("socket(AF_RDS): %w", err))
		}
		return nil, &transport.Error{Op: "socket", Kind: transport.KindRDS, Err: err}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		if errors.Is(err, unix.EADDRNOTAVAIL) && local.Addr().IsUnspecified() {
			return nil, fmt.Errorf("%w: rds cannot bind the wildcard address, use an interface address: %v", transport.ErrBind, err)
		}
		return nil, fmt.Errorf("%w: rds %s: %v", transport.ErrBind, local, err)
	}
	if local.Port() == 0 {
		if sa, err := unix.Getsockname(fd); err == nil {
			local = endpointOf(sa)
		}
	}
	zap.L().Debug("rds socket bound", zap.String("local", local.String()), zap.Int("fd", fd))
	return &Session{fd: fd, local: local}, nil
}

func (s *Session) Kind() transport.Kind              { return transport.KindRDS }
func (s *Session) LocalEndpoint() transport.Endpoint { return s.local }

func (s *Session) Send(ctx context.Context, to transport.Endpoint, payload []byte) error {
	if len(payload) > transport.MaxPayload {
		return &transport.Error{Op: "send", Kind: transport.KindRDS, Endpoint: to, Err: transport.ErrOversize}
	}
	sa, err := sockaddr(to)
	if err != nil {
		return &transport.Error{Op: "send", Kind: transport.KindRDS, Endpoint: to, Err: err}
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fd, err := s.descriptor()
		if err != nil {
			return &transport.Error{Op: "send", Kind: transport.KindRDS, Endpoint: to, Err: err}
		}
		err = unix.Sendto(fd, payload, 0, sa)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.EINTR):
			// congestion on the destination port; wait for room
			if err := s.wait(fd, unix.POLLOUT, time.Time{}); err != nil {
				return &transport.Error{Op: "send", Kind: transport.KindRDS, Endpoint: to, Err: err}
			}
		default:
			return &transport.Error{Op: "send", Kind: transport.KindRDS, Endpoint: to, Err: err}
		}
	}
}

func (s *Session) Receive(ctx context.Context, deadline time.Time) ([]byte, transport.Endpoint, error) {
	buf := make([]byte, recvBuffer)
	for {
		if err := ctx.Err(); err != nil {
			return nil, transport.Endpoint{}, err
		}
		fd, err := s.descriptor()
		if err != nil {
			return nil, transport.Endpoint{}, &transport.Error{Op: "receive", Kind: transport.KindRDS, Err: err}
		}
		n, from, err := unix.Recvfrom(fd, buf, 0)
		switch {
		case err == nil:
			src := endpointOf(from)
			if n > transport.MaxPayload {
				return nil, src, transport.ErrOversize
			}
			return append([]byte(nil), buf[:n]...), src, nil
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			if err := s.wait(fd, unix.POLLIN, deadline); err != nil {
				return nil, transport.Endpoint{}, err
			}
		default:
			return nil, transport.Endpoint{}, &transport.Error{Op: "receive", Kind: transport.KindRDS, Err: err}
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, transport.Endpoint{}, transport.ErrTimeout
		}
	}
}

// wait polls fd for one slice. It returns ErrTimeout once the deadline
// has passed and ErrClosed when the session closed meanwhile.
func (s *Session) wait(fd int, events int16, deadline time.Time) error {
	slice := pollSlice
	if !deadline.IsZero() {
		left := time.Until(deadline)
		if left <= 0 {
			return transport.ErrTimeout
		}
		if left < slice {
			slice = left
		}
	}
	ms := int(slice / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(fds, ms)
	if err != nil && !errors.Is(err, unix.EINTR) {
		return &transport.Error{Op: "poll", Kind: transport.KindRDS, Err: err}
	}
	if _, err := s.descriptor(); err != nil {
		return &transport.Error{Op: "poll", Kind: transport.KindRDS, Err: err}
	}
	if n > 0 && fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return &transport.Error{Op: "poll", Kind: transport.KindRDS, Err: fmt.Errorf("socket error (revents %#x)", fds[0].Revents)}
	}
	return nil
}

func (s *Session) descriptor() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1, transport.ErrClosed
	}
	return s.fd, nil
}

// Close releases the socket. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

// errNotIPv4 is returned for endpoints RDS cannot address.
var errNotIPv4 = errors.New("rds addresses IPv4 endpoints only")

func sockaddr(ep transport.Endpoint) (*unix.SockaddrInet4, error) {
	if !ep.IsValid() || !ep.Addr().Is4() {
		return nil, fmt.Errorf("%w: %s", errNotIPv4, ep)
	}
	return &unix.SockaddrInet4{Port: int(ep.Port()), Addr: ep.Addr().As4()}, nil
}

func endpointOf(sa unix.Sockaddr) transport.Endpoint {
	if in, ok := sa.(*unix.SockaddrInet4); ok {
		return transport.EndpointFrom(netip.AddrPortFrom(netip.AddrFrom4(in.Addr), uint16(in.Port)))
	}
	return transport.Endpoint{}
}
