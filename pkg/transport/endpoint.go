package transport

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Endpoint is a resolved transport address. The zero value is invalid.
type Endpoint struct {
	ap netip.AddrPort
}

// EndpointFrom wraps an already resolved address, unmapping IPv4-in-IPv6.
func EndpointFrom(ap netip.AddrPort) Endpoint {
	return Endpoint{ap: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}
}

// EndpointFromUDP converts a *net.UDPAddr. A nil address yields the zero Endpoint.
func EndpointFromUDP(a *net.UDPAddr) Endpoint {
	if a == nil {
		return Endpoint{}
	}
	return EndpointFrom(a.AddrPort())
}

// EndpointFromNetAddr converts any UDP-shaped net.Addr.
func EndpointFromNetAddr(a net.Addr) Endpoint {
	switch v := a.(type) {
	case *net.UDPAddr:
		return EndpointFromUDP(v)
	case nil:
		return Endpoint{}
	default:
		ep, err := ResolveEndpoint(a.String())
		if err != nil {
			return Endpoint{}
		}
		return ep
	}
}

// ResolveEndpoint parses "host:port", resolving host names when needed.
// An empty host resolves to the IPv4 unspecified address.
func ResolveEndpoint(hostport string) (Endpoint, error) {
	if ap, err := netip.ParseAddrPort(hostport); err == nil {
		return EndpointFrom(ap), nil
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("transport: invalid endpoint %q: %w", hostport, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("transport: invalid port in %q: %w", hostport, err)
	}
	if host == "" {
		return Endpoint{ap: netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(p))}, nil
	}
	ua, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, port))
	if err != nil {
		return Endpoint{}, fmt.Errorf("transport: resolve %q: %w", hostport, err)
	}
	return EndpointFromUDP(ua), nil
}

// MustEndpoint is ResolveEndpoint for literals in tests and defaults.
func MustEndpoint(hostport string) Endpoint {
	ep, err := ResolveEndpoint(hostport)
	if err != nil {
		panic(err)
	}
	return ep
}

func (e Endpoint) IsValid() bool            { return e.ap.IsValid() }
func (e Endpoint) Addr() netip.Addr         { return e.ap.Addr() }
func (e Endpoint) Port() uint16             { return e.ap.Port() }
func (e Endpoint) AddrPort() netip.AddrPort { return e.ap }

// UDPAddr returns a fresh *net.UDPAddr for socket calls.
func (e Endpoint) UDPAddr() *net.UDPAddr { return net.UDPAddrFromAddrPort(e.ap) }

// WithPort returns a copy of e on another port.
func (e Endpoint) WithPort(port uint16) Endpoint {
	return Endpoint{ap: netip.AddrPortFrom(e.ap.Addr(), port)}
}

func (e Endpoint) String() string {
	if !e.ap.IsValid() {
		return "<none>"
	}
	return e.ap.String()
}
