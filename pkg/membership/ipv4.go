package membership

import (
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
)

// IPv4 manages IGMP memberships on an ipv4.PacketConn.
type IPv4 struct {
	pc  *ipv4.PacketConn
	ifi *net.Interface
}

// NewIPv4 binds a manager to pc. A nil ifi lets the kernel pick the
// interface (INADDR_ANY).
func NewIPv4(pc *ipv4.PacketConn, ifi *net.Interface) *IPv4 {
	return &IPv4{pc: pc, ifi: ifi}
}

func (m *IPv4) Join(group netip.Addr) (*Membership, error) {
	if err := m.pc.JoinGroup(m.ifi, &net.UDPAddr{IP: group.AsSlice()}); err != nil {
		return nil, err
	}
	return &Membership{Group: group, Interface: m.ifi}, nil
}

func (m *IPv4) Leave(ms *Membership) error {
	if !ms.Active() {
		return nil
	}
	return m.pc.LeaveGroup(ms.Interface, &net.UDPAddr{IP: ms.Group.AsSlice()})
}

// InterfaceByName resolves name; an empty name yields nil (kernel default).
func InterfaceByName(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	return net.InterfaceByName(name)
}
