// Package membership joins and leaves IP multicast groups on behalf of a
// bound session and guarantees every successful join is matched by a leave.
package membership

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"rdsping/pkg/transport"
)

// Membership is a held (group, interface) binding.
type Membership struct {
	Group     netip.Addr
	Interface *net.Interface

	left bool
}

// Active reports whether m is held.
func (m *Membership) Active() bool { return m != nil && !m.left }

func (m *Membership) String() string {
	if m == nil {
		return "<none>"
	}
	ifi := "default"
	if m.Interface != nil {
		ifi = m.Interface.Name
	}
	return fmt.Sprintf("%s@%s", m.Group, ifi)
}

// Manager performs joins and leaves on one bound socket.
//
// Join must only be called after the socket is bound to the group port.
// Leave of a nil or already left Membership is a no-op returning nil.
type Manager interface {
	Join(group netip.Addr) (*Membership, error)
	Leave(m *Membership) error
}

// Tracker wraps a Manager and remembers what it joined, so teardown paths
// can call LeaveAll without knowing whether the join ever succeeded.
type Tracker struct {
	mgr  Manager
	mu   sync.Mutex
	held []*Membership
}

func NewTracker(mgr Manager) *Tracker { return &Tracker{mgr: mgr} }

// Join joins group and records the membership. Failures wrap
// transport.ErrMembership.
func (t *Tracker) Join(group netip.Addr) (*Membership, error) {
	if !group.IsMulticast() {
		return nil, fmt.Errorf("%w: %s is not a multicast address", transport.ErrMembership, group)
	}
	m, err := t.mgr.Join(group)
	if err != nil {
		if errors.Is(err, transport.ErrMembership) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: join %s: %w", transport.ErrMembership, group, err)
	}
	t.mu.Lock()
	t.held = append(t.held, m)
	t.mu.Unlock()
	zap.L().Debug("joined multicast group", zap.Stringer("membership", m))
	return m, nil
}

// Leave releases m if it is held.
func (t *Tracker) Leave(m *Membership) error {
	if !m.Active() {
		return nil
	}
	t.mu.Lock()
	for i, h := range t.held {
		if h == m {
			t.held = append(t.held[:i], t.held[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	err := t.mgr.Leave(m)
	m.left = true
	if err != nil {
		return fmt.Errorf("%w: leave %s: %w", transport.ErrMembership, m, err)
	}
	zap.L().Debug("left multicast group", zap.Stringer("membership", m))
	return nil
}

// LeaveAll releases every held membership, newest first, and returns the
// joined errors.
func (t *Tracker) LeaveAll() error {
	t.mu.Lock()
	held := t.held
	t.held = nil
	t.mu.Unlock()

	var errs []error
	for i := len(held) - 1; i >= 0; i-- {
		m := held[i]
		if !m.Active() {
			continue
		}
		err := t.mgr.Leave(m)
		m.left = true
		if err != nil {
			errs = append(errs, fmt.Errorf("leave %s: %w", m, err))
		}
	}
	return errors.Join(errs...)
}

// Held returns the number of active memberships.
func (t *Tracker) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}
