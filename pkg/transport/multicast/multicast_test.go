package multicast

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"

	"rdsping/pkg/membership"
	"rdsping/pkg/transport"
)

type countingManager struct {
	mu            sync.Mutex
	joins, leaves int
	fail          bool
}

func (c *countingManager) Join(group netip.Addr) (*membership.Membership, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return nil, errors.New("no route to group")
	}
	c.joins++
	return &membership.Membership{Group: group}, nil
}

func (c *countingManager) Leave(*membership.Membership) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves++
	return nil
}

func withManager(m *countingManager) func(*ipv4.PacketConn, *net.Interface) membership.Manager {
	return func(*ipv4.PacketConn, *net.Interface) membership.Manager { return m }
}

func TestResponderJoinLeaveSymmetry(t *testing.T) {
	mgr := &countingManager{}
	s, err := Open(context.Background(), Options{
		Role:       transport.RoleResponder,
		Group:      transport.MustEndpoint("239.255.42.99:0"),
		NewManager: withManager(mgr),
	})
	require.NoError(t, err)
	require.Equal(t, 1, s.Memberships())
	require.Equal(t, transport.KindUDPMulticast, s.Kind())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Equal(t, 1, mgr.joins)
	require.Equal(t, 1, mgr.leaves)
}

func TestFailedJoinClosesWithoutLeave(t *testing.T) {
	mgr := &countingManager{fail: true}
	_, err := Open(context.Background(), Options{
		Role:       transport.RoleResponder,
		Group:      transport.MustEndpoint("239.255.42.99:0"),
		NewManager: withManager(mgr),
	})
	require.ErrorIs(t, err, transport.ErrMembership)
	require.Equal(t, transport.ClassMembership, transport.Classify(err))
	require.Zero(t, mgr.joins)
	require.Zero(t, mgr.leaves)
}

func TestInitiatorJoinsOnlyWhenAsked(t *testing.T) {
	for _, join := range []bool{false, true} {
		mgr := &countingManager{}
		s, err := Open(context.Background(), Options{
			Role:            transport.RoleInitiator,
			Local:           transport.MustEndpoint("0.0.0.0:0"),
			Group:           transport.MustEndpoint("239.255.42.99:18634"),
			JoinOnInitiator: join,
			NewManager:      withManager(mgr),
		})
		require.NoError(t, err)
		require.NotZero(t, s.LocalEndpoint().Port())
		require.NoError(t, s.Close())
		require.Equal(t, mgr.joins, mgr.leaves)
		if join {
			require.Equal(t, 1, mgr.joins)
		} else {
			require.Zero(t, mgr.joins)
		}
	}
}

func TestRejectsUnicastGroup(t *testing.T) {
	_, err := Open(context.Background(), Options{
		Role:  transport.RoleResponder,
		Group: transport.MustEndpoint("127.0.0.1:18634"),
	})
	require.ErrorIs(t, err, transport.ErrMembership)
}

func TestReceiveTimeoutAndCancel(t *testing.T) {
	s, err := Open(context.Background(), Options{
		Role:       transport.RoleInitiator,
		Local:      transport.MustEndpoint("127.0.0.1:0"),
		Group:      transport.MustEndpoint("239.255.42.99:18634"),
		NewManager: withManager(&countingManager{}),
	})
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.Receive(context.Background(), time.Now().Add(30*time.Millisecond))
	require.ErrorIs(t, err, transport.ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, _, err = s.Receive(ctx, time.Time{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestUnicastReplyPath(t *testing.T) {
	a, err := Open(context.Background(), Options{
		Role:       transport.RoleInitiator,
		Local:      transport.MustEndpoint("127.0.0.1:0"),
		Group:      transport.MustEndpoint("239.255.42.99:18634"),
		NewManager: withManager(&countingManager{}),
	})
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(context.Background(), Options{
		Role:       transport.RoleInitiator,
		Local:      transport.MustEndpoint("127.0.0.1:0"),
		Group:      transport.MustEndpoint("239.255.42.99:18634"),
		NewManager: withManager(&countingManager{}),
	})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send(context.Background(), b.LocalEndpoint(), []byte("pong-4")))
	got, from, err := b.Receive(context.Background(), time.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, "pong-4", string(got))
	require.Equal(t, a.LocalEndpoint(), from)
}

// TestGroupRoundTrip needs a host with a multicast route; it skips otherwise.
func TestGroupRoundTrip(t *testing.T) {
	group := transport.MustEndpoint("239.255.42.98:18635")
	resp, err := Open(context.Background(), Options{Role: transport.RoleResponder, Group: group, Loopback: true})
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer resp.Close()
	ini, err := Open(context.Background(), Options{
		Role:     transport.RoleInitiator,
		Local:    transport.MustEndpoint("0.0.0.0:0"),
		Group:    group,
		Loopback: true,
	})
	require.NoError(t, err)
	defer ini.Close()

	if err := ini.Send(context.Background(), group, []byte("ping-0")); err != nil {
		t.Skipf("multicast send unavailable: %v", err)
	}
	got, _, err := resp.Receive(context.Background(), time.Now().Add(time.Second))
	if errors.Is(err, transport.ErrTimeout) {
		t.Skip("no multicast loopback delivery on this host")
	}
	require.NoError(t, err)
	require.Equal(t, "ping-0", string(got))
}
