package membership

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"rdsping/pkg/transport"
)

type countingManager struct {
	joins, leaves int
	joinErr       error
}

func (c *countingManager) Join(g netip.Addr) (*Membership, error) {
	if c.joinErr != nil {
		return nil, c.joinErr
	}
	c.joins++
	return &Membership{Group: g}, nil
}

func (c *countingManager) Leave(m *Membership) error {
	c.leaves++
	return nil
}

var group = netip.MustParseAddr("224.0.0.251")

func TestJoinLeaveSymmetry(t *testing.T) {
	mgr := &countingManager{}
	tr := NewTracker(mgr)

	m, err := tr.Join(group)
	require.NoError(t, err)
	require.True(t, m.Active())
	require.Equal(t, 1, tr.Held())

	require.NoError(t, tr.LeaveAll())
	require.Equal(t, mgr.joins, mgr.leaves)
	require.False(t, m.Active())
	require.Equal(t, 0, tr.Held())
}

func TestLeaveIsIdempotent(t *testing.T) {
	mgr := &countingManager{}
	tr := NewTracker(mgr)

	require.NoError(t, tr.Leave(nil))
	require.NoError(t, tr.LeaveAll())

	m, err := tr.Join(group)
	require.NoError(t, err)
	require.NoError(t, tr.Leave(m))
	require.NoError(t, tr.Leave(m))
	require.NoError(t, tr.LeaveAll())
	require.Equal(t, 1, mgr.joins)
	require.Equal(t, 1, mgr.leaves)
}

func TestFailedJoinHoldsNothing(t *testing.T) {
	mgr := &countingManager{joinErr: errors.New("no such device")}
	tr := NewTracker(mgr)

	m, err := tr.Join(group)
	require.Nil(t, m)
	require.ErrorIs(t, err, transport.ErrMembership)
	require.NoError(t, tr.LeaveAll())
	require.Equal(t, 0, mgr.leaves)
}

func TestJoinRejectsUnicast(t *testing.T) {
	mgr := &countingManager{}
	_, err := NewTracker(mgr).Join(netip.MustParseAddr("127.0.0.1"))
	require.ErrorIs(t, err, transport.ErrMembership)
	require.Equal(t, 0, mgr.joins)
}
