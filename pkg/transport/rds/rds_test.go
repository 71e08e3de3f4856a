package rds

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rdsping/pkg/transport"
)

// open skips when the host has no usable RDS loopback path.
func open(t *testing.T, addr string) *Session {
	t.Helper()
	s, err := Listen(transport.MustEndpoint(addr))
	if err != nil {
		switch transport.Classify(err) {
		case transport.ClassUnavailable, transport.ClassBind:
			t.Skipf("rds not usable here: %v", err)
		}
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUnavailableCarriesGuidance(t *testing.T) {
	s, err := Listen(transport.MustEndpoint("127.0.0.1:0"))
	if err == nil {
		_ = s.Close()
		t.Skip("rds is available on this host")
	}
	if transport.Classify(err) == transport.ClassBind {
		t.Skipf("rds socket opened but bind failed: %v", err)
	}
	require.ErrorIs(t, err, transport.ErrTransportUnavailable)
	require.Equal(t, transport.ClassUnavailable, transport.Classify(err))
	require.NotEmpty(t, transport.Guidance(err))
	require.Equal(t, Guidance, transport.Guidance(err))
}

func TestLoopbackExchange(t *testing.T) {
	a := open(t, "127.0.0.1:0")
	b := open(t, "127.0.0.1:0")
	require.NotZero(t, b.LocalEndpoint().Port())

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, b.LocalEndpoint(), []byte("ping-3")))
	got, from, err := b.Receive(ctx, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, "ping-3", string(got))
	require.Equal(t, a.LocalEndpoint(), from)
}

func TestReceiveTimesOut(t *testing.T) {
	s := open(t, "127.0.0.1:0")
	_, _, err := s.Receive(context.Background(), time.Now().Add(50*time.Millisecond))
	require.ErrorIs(t, err, transport.ErrTimeout)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := open(t, "127.0.0.1:0")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, _, err := s.Receive(context.Background(), time.Time{})
	require.True(t, errors.Is(err, transport.ErrClosed))
}
