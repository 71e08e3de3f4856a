package quic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rdsping/pkg/transport"
)

func listen(t *testing.T) *Session {
	t.Helper()
	s, err := Listen(transport.MustEndpoint("127.0.0.1:0"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRequestReplyOverOneSocket(t *testing.T) {
	client := listen(t)
	server := listen(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, client.Send(ctx, server.LocalEndpoint(), []byte("ping-0")))
	got, from, err := server.Receive(ctx, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, "ping-0", string(got))
	require.Equal(t, client.LocalEndpoint(), from)

	require.NoError(t, server.Send(ctx, from, []byte("pong-0")))
	got, from, err = client.Receive(ctx, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, "pong-0", string(got))
	require.Equal(t, server.LocalEndpoint(), from)
}

func TestMessagesKeepBoundaries(t *testing.T) {
	client := listen(t)
	server := listen(t)
	ctx := context.Background()

	for _, m := range []string{"ping-1", "ping-2", "ping-3"} {
		require.NoError(t, client.Send(ctx, server.LocalEndpoint(), []byte(m)))
	}
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		got, _, err := server.Receive(ctx, time.Now().Add(5*time.Second))
		require.NoError(t, err)
		seen[string(got)] = true
	}
	require.Len(t, seen, 3)
}

func TestReceiveTimeoutAndClose(t *testing.T) {
	s := listen(t)
	_, _, err := s.Receive(context.Background(), time.Now().Add(30*time.Millisecond))
	require.ErrorIs(t, err, transport.ErrTimeout)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	err = s.Send(context.Background(), transport.MustEndpoint("127.0.0.1:9"), []byte("x"))
	require.ErrorIs(t, err, transport.ErrClosed)
}
