package correlator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rdsping/pkg/protocol"
	"rdsping/pkg/status"
	"rdsping/pkg/stream"
	"rdsping/pkg/transport"
	"rdsping/pkg/transport/mem"
)

type pair struct {
	net       *mem.Network
	initiator *mem.Session
	peer      *mem.Session
}

func newPair(t *testing.T) pair {
	t.Helper()
	n := mem.NewNetwork()
	a, err := n.Listen(transport.MustEndpoint("127.0.0.1:0"))
	require.NoError(t, err)
	b, err := n.Listen(transport.MustEndpoint("127.0.0.1:5001"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return pair{net: n, initiator: a, peer: b}
}

// answer reads one request on p.peer and replies with each payload in turn.
func (p pair) answer(t *testing.T, replies ...string) <-chan string {
	got := make(chan string, 1)
	go func() {
		req, from, err := p.peer.Receive(context.Background(), time.Now().Add(5*time.Second))
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- string(req)
		for _, r := range replies {
			_ = p.peer.Send(context.Background(), from, []byte(r))
		}
	}()
	return got
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// slowSession advances the clock whenever a datagram is received, as if
// it had taken that long to arrive.
type slowSession struct {
	transport.Session
	clk *manualClock
	by  time.Duration
}

func (s slowSession) Receive(ctx context.Context, deadline time.Time) ([]byte, transport.Endpoint, error) {
	b, from, err := s.Session.Receive(ctx, deadline)
	if err == nil {
		s.clk.Advance(s.by)
	}
	return b, from, err
}

func TestMatchedExchange(t *testing.T) {
	p := newPair(t)
	rec := &status.Recorder{}
	c := New(p.initiator, p.peer.LocalEndpoint(), Options{Timeout: time.Second, Sink: rec})
	got := p.answer(t, "pong-0")

	out, err := c.Exchange(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "ping-0", <-got)
	require.Equal(t, Matched, out.State)
	require.Equal(t, stream.ID(0), out.Stream)
	require.Equal(t, p.peer.LocalEndpoint(), out.From)
	require.Zero(t, out.Discarded)
	require.Equal(t, Idle, c.State())
	_, pending := c.Pending()
	require.False(t, pending)

	require.Equal(t, 1, rec.Count(status.KindSend))
	require.Equal(t, 1, rec.Count(status.KindMatched))
	require.Equal(t, transport.RoleInitiator, rec.Events()[0].Role)
}

func TestMismatchedReplyDoesNotComplete(t *testing.T) {
	p := newPair(t)
	var c *Correlator
	var statesDuringDiscard []State
	sink := status.SinkFunc(func(e status.Event) {
		if e.Kind == status.KindDiscarded || e.Kind == status.KindMalformed {
			statesDuringDiscard = append(statesDuringDiscard, c.State())
		}
	})
	c = New(p.initiator, p.peer.LocalEndpoint(), Options{Timeout: 2 * time.Second, Sink: sink})
	p.answer(t, "pong-3", "ping-2", "garbage", "pong-2")

	out, err := c.Exchange(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, Matched, out.State)
	require.Equal(t, stream.ID(2), out.Stream)
	require.Equal(t, 3, out.Discarded)
	require.Equal(t, []State{Sent, Sent, Sent}, statesDuringDiscard)
}

func TestOnlyMismatchedRepliesTimeOut(t *testing.T) {
	p := newPair(t)
	rec := &status.Recorder{}
	c := New(p.initiator, p.peer.LocalEndpoint(), Options{Timeout: 80 * time.Millisecond, Sink: rec})
	p.answer(t, "pong-1", "pong-4")

	out, err := c.Exchange(context.Background(), 0)
	require.ErrorIs(t, err, transport.ErrTimeout)
	require.Equal(t, transport.ClassTimeout, transport.Classify(err))
	require.Equal(t, TimedOut, out.State)
	require.True(t, out.State.Terminal())
	require.Equal(t, 2, out.Discarded)
	require.Equal(t, out.SentAt.Add(80*time.Millisecond), out.Deadline)
	require.Equal(t, 1, rec.Count(status.KindTimeout))
	require.Zero(t, rec.Count(status.KindMatched))
}

func TestReplyAtDeadlineIsNotMatched(t *testing.T) {
	p := newPair(t)
	clk := &manualClock{t: time.Now()}
	rec := &status.Recorder{}
	sess := slowSession{Session: p.initiator, clk: clk, by: time.Second}
	c := New(sess, p.peer.LocalEndpoint(), Options{Timeout: time.Second, Now: clk.Now, Sink: rec})
	p.answer(t, "pong-0")

	out, err := c.Exchange(context.Background(), 0)
	require.ErrorIs(t, err, transport.ErrTimeout)
	require.Equal(t, TimedOut, out.State)
	require.Equal(t, 1, rec.Count(status.KindReceive))
	require.Zero(t, rec.Count(status.KindMatched))
}

func TestReplyJustBeforeDeadlineMatches(t *testing.T) {
	p := newPair(t)
	clk := &manualClock{t: time.Now()}
	sess := slowSession{Session: p.initiator, clk: clk, by: time.Second - time.Nanosecond}
	c := New(sess, p.peer.LocalEndpoint(), Options{Timeout: time.Second, Now: clk.Now})
	p.answer(t, "pong-0")

	out, err := c.Exchange(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, Matched, out.State)
	require.Equal(t, time.Second-time.Nanosecond, out.RTT)
}

func TestSendFailureIsTransportFailed(t *testing.T) {
	p := newPair(t)
	p.net.RefuseUnbound = true
	rec := &status.Recorder{}
	c := New(p.initiator, transport.MustEndpoint("127.0.0.1:9"), Options{Sink: rec})

	out, err := c.Exchange(context.Background(), 1)
	require.Error(t, err)
	require.Equal(t, TransportFailed, out.State)
	require.Equal(t, transport.ClassTransport, transport.Classify(err))
	require.Equal(t, 1, rec.Count(status.KindError))
	require.Zero(t, rec.Count(status.KindSend))
}

func TestReceiveFailureIsTransportFailed(t *testing.T) {
	p := newPair(t)
	c := New(p.initiator, p.peer.LocalEndpoint(), Options{Timeout: time.Second})
	time.AfterFunc(20*time.Millisecond, func() { _ = p.initiator.Close() })

	out, err := c.Exchange(context.Background(), 0)
	require.ErrorIs(t, err, transport.ErrClosed)
	require.Equal(t, TransportFailed, out.State)
}

func TestCancelReturnsToIdle(t *testing.T) {
	p := newPair(t)
	rec := &status.Recorder{}
	c := New(p.initiator, p.peer.LocalEndpoint(), Options{Timeout: 5 * time.Second, Sink: rec})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	out, err := c.Exchange(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, Idle, out.State)
	require.Equal(t, Idle, c.State())

	// the pending request still gets a closing event
	require.Equal(t, 1, rec.Count(status.KindSend))
	abandoned := rec.OfKind(status.KindAbandoned)
	require.Len(t, abandoned, 1)
	require.True(t, abandoned[0].HasStream)
	require.ErrorIs(t, abandoned[0].Err, context.Canceled)
}

func TestOversizeReplyIsDiscarded(t *testing.T) {
	p := newPair(t)
	c := New(p.initiator, p.peer.LocalEndpoint(), Options{Timeout: time.Second})
	big := make([]byte, transport.MaxPayload+10)
	p.answer(t, string(big), string(protocol.Response(4)))

	out, err := c.Exchange(context.Background(), 4)
	require.NoError(t, err)
	require.Equal(t, 1, out.Discarded)
}

func TestStateNames(t *testing.T) {
	require.Equal(t, "idle", Idle.String())
	require.Equal(t, "timed_out", TimedOut.String())
	require.Equal(t, "transport_failed", TransportFailed.String())
	require.False(t, Matched.Terminal())
}
