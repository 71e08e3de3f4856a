// Package quic is the reliable fallback channel for hosts without RDS.
// Each message travels on its own unidirectional QUIC stream, which keeps
// datagram boundaries while QUIC retransmits. Listener and dialer share a
// single UDP socket so replies reach the peer's bound endpoint.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/netip"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"rdsping/pkg/transport"
)

const alpn = "rdsping"

// Session owns one UDP socket, a QUIC listener on it, and one connection
// per peer endpoint (dialed or accepted).
type Session struct {
	udp   *net.UDPConn
	tr    *quicgo.Transport
	ln    *quicgo.Listener
	local transport.Endpoint

	tlsClient *tls.Config
	quicConf  *quicgo.Config

	mu    sync.Mutex
	conns map[netip.AddrPort]quicgo.Connection

	rx        chan datagram
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type datagram struct {
	payload []byte
	from    transport.Endpoint
}

var _ transport.Session = (*Session)(nil)

// Listen binds local and starts accepting peers.
func Listen(local transport.Endpoint) (*Session, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, &transport.Error{Op: "tls", Kind: transport.KindQUIC, Err: err}
	}
	udp, err := net.ListenUDP("udp", local.UDPAddr())
	if err != nil {
		return nil, fmt.Errorf("%w: quic %s: %v", transport.ErrBind, local, err)
	}
	qconf := &quicgo.Config{
		HandshakeIdleTimeout: 5 * time.Second,
		MaxIdleTimeout:       30 * time.Second,
		KeepAlivePeriod:      10 * time.Second,
	}
	tr := &quicgo.Transport{Conn: udp}
	ln, err := tr.Listen(&tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, qconf)
	if err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("%w: quic listen %s: %v", transport.ErrBind, local, err)
	}
	s := &Session{
		udp:   udp,
		tr:    tr,
		ln:    ln,
		local: transport.EndpointFromNetAddr(udp.LocalAddr()),
		tlsClient: &tls.Config{
			// Peers are addressed by endpoint only; there is no identity to verify.
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
			MinVersion:         tls.VersionTLS13,
		},
		quicConf: qconf,
		conns:    make(map[netip.AddrPort]quicgo.Connection),
		rx:       make(chan datagram, 64),
		closeCh:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	zap.L().Debug("quic session bound", zap.String("local", s.local.String()))
	return s, nil
}

func (s *Session) Kind() transport.Kind              { return transport.KindQUIC }
func (s *Session) LocalEndpoint() transport.Endpoint { return s.local }

func (s *Session) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept(context.Background())
		if err != nil {
			return
		}
		s.track(c)
	}
}

// track registers c and starts reading its streams. An older connection
// to the same endpoint is replaced.
func (s *Session) track(c quicgo.Connection) {
	key := transport.EndpointFromNetAddr(c.RemoteAddr()).AddrPort()
	s.mu.Lock()
	s.conns[key] = c
	s.mu.Unlock()
	s.wg.Add(1)
	go s.readLoop(key, c)
}

func (s *Session) readLoop(key netip.AddrPort, c quicgo.Connection) {
	defer s.wg.Done()
	defer s.forget(key, c)
	from := transport.EndpointFrom(key)
	for {
		st, err := c.AcceptUniStream(context.Background())
		if err != nil {
			return
		}
		payload, err := io.ReadAll(io.LimitReader(st, transport.MaxPayload+1))
		if err != nil {
			zap.L().Debug("quic stream read failed", zap.String("peer", from.String()), zap.Error(err))
			continue
		}
		select {
		case s.rx <- datagram{payload: payload, from: from}:
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) forget(key netip.AddrPort, c quicgo.Connection) {
	s.mu.Lock()
	if s.conns[key] == c {
		delete(s.conns, key)
	}
	s.mu.Unlock()
}

func (s *Session) connection(ctx context.Context, to transport.Endpoint) (quicgo.Connection, error) {
	s.mu.Lock()
	c := s.conns[to.AddrPort()]
	s.mu.Unlock()
	if c != nil && c.Context().Err() == nil {
		return c, nil
	}
	c, err := s.tr.Dial(ctx, to.UDPAddr(), s.tlsClient, s.quicConf)
	if err != nil {
		return nil, err
	}
	s.track(c)
	return c, nil
}

func (s *Session) Send(ctx context.Context, to transport.Endpoint, payload []byte) error {
	select {
	case <-s.closeCh:
		return &transport.Error{Op: "send", Kind: transport.KindQUIC, Endpoint: to, Err: transport.ErrClosed}
	default:
	}
	if len(payload) > transport.MaxPayload {
		return &transport.Error{Op: "send", Kind: transport.KindQUIC, Endpoint: to, Err: transport.ErrOversize}
	}
	c, err := s.connection(ctx, to)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &transport.Error{Op: "dial", Kind: transport.KindQUIC, Endpoint: to, Err: err}
	}
	st, err := c.OpenUniStreamSync(ctx)
	if err == nil {
		if _, err = st.Write(payload); err == nil {
			err = st.Close()
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &transport.Error{Op: "send", Kind: transport.KindQUIC, Endpoint: to, Err: err}
	}
	return nil
}

func (s *Session) Receive(ctx context.Context, deadline time.Time) ([]byte, transport.Endpoint, error) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case dg := <-s.rx:
		if len(dg.payload) > transport.MaxPayload {
			return nil, dg.from, transport.ErrOversize
		}
		return dg.payload, dg.from, nil
	case <-s.closeCh:
		return nil, transport.Endpoint{}, &transport.Error{Op: "receive", Kind: transport.KindQUIC, Err: transport.ErrClosed}
	case <-ctx.Done():
		return nil, transport.Endpoint{}, ctx.Err()
	case <-timeout:
		return nil, transport.Endpoint{}, transport.ErrTimeout
	}
}

// Close tears down every connection, the listener and the socket.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.mu.Lock()
		for _, c := range s.conns {
			_ = c.CloseWithError(0, "closing")
		}
		s.mu.Unlock()
		err = errors.Join(s.ln.Close(), s.tr.Close())
		if cerr := s.udp.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = errors.Join(err, cerr)
		}
		s.wg.Wait()
	})
	return err
}

// selfSignedCert generates a short-lived certificate for the listener.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
