//go:build !linux

package rds

import (
	"context"
	"errors"
	"runtime"
	"time"

	"rdsping/pkg/transport"
)

// Session is never produced off Linux.
type Session struct{}

var _ transport.Session = (*Session)(nil)

func Listen(local transport.Endpoint) (*Session, error) {
	return nil, unavailable(errors.New("RDS sockets are not available on " + runtime.GOOS))
}

func (s *Session) Kind() transport.Kind              { return transport.KindRDS }
func (s *Session) LocalEndpoint() transport.Endpoint { return transport.Endpoint{} }
func (s *Session) Send(context.Context, transport.Endpoint, []byte) error {
	return transport.ErrClosed
}
func (s *Session) Receive(context.Context, time.Time) ([]byte, transport.Endpoint, error) {
	return nil, transport.Endpoint{}, transport.ErrClosed
}
func (s *Session) Close() error { return nil }
