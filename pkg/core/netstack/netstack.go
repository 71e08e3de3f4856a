// Package netstack opens the channel a role runs on. It maps the configured
// mode and reliable backend onto one concrete transport.Session and applies
// the fallback policy when the preferred channel is missing on this host.
package netstack

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"rdsping/pkg/config"
	"rdsping/pkg/membership"
	"rdsping/pkg/status"
	"rdsping/pkg/transport"
	"rdsping/pkg/transport/multicast"
	tquic "rdsping/pkg/transport/quic"
	"rdsping/pkg/transport/rds"
)

// Factory holds one constructor per channel kind. Tests swap entries to
// simulate hosts without a given channel.
type Factory struct {
	RDS       func(local transport.Endpoint) (transport.Session, error)
	QUIC      func(local transport.Endpoint) (transport.Session, error)
	Multicast func(ctx context.Context, opts multicast.Options) (transport.Session, error)
}

// DefaultFactory uses the real channel implementations.
func DefaultFactory() Factory {
	return Factory{
		RDS: func(local transport.Endpoint) (transport.Session, error) {
			s, err := rds.Listen(local)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		QUIC: func(local transport.Endpoint) (transport.Session, error) {
			s, err := tquic.Listen(local)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Multicast: func(ctx context.Context, opts multicast.Options) (transport.Session, error) {
			s, err := multicast.Open(ctx, opts)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
	}
}

// Open is DefaultFactory().Open.
func Open(ctx context.Context, cfg *config.Config, role transport.Role, sink status.Sink) (*Session, error) {
	return DefaultFactory().Open(ctx, cfg, role, sink)
}

// Session is an opened channel that reports its own lifecycle on the
// status sink. Close emits leave and close events.
type Session struct {
	transport.Session

	events   status.Emitter
	degraded error
	group    transport.Endpoint
	joined   int

	closeOnce sync.Once
	closeErr  error
}

// Degraded returns why the preferred channel was skipped, or nil.
func (s *Session) Degraded() error { return s.degraded }

// Close releases the channel and any memberships it holds.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.Session.Close()
		if s.joined > 0 {
			s.events.Emit(status.Event{Kind: status.KindLeave, Peer: s.group, Err: s.closeErr})
		}
		s.events.Emit(status.Event{Kind: status.KindClose, Local: s.LocalEndpoint(), Err: s.closeErr})
	})
	return s.closeErr
}

// Open binds the channel for role as configured by cfg, which must have
// been validated.
func (f Factory) Open(ctx context.Context, cfg *config.Config, role transport.Role, sink status.Sink) (*Session, error) {
	events := status.Emitter{Sink: sink, Role: role}
	bind, err := cfg.BindFor(role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrBind, err)
	}

	var (
		inner    transport.Session
		degraded error
	)
	switch cfg.ModeValue() {
	case transport.ModeMulticast:
		inner, err = f.openMulticast(ctx, cfg, role, bind)
	default:
		inner, degraded, err = f.openReliable(cfg, bind, events)
	}
	if err != nil {
		events.Emit(status.Event{Kind: status.KindError, Local: bind, Err: err, Note: "open"})
		return nil, err
	}

	s := &Session{Session: inner, degraded: degraded}
	s.events = status.Emitter{Sink: sink, Role: role, Transport: inner.Kind()}
	s.events.Emit(status.Event{Kind: status.KindBind, Local: inner.LocalEndpoint()})
	if m, ok := inner.(interface{ Memberships() int }); ok && m.Memberships() > 0 {
		s.group = cfg.Group()
		s.joined = m.Memberships()
		s.events.Emit(status.Event{Kind: status.KindJoin, Local: inner.LocalEndpoint(), Peer: s.group, Note: cfg.Multicast.Interface})
	}
	return s, nil
}

// openReliable returns the cause of a fallback separately from a failure.
func (f Factory) openReliable(cfg *config.Config, bind transport.Endpoint, events status.Emitter) (sess transport.Session, fallbackCause error, err error) {
	if cfg.Reliable.Backend == "quic" {
		sess, err = f.QUIC(bind)
		return sess, nil, err
	}
	sess, err = f.RDS(bind)
	if err == nil {
		return sess, nil, nil
	}
	if transport.Classify(err) != transport.ClassUnavailable || cfg.Reliable.Fallback != "quic" {
		return nil, nil, err
	}
	zap.L().Warn("rds unavailable, falling back to quic", zap.Error(err))
	events.Emit(status.Event{
		Kind:      status.KindDegraded,
		Transport: transport.KindQUIC,
		Local:     bind,
		Err:       err,
		Note:      "rds unavailable; using quic",
	})
	sess, qerr := f.QUIC(bind)
	if qerr != nil {
		return nil, nil, qerr
	}
	return sess, err, nil
}

func (f Factory) openMulticast(ctx context.Context, cfg *config.Config, role transport.Role, bind transport.Endpoint) (transport.Session, error) {
	ifi, err := membership.InterfaceByName(cfg.Multicast.Interface)
	if err != nil {
		return nil, fmt.Errorf("%w: interface %q: %v", transport.ErrMembership, cfg.Multicast.Interface, err)
	}
	return f.Multicast(ctx, multicast.Options{
		Role:            role,
		Local:           bind,
		Group:           cfg.Group(),
		TTL:             cfg.TTL,
		Interface:       ifi,
		Loopback:        cfg.Multicast.Loopback,
		JoinOnInitiator: cfg.Multicast.JoinOnInitiator,
		BindGroup:       cfg.Multicast.BindGroup,
	})
}
