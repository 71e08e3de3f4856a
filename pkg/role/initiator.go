// Package role holds the two drivers of an exchange: the Initiator, which
// walks the stream ids and runs one correlated exchange per id, and the
// Responder, which mirrors each request's stream id back to its sender.
//
// Both drivers own the session they are given for the duration of Run but
// do not close it; the caller that opened it does.
package role

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"rdsping/pkg/correlator"
	"rdsping/pkg/status"
	"rdsping/pkg/stream"
	"rdsping/pkg/transport"
)

// DefaultInterExchangeDelay throttles the initiator between matched exchanges.
const DefaultInterExchangeDelay = time.Second

// InitiatorConfig is the initiator's slice of the run configuration.
type InitiatorConfig struct {
	Peer               transport.Endpoint
	StreamCount        int
	ResponseTimeout    time.Duration
	InterExchangeDelay time.Duration
	// MaxExchanges stops the loop after that many matched exchanges; 0 runs
	// until a timeout, a transport failure or cancellation.
	MaxExchanges int
	Sink         status.Sink
	Now          func() time.Time
}

// Report summarises one initiator run.
type Report struct {
	Started  time.Time
	Finished time.Time
	// Matched counts completed exchanges.
	Matched   int
	Discarded int
	Streams   []stream.ID
	MinRTT    time.Duration
	MaxRTT    time.Duration
	TotalRTT  time.Duration
	Last      correlator.Outcome
}

// MeanRTT is the average round trip over matched exchanges.
func (r Report) MeanRTT() time.Duration {
	if r.Matched == 0 {
		return 0
	}
	return r.TotalRTT / time.Duration(r.Matched)
}

func (r *Report) record(out correlator.Outcome) {
	r.Last = out
	r.Discarded += out.Discarded
	if out.State != correlator.Matched {
		return
	}
	r.Matched++
	r.Streams = append(r.Streams, out.Stream)
	r.TotalRTT += out.RTT
	if r.MinRTT == 0 || out.RTT < r.MinRTT {
		r.MinRTT = out.RTT
	}
	if out.RTT > r.MaxRTT {
		r.MaxRTT = out.RTT
	}
}

// Initiator drives the request loop.
type Initiator struct {
	mux   *stream.Multiplexer
	corr  *correlator.Correlator
	delay time.Duration
	max   int
	now   func() time.Time
	log   *zap.Logger
}

func NewInitiator(sess transport.Session, cfg InitiatorConfig) *Initiator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	delay := cfg.InterExchangeDelay
	if delay < 0 {
		delay = 0
	}
	return &Initiator{
		mux: stream.NewMultiplexer(cfg.StreamCount),
		corr: correlator.New(sess, cfg.Peer, correlator.Options{
			Timeout: cfg.ResponseTimeout,
			Now:     now,
			Sink:    cfg.Sink,
		}),
		delay: delay,
		max:   cfg.MaxExchanges,
		now:   now,
		log:   zap.L().Named("initiator"),
	}
}

// Run loops until an exchange times out or fails, MaxExchanges is reached,
// or ctx is canceled.
//
// The error is nil only when MaxExchanges was reached. A timeout wraps
// transport.ErrTimeout, cancellation returns ctx.Err(), and any channel
// failure is returned as is. The Report is valid in every case.
func (in *Initiator) Run(ctx context.Context) (Report, error) {
	rep := Report{Started: in.now()}

	for {
		id := in.mux.Next()
		out, err := in.corr.Exchange(ctx, id)
		rep.record(out)
		if err != nil {
			rep.Finished = in.now()
			if !errors.Is(err, context.Canceled) {
				in.log.Debug("exchange ended the run", zap.Uint32("stream", uint32(id)), zap.Stringer("state", out.State), zap.Error(err))
			}
			return rep, err
		}
		if in.max > 0 && rep.Matched >= in.max {
			rep.Finished = in.now()
			return rep, nil
		}
		if err := sleep(ctx, in.delay); err != nil {
			rep.Finished = in.now()
			return rep, err
		}
	}
}

// NextStream is the id the next exchange will use.
func (in *Initiator) NextStream() stream.ID { return in.mux.Peek() }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
