package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"rdsping/pkg/config"
	netstack "rdsping/pkg/core/netstack"
	"rdsping/pkg/observability"
	"rdsping/pkg/role"
	"rdsping/pkg/status"
	"rdsping/pkg/telemetry"
	"rdsping/pkg/transport"
)

// run is the main entry point after CLI parsing. ctx is canceled by the
// shutdown signals; that ends either role cleanly with exit code 0.
func run(ctx context.Context, opts Options, stdout, stderr io.Writer) int {
	r, err := parseRole(opts.Role)
	if err != nil {
		fmt.Fprintln(stderr, "rdsping:", err)
		return 2
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(stderr, "failed to load config:", err)
		return 1
	}
	if opts.PrintConfig {
		if err := cfg.Dump(stdout); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}

	logger, cleanup, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(stderr, "failed to setup logger:", err)
		return 1
	}
	defer cleanup()

	sink, closeSinks, err := buildSinks(cfg, logger)
	if err != nil {
		logger.Error("failed to set up status sinks", zap.Error(err))
		return 1
	}
	defer closeSinks()

	announce(logger, cfg, r)

	sess, err := netstack.Open(ctx, cfg, r, sink)
	if err != nil {
		report(stderr, err)
		return exitCode(err)
	}
	defer sess.Close()
	if cause := sess.Degraded(); cause != nil {
		logger.Warn("running on fallback channel",
			zap.Stringer("transport", sess.Kind()),
			zap.Bool("ordered", sess.Kind().Reliable()),
			zap.NamedError("cause", cause))
	}

	if r == transport.RoleResponder {
		err = role.NewResponder(sess, sink).Run(ctx)
	} else {
		peer := cfg.Peer()
		if cfg.ModeValue() == transport.ModeMulticast {
			peer = cfg.Group()
		}
		var rep role.Report
		rep, err = role.NewInitiator(sess, role.InitiatorConfig{
			Peer:               peer,
			StreamCount:        cfg.StreamCount,
			ResponseTimeout:    cfg.ResponseTimeout,
			InterExchangeDelay: cfg.InterExchangeDelay,
			MaxExchanges:       cfg.MaxExchanges,
			Sink:               sink,
		}).Run(ctx)
		logger.Info("initiator finished",
			zap.Int("matched", rep.Matched),
			zap.Int("discarded", rep.Discarded),
			zap.Duration("rtt_min", rep.MinRTT),
			zap.Duration("rtt_mean", rep.MeanRTT()),
			zap.Duration("rtt_max", rep.MaxRTT),
			zap.Stringer("last", rep.Last.State),
			zap.Duration("elapsed", rep.Finished.Sub(rep.Started)))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		report(stderr, err)
	} else {
		logger.Info("shutting down")
	}
	return exitCode(err)
}

func loadConfig(opts Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Multicast {
		cfg.Mode = transport.ModeMulticast.String()
	}
	if opts.Peer != "" {
		cfg.PeerEndpoint = opts.Peer
	}
	if opts.Bind != "" {
		cfg.LocalBind = opts.Bind
	}
	if opts.Group != "" {
		cfg.MulticastGroup = opts.Group
	}
	if opts.Count >= 0 {
		cfg.MaxExchanges = opts.Count
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildSinks tees status events to the log and, when enabled, the journal
// and the Prometheus collectors.
func buildSinks(cfg *config.Config, logger *zap.Logger) (status.Sink, func(), error) {
	sinks := []status.Sink{status.NewLogSink(logger)}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Journal.Enable {
		j, err := status.OpenJournal(status.JournalOptions{
			Path:       cfg.Journal.Path,
			Format:     cfg.Journal.Format,
			Rotate:     cfg.Journal.Rotate,
			MaxSizeMB:  cfg.Journal.MaxSizeMB,
			MaxBackups: cfg.Journal.MaxBackups,
		})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, j)
		closers = append(closers, func() { _ = j.Close() })
	}

	if cfg.Metrics.Enable {
		m := telemetry.New()
		ln, err := net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("metrics listen %s: %w", cfg.Metrics.Listen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
		sinks = append(sinks, m)
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}
	return status.Multi(sinks...), closeAll, nil
}

func announce(logger *zap.Logger, cfg *config.Config, r transport.Role) {
	guarantees := "ordered, acknowledged unicast delivery"
	target := cfg.Peer().String()
	if cfg.ModeValue() == transport.ModeMulticast {
		guarantees = "best-effort, unordered multicast; replies are unicast"
		target = cfg.Group().String()
	}
	logger.Info("rdsping starting",
		zap.Stringer("role", r),
		zap.String("mode", cfg.Mode),
		zap.String("backend", cfg.Reliable.Backend),
		zap.String("target", target),
		zap.Int("streams", cfg.StreamCount),
		zap.Duration("response_timeout", cfg.ResponseTimeout))
	logger.Info("channel guarantees", zap.String("guarantees", guarantees))
}

// report prints err and any operator guidance it carries.
func report(w io.Writer, err error) {
	fmt.Fprintf(w, "rdsping: %s: %v\n", transport.Classify(err), err)
	for _, g := range transport.Guidance(err) {
		fmt.Fprintln(w, "  hint:", g)
	}
}

// exitCode maps a role's result to the process status: success for normal
// completion and explicit shutdown, failure for everything else.
func exitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	return 1
}
