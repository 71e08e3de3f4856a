// Package telemetry turns status events into Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rdsping/pkg/status"
	"rdsping/pkg/transport"
)

// Metrics is a status.Sink backed by its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	Exchanges *prometheus.CounterVec
	Messages  *prometheus.CounterVec
	Malformed prometheus.Counter
	Discarded prometheus.Counter
	Errors    *prometheus.CounterVec
	RTT       prometheus.Histogram
	Pending   prometheus.Gauge
}

// New builds and registers the rdsping collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rdsping",
				Name:      "exchanges_total",
				Help:      "Completed request/response exchanges by outcome.",
			},
			[]string{"outcome"},
		),
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rdsping",
				Name:      "messages_total",
				Help:      "Messages sent and received.",
			},
			[]string{"direction", "transport"},
		),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdsping",
			Name:      "malformed_total",
			Help:      "Datagrams dropped because they did not parse.",
		}),
		Discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdsping",
			Name:      "discarded_replies_total",
			Help:      "Replies that did not match the pending exchange.",
		}),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rdsping",
				Name:      "errors_total",
				Help:      "Errors reported on the status channel by class.",
			},
			[]string{"class"},
		),
		RTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rdsping",
			Name:      "rtt_seconds",
			Help:      "Round trip time of matched exchanges.",
			// 100us .. ~6.5s
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 17),
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdsping",
			Name:      "pending_exchanges",
			Help:      "Exchanges waiting for a reply (0 or 1).",
		}),
	}
	m.Registry.MustRegister(m.Exchanges, m.Messages, m.Malformed, m.Discarded, m.Errors, m.RTT, m.Pending)
	return m
}

// Handler exposes the registry. Mount it with mux.Handle("/metrics", m.Handler()).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Emit(e status.Event) {
	tr := e.Transport.String()
	switch e.Kind {
	case status.KindSend:
		m.Messages.WithLabelValues("out", tr).Inc()
		if e.Role == transport.RoleInitiator {
			m.Pending.Set(1)
		}
	case status.KindReceive:
		m.Messages.WithLabelValues("in", tr).Inc()
	case status.KindMatched:
		m.Exchanges.WithLabelValues("matched").Inc()
		m.RTT.Observe(e.RTT.Seconds())
		m.Pending.Set(0)
	case status.KindTimeout:
		m.Exchanges.WithLabelValues("timed_out").Inc()
		m.Errors.WithLabelValues(transport.ClassTimeout.String()).Inc()
		m.Pending.Set(0)
	case status.KindDiscarded:
		m.Discarded.Inc()
	case status.KindMalformed:
		m.Malformed.Inc()
	case status.KindAbandoned:
		m.Pending.Set(0)
	case status.KindError:
		// Only failures inside an exchange carry a stream; open errors do not.
		if e.Role == transport.RoleInitiator && e.HasStream {
			m.Exchanges.WithLabelValues("transport_failed").Inc()
			m.Pending.Set(0)
		}
		m.Errors.WithLabelValues(transport.Classify(e.Err).String()).Inc()
	}
}
