package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Trace is one tracing span attached to an operation's traces array.
type Trace struct {
	Action    string  `json:"action"`
	Service   string  `json:"service"`
	Timestamp float64 `json:"timestamp"`
}

// Sink receives latency samples extracted from round-trip messages.
type Sink interface {
	WriteLatencyMetric(ctx context.Context, name string, traces []Trace) error
}

// NopSink discards every sample.
type NopSink struct{}

func (NopSink) WriteLatencyMetric(context.Context, string, []Trace) error { return nil }

// PrometheusSink records round-trip latency as a histogram, computed as the
// spread between the earliest and latest span timestamps (milliseconds).
type PrometheusSink struct {
	latency *prometheus.HistogramVec
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fluidrelay",
			Name:      "roundtrip_latency_seconds",
			Help:      "End-to-end operation round-trip latency derived from client trace spans.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"metric"}),
	}
	reg.MustRegister(s.latency)
	return s
}

var _ Sink = (*PrometheusSink)(nil)

func (s *PrometheusSink) WriteLatencyMetric(_ context.Context, name string, traces []Trace) error {
	if len(traces) < 2 {
		return errors.New("latency metric requires at least two trace spans")
	}
	earliest, latest := traces[0].Timestamp, traces[0].Timestamp
	for _, t := range traces[1:] {
		if t.Timestamp < earliest {
			earliest = t.Timestamp
		}
		if t.Timestamp > latest {
			latest = t.Timestamp
		}
	}
	s.latency.WithLabelValues(name).Observe((latest - earliest) / 1000.0)
	return nil
}

// GatewayMetrics are the gateway's operational counters.
type GatewayMetrics struct {
	ConnectionsOpened prometheus.Counter
	ConnectionsClosed prometheus.Counter
	ConnectFailures   *prometheus.CounterVec
	OpsForwarded      prometheus.Counter
	SignalsBroadcast  prometheus.Counter
}

func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fluidrelay",
			Name:      "connections_opened_total",
			Help:      "Sockets accepted by the gateway.",
		}),
		ConnectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fluidrelay",
			Name:      "connections_closed_total",
			Help:      "Sockets fully torn down.",
		}),
		ConnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluidrelay",
			Name:      "connect_failures_total",
			Help:      "connect_document rejections by reason.",
		}, []string{"reason"}),
		OpsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fluidrelay",
			Name:      "ops_forwarded_total",
			Help:      "Operations handed to an orderer connection.",
		}),
		SignalsBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fluidrelay",
			Name:      "signals_broadcast_total",
			Help:      "Client signals fanned out to rooms.",
		}),
	}
	reg.MustRegister(m.ConnectionsOpened, m.ConnectionsClosed, m.ConnectFailures, m.OpsForwarded, m.SignalsBroadcast)
	return m
}
