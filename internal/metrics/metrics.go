// Package metrics exposes chain manager metrics in Prometheus format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all chain manager metrics, backed by its own Prometheus
// registry so tests can create isolated instances.
type Registry struct {
	reg *prometheus.Registry

	// Chain lifecycle
	ChainState      prometheus.Gauge
	ChainHops       prometheus.Gauge
	SetupTotal      *prometheus.CounterVec
	SetupDuration   prometheus.Histogram
	TeardownTotal   *prometheus.CounterVec
	TunnelReadyWait prometheus.Histogram

	// Traffic
	HopBytesTotal *prometheus.GaugeVec
	HopRate       *prometheus.GaugeVec

	// DNS
	LeakChecks *prometheus.CounterVec
	DNSLatency *prometheus.GaugeVec

	// API
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

// New creates a Registry with its own underlying Prometheus registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	r := &Registry{reg: reg}

	r.ChainState = factory.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_chain_state",
		Help: "Chain lifecycle state (0=idle 1=building 2=active 3=tearing_down 4=failed)",
	})
	r.ChainHops = factory.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_chain_hops",
		Help: "Number of hops in the current chain",
	})
	r.SetupTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_chain_setup_total",
		Help: "Chain setup attempts by result",
	}, []string{"result"})
	r.SetupDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "nexus_chain_setup_duration_seconds",
		Help:    "Time to bring a chain to active",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	r.TeardownTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_chain_teardown_total",
		Help: "Chain teardown attempts by result",
	}, []string{"result"})
	r.TunnelReadyWait = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "nexus_tunnel_ready_seconds",
		Help:    "Time for a hop tunnel to become ready",
		Buckets: prometheus.LinearBuckets(5, 5, 12),
	})

	r.HopBytesTotal = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nexus_hop_bytes_total",
		Help: "Bytes through a hop interface",
	}, []string{"interface"})
	r.HopRate = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nexus_hop_bytes_per_second",
		Help: "Current traffic rate through a hop interface",
	}, []string{"interface"})

	r.LeakChecks = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_dns_leak_checks_total",
		Help: "DNS leak checks by result",
	}, []string{"result"})
	r.DNSLatency = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nexus_dns_latency_seconds",
		Help: "Resolver round trip time from the exit namespace",
	}, []string{"server"})

	r.APIRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_api_requests_total",
		Help: "API requests by method, path, and status",
	}, []string{"method", "path", "status"})
	r.APILatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nexus_api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	return r
}

// Prometheus returns the underlying registry for the /metrics handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

// ObserveTraffic pushes a traffic snapshot into the gauges.
func (r *Registry) ObserveTraffic(totals map[string]uint64, rates map[string]float64) {
	for iface, total := range totals {
		r.HopBytesTotal.WithLabelValues(iface).Set(float64(total))
	}
	for iface, rate := range rates {
		r.HopRate.WithLabelValues(iface).Set(rate)
	}
}
