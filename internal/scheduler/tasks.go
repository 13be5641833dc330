package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/nexusvpn/nexus/internal/chain"
	"github.com/nexusvpn/nexus/internal/leakcheck"
	"github.com/nexusvpn/nexus/internal/logging"
	"github.com/nexusvpn/nexus/internal/metrics"
	"github.com/nexusvpn/nexus/internal/stats"
)

// Default maintenance cadence.
const (
	TrafficInterval   = time.Minute
	LeakCheckInterval = 5 * time.Minute
	HealthInterval    = 30 * time.Minute
)

// TaskDeps carries everything the standard maintenance tasks touch.
type TaskDeps struct {
	Chain   *chain.Orchestrator
	Stats   *stats.Collector
	Leaks   *leakcheck.Checker
	Metrics *metrics.Registry
	Logger  *logging.Logger
}

// RegisterDefaultTasks wires the daemon's periodic jobs: traffic sampling,
// DNS leak checking, and a chain health sweep.
func RegisterDefaultTasks(s *Scheduler, d TaskDeps) error {
	logger := d.Logger.WithComponent("tasks")

	if err := s.Add(&Task{
		ID:       "traffic",
		Name:     "traffic sampling",
		Schedule: Every(TrafficInterval),
		Timeout:  30 * time.Second,
		Func: func(ctx context.Context) error {
			d.Stats.Sample()
			if d.Metrics != nil {
				d.Metrics.ObserveTraffic(d.Stats.Totals(), d.Stats.Current())
			}
			return nil
		},
	}); err != nil {
		return err
	}

	if err := s.Add(&Task{
		ID:       "dns-leak",
		Name:     "dns leak check",
		Schedule: Every(LeakCheckInterval),
		Timeout:  time.Minute,
		Func: func(ctx context.Context) error {
			ns, ok := d.Chain.ExitNamespace()
			if !ok {
				return nil
			}
			expected, err := d.Chain.EgressIP(ctx)
			if err != nil {
				// Without the exit address the check still detects a raw
				// host-address leak later; run it unreferenced.
				expected = ""
			}
			res, err := d.Leaks.CheckLeak(ctx, ns, expected)
			if err != nil {
				if d.Metrics != nil {
					d.Metrics.LeakChecks.WithLabelValues("error").Inc()
				}
				return err
			}
			result := "clean"
			if res.Leaked {
				result = "leaked"
			}
			if d.Metrics != nil {
				d.Metrics.LeakChecks.WithLabelValues(result).Inc()
			}
			for _, lat := range d.Leaks.CheckLatency(ctx, ns) {
				if lat.Err != "" || d.Metrics == nil {
					continue
				}
				d.Metrics.DNSLatency.WithLabelValues(lat.Server).Set(lat.Latency.Seconds())
			}
			return nil
		},
	}); err != nil {
		return err
	}

	return s.Add(&Task{
		ID:       "chain-health",
		Name:     "chain health sweep",
		Schedule: Every(HealthInterval),
		Timeout:  15 * time.Minute,
		Func: func(ctx context.Context) error {
			if _, ok := d.Chain.ExitNamespace(); !ok {
				return nil
			}
			ip, err := d.Chain.EgressIP(ctx)
			if err == nil {
				logger.Info("chain healthy", "egress_ip", ip)
				return nil
			}
			logger.Warn("chain egress probe failed, rebuilding", "error", err)
			hops := len(d.Chain.Status().Hops)
			if rerr := d.Chain.Cleanup(ctx); rerr != nil {
				if errors.Is(rerr, chain.ErrBusy) {
					logger.Info("chain busy, skipping rebuild")
					return nil
				}
				return rerr
			}
			if rerr := d.Chain.Setup(ctx, hops, nil); rerr != nil {
				if errors.Is(rerr, chain.ErrBusy) {
					logger.Info("chain busy, skipping rebuild")
					return nil
				}
				return rerr
			}
			logger.Info("chain rebuilt", "hops", hops)
			return nil
		},
	})
}
