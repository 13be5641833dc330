// Command nexusd runs the chain manager daemon: it owns the namespace
// chain, the host routing state, and the HTTP control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/nftables"

	"github.com/nexusvpn/nexus/internal/api"
	"github.com/nexusvpn/nexus/internal/chain"
	"github.com/nexusvpn/nexus/internal/config"
	"github.com/nexusvpn/nexus/internal/leakcheck"
	"github.com/nexusvpn/nexus/internal/logging"
	"github.com/nexusvpn/nexus/internal/metrics"
	"github.com/nexusvpn/nexus/internal/netenv"
	"github.com/nexusvpn/nexus/internal/routing"
	"github.com/nexusvpn/nexus/internal/runner"
	"github.com/nexusvpn/nexus/internal/scheduler"
	"github.com/nexusvpn/nexus/internal/stats"
	"github.com/nexusvpn/nexus/internal/tunnel"
)

func main() {
	configPath := flag.String("config", "/etc/nexus/nexus.hcl", "configuration file")
	listen := flag.String("listen", "", "override the API listen address")
	logJSON := flag.Bool("log-json", false, "log in JSON instead of console format")
	cleanupOnly := flag.Bool("cleanup", false, "tear down leftover chain state and exit")
	flag.Parse()

	cfgFile, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nexusd: %v\n", err)
		os.Exit(1)
	}
	settings := cfgFile.Config.Settings

	logger := logging.New(logging.Config{
		Level:  parseLevel(settings.LogLevel),
		Output: os.Stderr,
		JSON:   *logJSON,
	})

	if err := run(cfgFile, logger, *listen, *cleanupOnly); err != nil {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func run(cfgFile *config.File, logger *logging.Logger, listenOverride string, cleanupOnly bool) error {
	settings := cfgFile.Config.Settings

	nl := &netenv.RealNetlinker{}
	namespaces := &netenv.RealNamespacer{}
	ethtool := &netenv.RealEthtooler{}
	alloc := netenv.NewBlockAllocator()

	builder := netenv.NewBuilder(nl, namespaces, ethtool, alloc, logger,
		netenv.WithDNSServers(settings.DNSServers))
	linker := netenv.NewLinker(nl, namespaces, alloc, logger)

	execRun := runner.NewExecRunner()
	registry := metrics.New()

	supOpts := []tunnel.SupervisorOption{
		tunnel.WithPollPolicy(tunnel.PollPolicy{
			MaxAttempts: settings.PollAttempts,
			Interval:    settings.PollInterval(),
		}),
		tunnel.WithReadyObserver(func(d time.Duration) {
			registry.TunnelReadyWait.Observe(d.Seconds())
		}),
	}
	if settings.HardenedCiphers {
		supOpts = append(supOpts, tunnel.WithHardenedCiphers())
	}
	tunnels := tunnel.NewSupervisor(execRun, logger, settings.LogDir, settings.TempDir, supOpts...)

	router := routing.NewCoordinator(
		routing.NewRealNFTConn(&nftables.Conn{}),
		nl, execRun, logger, settings.EgressFallback)
	if err := router.EnsureRoutingTables(); err != nil {
		logger.Warn("could not register routing table", "error", err)
	}

	orch := chain.New(builder, linker, tunnels, router, logger,
		settings.NamespacePrefix,
		func() []config.Provider { return cfgFile.Config.Providers })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A previous process may have died mid-chain; start from a clean host.
	if err := orch.Cleanup(ctx); err != nil {
		logger.Warn("startup cleanup incomplete", "error", err)
	}
	if cleanupOnly {
		logger.Info("cleanup finished")
		return nil
	}

	collector := stats.NewCollector(scheduler.TrafficInterval,
		stats.NewLinkFetcher(nl, "veth0_"))
	leaks := leakcheck.New(netenv.DialContextInNamespace, settings.DNSServers, logger)

	sched := scheduler.New(logger)
	if err := scheduler.RegisterDefaultTasks(sched, scheduler.TaskDeps{
		Chain:   orch,
		Stats:   collector,
		Leaks:   leaks,
		Metrics: registry,
		Logger:  logger,
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	server := api.NewServer(api.ServerOptions{
		ConfigFile: cfgFile,
		Chain:      orch,
		Stats:      collector,
		Leaks:      leaks,
		Metrics:    registry,
		Scheduler:  sched,
		PFS:        tunnel.NewPFSManager(execRun, logger),
		Logger:     logger,
	})

	addr := settings.ListenAddr
	if listenOverride != "" {
		addr = listenOverride
	}

	serveErr := server.ListenAndServe(ctx, addr)

	// The shutdown context is already cancelled; tear down with a fresh one.
	if err := orch.Cleanup(context.Background()); err != nil {
		logger.Error("shutdown cleanup failed", "error", err)
	}
	return serveErr
}
