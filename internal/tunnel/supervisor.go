package tunnel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nexusvpn/nexus/internal/clock"
	"github.com/nexusvpn/nexus/internal/config"
	"github.com/nexusvpn/nexus/internal/logging"
	"github.com/nexusvpn/nexus/internal/runner"
)

// ConnectionError reports a tunnel that never reached readiness within the
// attempt budget.
type ConnectionError struct {
	Namespace string
	Attempts  int
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: tunnel in %s not ready after %d attempts: %v",
		e.Namespace, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err wraps a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// PollPolicy bounds the readiness poll. Tests inject a zero-interval
// policy; production defaults to 12 attempts, 5 seconds apart.
type PollPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultPollPolicy returns the production poll budget.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{MaxAttempts: 12, Interval: 5 * time.Second}
}

// ProbeFunc checks reachability through the tunnel device inside a
// namespace. The default sends a single ICMP echo bound to the device.
type ProbeFunc func(ctx context.Context, namespace, device, target string) error

// TunnelProcess is the process name used for launch and broad kill.
const TunnelProcess = "openvpn"

// TunnelDevice is the in-namespace tunnel interface every hop uses.
const TunnelDevice = "tun0"

// Hop is the supervisor's view of one chain position.
type Hop struct {
	Index     int
	Namespace string
	Provider  config.Provider
	// GatewayIP is the chain's first internal gateway, consumed by the
	// hop-0 config rewrite.
	GatewayIP string
}

// Supervisor launches the tunnel client inside a hop's namespace and polls
// it to readiness.
type Supervisor struct {
	run         runner.Runner
	clk         clock.Clock
	logger      *logging.Logger
	logDir      string
	tempDir     string
	policy      PollPolicy
	probe       ProbeFunc
	probeTarget string
	hardened    bool

	readyObserver func(time.Duration)
}

// SupervisorOption adjusts a Supervisor.
type SupervisorOption func(*Supervisor)

// WithPollPolicy overrides the readiness poll budget.
func WithPollPolicy(p PollPolicy) SupervisorOption {
	return func(s *Supervisor) { s.policy = p }
}

// WithProbe overrides the reachability probe (tests).
func WithProbe(p ProbeFunc) SupervisorOption {
	return func(s *Supervisor) { s.probe = p }
}

// WithClock overrides the time source (tests).
func WithClock(c clock.Clock) SupervisorOption {
	return func(s *Supervisor) { s.clk = c }
}

// WithHardenedCiphers appends modern cipher directives during rewrite.
func WithHardenedCiphers() SupervisorOption {
	return func(s *Supervisor) { s.hardened = true }
}

// WithReadyObserver registers a callback receiving how long each tunnel
// took to become ready.
func WithReadyObserver(fn func(time.Duration)) SupervisorOption {
	return func(s *Supervisor) { s.readyObserver = fn }
}

// NewSupervisor creates a Supervisor writing hop state under logDir and
// tempDir.
func NewSupervisor(run runner.Runner, logger *logging.Logger, logDir, tempDir string, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		run:         run,
		clk:         &clock.RealClock{},
		logger:      logger.WithComponent("tunnel"),
		logDir:      logDir,
		tempDir:     tempDir,
		policy:      DefaultPollPolicy(),
		probe:       defaultProbe,
		probeTarget: "8.8.8.8",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// LogPath returns the tunnel client log file for a namespace.
func (s *Supervisor) LogPath(namespace string) string {
	return filepath.Join(s.logDir, fmt.Sprintf("%s-%s.log", TunnelProcess, namespace))
}

// StatusPath returns the tunnel client status file for a namespace.
func (s *Supervisor) StatusPath(namespace string) string {
	return filepath.Join(s.logDir, fmt.Sprintf("%s-status-%s.log", TunnelProcess, namespace))
}

// PIDPath returns the tunnel client pid file for a namespace.
func (s *Supervisor) PIDPath(namespace string) string {
	return filepath.Join(s.logDir, fmt.Sprintf("%s-%s.pid", TunnelProcess, namespace))
}

// StartTunnel rewrites the hop's provider config, launches the tunnel
// client daemonized inside the namespace, and blocks until the tunnel
// device is up and passing traffic or the poll budget is exhausted.
func (s *Supervisor) StartTunnel(ctx context.Context, hop Hop) error {
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}

	hopDir := filepath.Join(s.tempDir, fmt.Sprintf("hop%d", hop.Index))
	cfgPath, err := RewriteConfig(hop.Provider.ConfigPath, hopDir, RewriteOptions{
		HopIndex:  hop.Index,
		GatewayIP: hop.GatewayIP,
		Hardened:  s.hardened,
	})
	if err != nil {
		return err
	}

	credsPath := ""
	if hop.Provider.CredentialsPath != "" {
		credsPath, err = CopyCredentials(hop.Provider.CredentialsPath, hopDir)
		if err != nil {
			return err
		}
	}

	// The tunnel device is created up front; the client would create it
	// too, but pre-creating keeps the device name deterministic. An
	// existing device is not an error.
	if err := s.run.Run(ctx, runner.TunTapAdd(hop.Namespace, TunnelDevice)); err != nil {
		s.logger.Warn("tun device creation failed, may already exist",
			"namespace", hop.Namespace, "error", err)
	}
	if err := s.run.Run(ctx, runner.LinkSetUp(hop.Namespace, TunnelDevice)); err != nil {
		s.logger.Warn("failed to raise tun device",
			"namespace", hop.Namespace, "error", err)
	}

	launch, err := runner.StartTunnel(hop.Namespace, runner.TunnelOptions{
		ConfigPath:      cfgPath,
		Device:          TunnelDevice,
		LogPath:         s.LogPath(hop.Namespace),
		StatusPath:      s.StatusPath(hop.Namespace),
		PIDPath:         s.PIDPath(hop.Namespace),
		CredentialsPath: credsPath,
		Verb:            3,
	})
	if err != nil {
		return err
	}

	s.logger.Info("starting tunnel client",
		"namespace", hop.Namespace, "provider", hop.Provider.Name)
	if err := s.run.Run(ctx, launch); err != nil {
		return fmt.Errorf("failed to launch tunnel client in %s: %w", hop.Namespace, err)
	}

	return s.waitReady(ctx, hop.Namespace)
}

// StopAll terminates every tunnel client process. pkill exits non-zero
// when nothing matched, which is fine during cleanup.
func (s *Supervisor) StopAll(ctx context.Context) error {
	if err := s.run.Run(ctx, runner.KillTunnels(TunnelProcess)); err != nil {
		s.logger.Debug("no tunnel processes to stop", "error", err)
	}
	return nil
}

// waitReady polls device state and reachability within the attempt budget.
func (s *Supervisor) waitReady(ctx context.Context, namespace string) error {
	started := s.clk.Now()
	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.checkReady(ctx, namespace); err == nil {
			s.logger.Info("tunnel ready", "namespace", namespace, "attempt", attempt)
			if s.readyObserver != nil {
				s.readyObserver(s.clk.Since(started))
			}
			return nil
		} else {
			lastErr = err
		}

		s.logger.Debug("tunnel not ready yet",
			"namespace", namespace,
			"attempt", fmt.Sprintf("%d/%d", attempt, s.policy.MaxAttempts))
		if attempt < s.policy.MaxAttempts {
			s.clk.Sleep(s.policy.Interval)
		}
	}
	return &ConnectionError{
		Namespace: namespace,
		Attempts:  s.policy.MaxAttempts,
		Err:       lastErr,
	}
}

func (s *Supervisor) checkReady(ctx context.Context, namespace string) error {
	out, err := s.run.Output(ctx, runner.LinkShow(namespace, TunnelDevice))
	if err != nil {
		return fmt.Errorf("device not present: %w", err)
	}
	if !deviceUp(out) {
		return fmt.Errorf("device %s not up", TunnelDevice)
	}
	return s.probe(ctx, namespace, TunnelDevice, s.probeTarget)
}

// deviceUp reports whether the UP flag is set in ip-link output.
func deviceUp(linkShow string) bool {
	start := strings.Index(linkShow, "<")
	end := strings.Index(linkShow, ">")
	if start < 0 || end < start {
		return false
	}
	for _, flag := range strings.Split(linkShow[start+1:end], ",") {
		if flag == "UP" {
			return true
		}
	}
	return false
}
