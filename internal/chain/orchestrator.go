package chain

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/nexusvpn/nexus/internal/clock"
	"github.com/nexusvpn/nexus/internal/config"
	"github.com/nexusvpn/nexus/internal/logging"
	"github.com/nexusvpn/nexus/internal/netenv"
	"github.com/nexusvpn/nexus/internal/tunnel"
)

// sweepLimit bounds the namespace indices Cleanup probes for leftovers
// from earlier runs.
const sweepLimit = 16

// NamespaceBuilder creates and destroys per-hop namespaces.
type NamespaceBuilder interface {
	CreateNamespace(id string) (*netenv.VirtualLink, error)
	Destroy(id string) error
	Exists(id string) bool
}

// Linker wires consecutive hop namespaces together.
type Linker interface {
	Link(prev, next string) (*netenv.VirtualLink, error)
	Unlink(link *netenv.VirtualLink) error
}

// TunnelSupervisor starts per-hop tunnel clients and stops them all.
type TunnelSupervisor interface {
	StartTunnel(ctx context.Context, hop tunnel.Hop) error
	StopAll(ctx context.Context) error
}

// Router manages the host-side routing state around an active chain.
type Router interface {
	DetectEgressInterface() (string, error)
	EnableForwarding(ctx context.Context) error
	ApplyHostRules(egress, hostLink string, supernet *net.IPNet) error
	RemoveHostRules() error
	RedirectDefaultRoute(via net.IP) error
	RestoreDefaultRoute() error
	FlushPolicyRouting(ctx context.Context)
}

// EgressProbeFunc reports the public address seen from inside a namespace.
type EgressProbeFunc func(ctx context.Context, namespace string) (string, error)

// Orchestrator drives the chain lifecycle. Setup and Cleanup are mutually
// exclusive; Status and EgressIP are safe concurrently with both.
type Orchestrator struct {
	builder NamespaceBuilder
	linker  Linker
	tunnels TunnelSupervisor
	router  Router
	clk     clock.Clock
	logger  *logging.Logger
	rng     *rand.Rand

	prefix    string
	providers func() []config.Provider
	probe     EgressProbeFunc

	// opMu serializes Setup and Cleanup. TryLock turns contention into
	// ErrBusy instead of queueing callers.
	opMu sync.Mutex

	// stateMu guards state and chain for snapshot readers.
	stateMu sync.RWMutex
	state   State
	chain   *Chain
}

// Option adjusts an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source (tests).
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clk = c }
}

// WithEgressProbe overrides the public-address probe (tests).
func WithEgressProbe(p EgressProbeFunc) Option {
	return func(o *Orchestrator) { o.probe = p }
}

// WithRand overrides provider-selection randomness (tests).
func WithRand(r *rand.Rand) Option {
	return func(o *Orchestrator) { o.rng = r }
}

// New wires an Orchestrator. providers is called at setup time so registry
// edits between chains are picked up.
func New(builder NamespaceBuilder, linker Linker, tunnels TunnelSupervisor, router Router,
	logger *logging.Logger, prefix string, providers func() []config.Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		builder:   builder,
		linker:    linker,
		tunnels:   tunnels,
		router:    router,
		clk:       &clock.RealClock{},
		logger:    logger.WithComponent("chain"),
		prefix:    prefix,
		providers: providers,
		probe:     defaultEgressProbe,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.stateMu.Lock()
	o.state = s
	o.stateMu.Unlock()
}

// Status returns a serializable snapshot of the chain.
func (o *Orchestrator) Status() Status {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()

	st := Status{State: o.state.String()}
	if o.chain == nil {
		return st
	}
	if o.state == StateActive {
		st.Uptime = o.clk.Since(o.chain.StartedAt).Round(time.Second).String()
	}
	for _, h := range o.chain.Hops {
		st.Hops = append(st.Hops, HopStatus{
			Index:     h.Index,
			Namespace: h.Namespace,
			Provider:  h.Provider.Name,
			State:     h.State.String(),
		})
	}
	return st
}

// NamespaceName returns the namespace for hop index.
func (o *Orchestrator) NamespaceName(index int) string {
	return fmt.Sprintf("%s%d", o.prefix, index)
}

// Setup builds a chain of hopCount tunnels. providerNames pins specific
// providers in hop order; when empty, providers are drawn at random
// without repetition. A failure at any hop tears down everything built so
// far before returning.
func (o *Orchestrator) Setup(ctx context.Context, hopCount int, providerNames []string) error {
	if !o.opMu.TryLock() {
		return ErrBusy
	}
	defer o.opMu.Unlock()

	if s := o.State(); s != StateIdle {
		return fmt.Errorf("cannot set up a chain while %s: %w", s, ErrBusy)
	}

	selected, err := o.selectProviders(hopCount, providerNames)
	if err != nil {
		return err
	}

	o.logger.Info("building chain", "hops", hopCount)
	o.setState(StateBuilding)
	o.stateMu.Lock()
	o.chain = &Chain{StartedAt: o.clk.Now()}
	o.stateMu.Unlock()

	for i, provider := range selected {
		if err := o.buildHop(ctx, i, provider); err != nil {
			o.logger.Error("hop build failed", "hop", i, "error", err)
			o.setState(StateFailed)
			o.teardown(ctx)
			return err
		}
	}

	if err := o.routeIntoChain(ctx); err != nil {
		o.logger.Error("host routing failed", "error", err)
		o.setState(StateFailed)
		o.teardown(ctx)
		return err
	}

	o.setState(StateActive)
	o.logger.Info("chain active", "hops", hopCount)
	return nil
}

func (o *Orchestrator) buildHop(ctx context.Context, index int, provider config.Provider) error {
	ns := o.NamespaceName(index)
	hop := &Hop{Index: index, Namespace: ns, Provider: provider, State: HopPending}
	o.stateMu.Lock()
	o.chain.Hops = append(o.chain.Hops, hop)
	o.stateMu.Unlock()

	fail := func(err error) error {
		o.setHopState(hop, HopFailed)
		return err
	}

	hostLink, err := o.builder.CreateNamespace(ns)
	if err != nil {
		return fail(err)
	}
	hop.HostLink = hostLink
	o.setHopState(hop, HopNamespaceReady)

	o.setHopState(hop, HopTunnelStarting)
	tHop := tunnel.Hop{
		Index:     index,
		Namespace: ns,
		Provider:  provider,
	}
	if index == 0 {
		tHop.GatewayIP = hostLink.Block.GatewayIP()
	}
	if err := o.tunnels.StartTunnel(ctx, tHop); err != nil {
		return fail(err)
	}
	o.setHopState(hop, HopTunnelUp)

	// The inter-namespace link is wired only once this hop's tunnel is
	// verified up, so traffic is never routed into a dead hop.
	if index > 0 {
		prev := o.NamespaceName(index - 1)
		chainLink, err := o.linker.Link(prev, ns)
		if err != nil {
			return fail(err)
		}
		hop.ChainLink = chainLink
		o.setHopState(hop, HopLinked)
	}
	return nil
}

func (o *Orchestrator) setHopState(hop *Hop, s HopState) {
	o.stateMu.Lock()
	hop.State = s
	o.stateMu.Unlock()
}

// routeIntoChain installs the host-side rules and points the default route
// at hop 0.
func (o *Orchestrator) routeIntoChain(ctx context.Context) error {
	o.stateMu.RLock()
	first := o.chain.Hops[0]
	o.stateMu.RUnlock()

	egress, err := o.router.DetectEgressInterface()
	if err != nil {
		return err
	}
	if err := o.router.EnableForwarding(ctx); err != nil {
		return err
	}
	if err := o.router.ApplyHostRules(egress, first.HostLink.HostEnd, netenv.Supernet()); err != nil {
		return err
	}
	peer := net.ParseIP(first.HostLink.Block.PeerIP())
	if peer == nil {
		return fmt.Errorf("invalid hop 0 peer address %q", first.HostLink.Block.PeerIP())
	}
	return o.router.RedirectDefaultRoute(peer)
}

// Cleanup tears the chain down. Safe to call when nothing is running; it
// also sweeps namespaces left behind by an earlier process. Teardown is
// best-effort and never fails: partial problems are logged and skipped so
// the orchestrator always comes back to Idle.
func (o *Orchestrator) Cleanup(ctx context.Context) error {
	if !o.opMu.TryLock() {
		return ErrBusy
	}
	defer o.opMu.Unlock()
	o.teardown(ctx)
	return nil
}

// teardown releases everything best-effort, in reverse build order, and
// unconditionally ends in Idle. The caller must hold opMu.
func (o *Orchestrator) teardown(ctx context.Context) {
	o.setState(StateTearingDown)

	if err := o.tunnels.StopAll(ctx); err != nil {
		o.logger.Warn("failed to stop tunnel processes", "error", err)
	}
	if err := o.router.RestoreDefaultRoute(); err != nil {
		o.logger.Warn("failed to restore default route", "error", err)
	}
	if err := o.router.RemoveHostRules(); err != nil {
		o.logger.Warn("failed to remove host rules", "error", err)
	}
	o.router.FlushPolicyRouting(ctx)

	o.stateMu.RLock()
	var hops []*Hop
	if o.chain != nil {
		hops = append(hops, o.chain.Hops...)
	}
	o.stateMu.RUnlock()

	for i := len(hops) - 1; i >= 0; i-- {
		hop := hops[i]
		if hop.ChainLink != nil {
			if err := o.linker.Unlink(hop.ChainLink); err != nil {
				o.logger.Warn("failed to unlink hop", "hop", hop.Index, "error", err)
			}
		}
		if err := o.builder.Destroy(hop.Namespace); err != nil {
			o.logger.Warn("failed to destroy namespace",
				"namespace", hop.Namespace, "error", err)
		}
	}

	// Sweep indices beyond the recorded chain in case an earlier process
	// died mid-build.
	for i := 0; i < sweepLimit; i++ {
		ns := o.NamespaceName(i)
		if !o.builder.Exists(ns) {
			continue
		}
		if err := o.builder.Destroy(ns); err != nil {
			o.logger.Warn("failed to destroy namespace", "namespace", ns, "error", err)
		}
	}

	o.stateMu.Lock()
	o.chain = nil
	o.stateMu.Unlock()
	o.setState(StateIdle)
}

// selectProviders resolves pinned names or draws a random sample.
func (o *Orchestrator) selectProviders(hopCount int, names []string) ([]config.Provider, error) {
	available := o.providers()
	if hopCount < 1 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("hop count %d must be at least 1", hopCount)}
	}
	if hopCount > len(available) {
		return nil, &ConfigurationError{Reason: fmt.Sprintf(
			"hop count %d exceeds the %d configured providers", hopCount, len(available))}
	}

	if len(names) > 0 {
		if len(names) != hopCount {
			return nil, &ConfigurationError{Reason: fmt.Sprintf(
				"%d providers named for %d hops", len(names), hopCount)}
		}
		byName := make(map[string]config.Provider, len(available))
		for _, p := range available {
			byName[p.Name] = p
		}
		out := make([]config.Provider, 0, hopCount)
		for _, n := range names {
			p, ok := byName[n]
			if !ok {
				return nil, &ConfigurationError{Reason: "unknown provider " + n}
			}
			out = append(out, p)
		}
		return out, nil
	}

	shuffled := make([]config.Provider, len(available))
	copy(shuffled, available)
	shuffle := func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] }
	if o.rng != nil {
		o.rng.Shuffle(len(shuffled), shuffle)
	} else {
		rand.Shuffle(len(shuffled), shuffle)
	}
	return shuffled[:hopCount], nil
}

// ExitNamespace returns the last hop's namespace when a chain is active.
func (o *Orchestrator) ExitNamespace() (string, bool) {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	if o.state != StateActive || o.chain == nil || len(o.chain.Hops) == 0 {
		return "", false
	}
	return o.chain.Hops[len(o.chain.Hops)-1].Namespace, true
}

// EgressIP reports the public address the chain exits from, probed from
// inside the last hop's namespace.
func (o *Orchestrator) EgressIP(ctx context.Context) (string, error) {
	o.stateMu.RLock()
	if o.state != StateActive || o.chain == nil || len(o.chain.Hops) == 0 {
		o.stateMu.RUnlock()
		return "", fmt.Errorf("no active chain")
	}
	last := o.chain.Hops[len(o.chain.Hops)-1].Namespace
	o.stateMu.RUnlock()

	return o.probe(ctx, last)
}
