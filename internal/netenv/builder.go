package netenv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vishvananda/netlink"

	"github.com/nexusvpn/nexus/internal/logging"
)

// InterfaceError reports a failure to create or wire a namespace or link.
// The orchestrator treats it as fatal for the current setup attempt.
type InterfaceError struct {
	Op        string
	Namespace string
	Err       error
}

func (e *InterfaceError) Error() string {
	if e.Namespace != "" {
		return fmt.Sprintf("interface error: %s (namespace %s): %v", e.Op, e.Namespace, e.Err)
	}
	return fmt.Sprintf("interface error: %s: %v", e.Op, e.Err)
}

func (e *InterfaceError) Unwrap() error { return e.Err }

// IsInterfaceError reports whether err wraps an InterfaceError.
func IsInterfaceError(err error) bool {
	var ie *InterfaceError
	return errors.As(err, &ie)
}

// DefaultResolvDir is where the kernel expects per-namespace resolver files.
const DefaultResolvDir = "/etc/netns"

// Builder creates one isolated namespace per hop plus the veth pair that
// connects it to the host.
type Builder struct {
	nl         Netlinker
	ns         Namespacer
	et         Ethtooler
	alloc      *BlockAllocator
	dnsServers []string
	resolvDir  string
	logger     *logging.Logger
}

// BuilderOption adjusts a Builder.
type BuilderOption func(*Builder)

// WithResolvDir overrides the per-namespace resolver directory (tests).
func WithResolvDir(dir string) BuilderOption {
	return func(b *Builder) { b.resolvDir = dir }
}

// WithDNSServers sets the fallback resolvers written into each namespace.
func WithDNSServers(servers []string) BuilderOption {
	return func(b *Builder) { b.dnsServers = servers }
}

// NewBuilder creates a Builder with injected kernel access.
func NewBuilder(nl Netlinker, ns Namespacer, et Ethtooler, alloc *BlockAllocator, logger *logging.Logger, opts ...BuilderOption) *Builder {
	b := &Builder{
		nl:         nl,
		ns:         ns,
		et:         et,
		alloc:      alloc,
		dnsServers: []string{"8.8.8.8", "8.8.4.4"},
		resolvDir:  DefaultResolvDir,
		logger:     logger.WithComponent("netenv"),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// HostLinkNames returns the deterministic veth end names for a namespace's
// host link.
func HostLinkNames(namespace string) (hostEnd, peerEnd string) {
	return "veth0_" + namespace, "veth1_" + namespace
}

// Exists reports whether the named namespace exists.
func (b *Builder) Exists(id string) bool {
	return b.ns.Exists(id)
}

// CreateNamespace creates the named namespace, wires it to the host with a
// veth pair from a fresh address block, and installs in-namespace defaults
// (loopback, default route toward the host end, resolver file).
//
// Calling it for a namespace that already exists fails fast; a stale
// namespace must be deleted first, never silently reconfigured.
func (b *Builder) CreateNamespace(id string) (*VirtualLink, error) {
	if b.ns.Exists(id) {
		return nil, &InterfaceError{Op: "create", Namespace: id,
			Err: fmt.Errorf("namespace already exists")}
	}

	block, err := b.alloc.Alloc()
	if err != nil {
		return nil, &InterfaceError{Op: "allocate block", Namespace: id, Err: err}
	}

	if err := b.ns.Create(id); err != nil {
		return nil, &InterfaceError{Op: "create", Namespace: id, Err: err}
	}

	hostEnd, peerEnd := HostLinkNames(id)
	link := &VirtualLink{
		HostEnd:       hostEnd,
		PeerEnd:       peerEnd,
		PeerNamespace: id,
		Block:         block,
	}

	if err := b.wireHostLink(id, link); err != nil {
		// Best effort: the namespace is not guaranteed clean after a
		// partial failure, but we try before reporting.
		b.Destroy(id)
		return nil, &InterfaceError{Op: "wire", Namespace: id, Err: err}
	}

	b.logger.Info("namespace ready",
		"namespace", id, "host_end", hostEnd, "subnet", block.Subnet())
	return link, nil
}

func (b *Builder) wireHostLink(id string, link *VirtualLink) error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: link.HostEnd},
		PeerName:  link.PeerEnd,
	}
	if err := b.nl.LinkAdd(veth); err != nil {
		return fmt.Errorf("failed to create veth pair: %w", err)
	}

	peer, err := b.nl.LinkByName(link.PeerEnd)
	if err != nil {
		return fmt.Errorf("failed to find veth peer: %w", err)
	}
	if err := b.nl.LinkSetNs(peer, id); err != nil {
		return fmt.Errorf("failed to move peer into namespace: %w", err)
	}

	host, err := b.nl.LinkByName(link.HostEnd)
	if err != nil {
		return fmt.Errorf("failed to find host end: %w", err)
	}
	addr, err := b.nl.ParseAddr(link.Block.GatewayCIDR())
	if err != nil {
		return err
	}
	if err := b.nl.AddrAdd(host, addr); err != nil {
		return fmt.Errorf("failed to address host end: %w", err)
	}
	if err := b.nl.LinkSetUp(host); err != nil {
		return fmt.Errorf("failed to bring up host end: %w", err)
	}
	if err := b.et.DisableTxOffload(link.HostEnd); err != nil {
		b.logger.Warn("failed to disable tx offload", "iface", link.HostEnd, "error", err)
	}

	if err := b.ns.Do(id, func() error {
		return b.configureInside(link)
	}); err != nil {
		return err
	}

	if err := b.writeResolvConf(id); err != nil {
		return err
	}
	return nil
}

// configureInside runs with the calling thread inside the namespace.
func (b *Builder) configureInside(link *VirtualLink) error {
	lo, err := b.nl.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("failed to find loopback: %w", err)
	}
	if err := b.nl.LinkSetUp(lo); err != nil {
		return fmt.Errorf("failed to bring up loopback: %w", err)
	}

	peer, err := b.nl.LinkByName(link.PeerEnd)
	if err != nil {
		return fmt.Errorf("failed to find peer end: %w", err)
	}
	addr, err := b.nl.ParseAddr(link.Block.PeerCIDR())
	if err != nil {
		return err
	}
	if err := b.nl.AddrAdd(peer, addr); err != nil {
		return fmt.Errorf("failed to address peer end: %w", err)
	}
	if err := b.nl.LinkSetUp(peer); err != nil {
		return fmt.Errorf("failed to bring up peer end: %w", err)
	}

	gw, err := b.nl.ParseAddr(link.Block.GatewayCIDR())
	if err != nil {
		return err
	}
	route := &netlink.Route{Gw: gw.IP}
	if err := b.nl.RouteAdd(route); err != nil {
		return fmt.Errorf("failed to install default route: %w", err)
	}
	return nil
}

func (b *Builder) writeResolvConf(id string) error {
	dir := filepath.Join(b.resolvDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create resolver dir: %w", err)
	}
	var content string
	for _, s := range b.dnsServers {
		content += "nameserver " + s + "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, "resolv.conf"), []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write resolver file: %w", err)
	}
	return nil
}

// Destroy removes the namespace, its host link, and its resolver file.
// Best effort: each step is attempted regardless of earlier failures and
// the first error (if any) is returned for logging.
func (b *Builder) Destroy(id string) error {
	var firstErr error

	hostEnd, _ := HostLinkNames(id)
	if l, err := b.nl.LinkByName(hostEnd); err == nil {
		if err := b.nl.LinkDel(l); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if b.ns.Exists(id) {
		if err := b.ns.Delete(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := os.RemoveAll(filepath.Join(b.resolvDir, id)); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
