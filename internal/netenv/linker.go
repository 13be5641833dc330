package netenv

import (
	"fmt"
	"strings"

	"github.com/vishvananda/netlink"

	"github.com/nexusvpn/nexus/internal/logging"
)

// Linker connects two already-created namespaces with an additional veth
// pair, so traffic entering the later hop flows back toward the earlier one
// by default.
type Linker struct {
	nl     Netlinker
	ns     Namespacer
	alloc  *BlockAllocator
	logger *logging.Logger
}

// NewLinker creates a Linker sharing the builder's allocator, so chain
// links and host links never collide on an address block.
func NewLinker(nl Netlinker, ns Namespacer, alloc *BlockAllocator, logger *logging.Logger) *Linker {
	return &Linker{
		nl:     nl,
		ns:     ns,
		alloc:  alloc,
		logger: logger.WithComponent("netenv"),
	}
}

// chainLinkNames derives short deterministic end names from the two
// namespaces. Interface names are capped at 15 bytes, so only the numeric
// suffixes of the namespace names are used.
func chainLinkNames(prev, next string) (prevEnd, nextEnd string) {
	p := numericSuffix(prev)
	n := numericSuffix(next)
	return fmt.Sprintf("vc%s_%s", p, n), fmt.Sprintf("vc%s_%s", n, p)
}

func numericSuffix(s string) string {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == len(s) {
		return s
	}
	return s[i:]
}

// Link wires prev and next together with a fresh address block and installs
// a default route in next pointing back at prev's end of this link.
func (l *Linker) Link(prev, next string) (*VirtualLink, error) {
	for _, ns := range []string{prev, next} {
		if !l.ns.Exists(ns) {
			return nil, &InterfaceError{Op: "link", Namespace: ns,
				Err: fmt.Errorf("namespace does not exist")}
		}
	}

	block, err := l.alloc.Alloc()
	if err != nil {
		return nil, &InterfaceError{Op: "allocate block", Namespace: next, Err: err}
	}

	prevEnd, nextEnd := chainLinkNames(prev, next)
	link := &VirtualLink{
		HostEnd:       prevEnd,
		PeerEnd:       nextEnd,
		HostNamespace: prev,
		PeerNamespace: next,
		Block:         block,
	}

	if err := l.wire(link); err != nil {
		l.unwire(link)
		return nil, &InterfaceError{
			Op:        "link " + prev + "<->" + next,
			Namespace: next,
			Err:       err,
		}
	}

	l.logger.Info("namespaces linked",
		"prev", prev, "next", next, "subnet", block.Subnet())
	return link, nil
}

func (l *Linker) wire(link *VirtualLink) error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: link.HostEnd},
		PeerName:  link.PeerEnd,
	}
	if err := l.nl.LinkAdd(veth); err != nil {
		return fmt.Errorf("failed to create chain veth pair: %w", err)
	}

	// Move each end into its namespace while both are still visible on
	// the host.
	for _, mv := range []struct {
		name, ns string
	}{
		{link.HostEnd, link.HostNamespace},
		{link.PeerEnd, link.PeerNamespace},
	} {
		end, err := l.nl.LinkByName(mv.name)
		if err != nil {
			return fmt.Errorf("failed to find %s: %w", mv.name, err)
		}
		if err := l.nl.LinkSetNs(end, mv.ns); err != nil {
			return fmt.Errorf("failed to move %s into %s: %w", mv.name, mv.ns, err)
		}
	}

	if err := l.ns.Do(link.HostNamespace, func() error {
		return l.configureEnd(link.HostEnd, link.Block.GatewayCIDR(), "")
	}); err != nil {
		return err
	}

	return l.ns.Do(link.PeerNamespace, func() error {
		return l.configureEnd(link.PeerEnd, link.Block.PeerCIDR(), link.Block.GatewayIP())
	})
}

// configureEnd addresses and raises one end; a non-empty via also replaces
// the namespace's default route to point back down the chain.
func (l *Linker) configureEnd(name, cidr, via string) error {
	end, err := l.nl.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to find %s: %w", name, err)
	}
	addr, err := l.nl.ParseAddr(cidr)
	if err != nil {
		return err
	}
	if err := l.nl.AddrAdd(end, addr); err != nil {
		return fmt.Errorf("failed to address %s: %w", name, err)
	}
	if err := l.nl.LinkSetUp(end); err != nil {
		return fmt.Errorf("failed to bring up %s: %w", name, err)
	}
	if via == "" {
		return nil
	}

	gw, err := l.nl.ParseAddr(via + "/32")
	if err != nil {
		return err
	}
	route := &netlink.Route{Gw: gw.IP}
	if err := l.nl.RouteReplace(route); err != nil {
		return fmt.Errorf("failed to set default route via %s: %w", via, err)
	}
	return nil
}

// unwire deletes the pair after a partial failure. Deleting either end
// removes both; errors are ignored because the ends may never have existed.
func (l *Linker) unwire(link *VirtualLink) {
	for _, ns := range []string{link.HostNamespace, link.PeerNamespace} {
		_ = l.ns.Do(ns, func() error {
			for _, name := range []string{link.HostEnd, link.PeerEnd} {
				if end, err := l.nl.LinkByName(name); err == nil {
					_ = l.nl.LinkDel(end)
				}
			}
			return nil
		})
	}
	if end, err := l.nl.LinkByName(link.HostEnd); err == nil {
		_ = l.nl.LinkDel(end)
	}
}

// Unlink removes a chain link during cleanup. Best effort.
func (l *Linker) Unlink(link *VirtualLink) error {
	if link == nil {
		return nil
	}
	if link.HostNamespace == "" {
		if end, err := l.nl.LinkByName(link.HostEnd); err == nil {
			return l.nl.LinkDel(end)
		}
		return nil
	}
	return l.ns.Do(link.HostNamespace, func() error {
		if end, err := l.nl.LinkByName(link.HostEnd); err == nil {
			return l.nl.LinkDel(end)
		}
		return nil
	})
}

// DescribeLink renders a link for logs and status output.
func DescribeLink(link *VirtualLink) string {
	if link == nil {
		return ""
	}
	left := link.HostNamespace
	if left == "" {
		left = "host"
	}
	return strings.Join([]string{left, link.PeerNamespace}, "<->") + " " + link.Block.Subnet()
}
