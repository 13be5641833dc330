// Package netenv creates and tears down the kernel objects a chain hop
// lives in: named network namespaces, veth pairs, addresses, and the
// in-namespace default routes that string hops together.
package netenv

import (
	"net"

	"github.com/vishvananda/netlink"
)

// Netlinker abstracts the netlink operations the builders need, so tests
// can run without root or a Linux kernel.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	LinkList() ([]netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	// LinkSetNs moves a link into the named network namespace.
	LinkSetNs(link netlink.Link, namespace string) error
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	RouteAdd(route *netlink.Route) error
	RouteReplace(route *netlink.Route) error
	RouteList(link netlink.Link, family int) ([]netlink.Route, error)
	ParseAddr(s string) (*netlink.Addr, error)
}

// Namespacer abstracts named-namespace lifecycle and the "run this inside
// namespace X" primitive.
type Namespacer interface {
	Exists(name string) bool
	Create(name string) error
	Delete(name string) error
	// Do runs fn with the calling thread switched into the named namespace.
	// Netlink calls made inside fn act on that namespace.
	Do(name string, fn func() error) error
}

// Ethtooler disables TX checksum offload on veth ends. Veth pairs advertise
// offloads no hardware backs, which produces bad checksums and hanging
// connections once real traffic flows.
type Ethtooler interface {
	DisableTxOffload(iface string) error
}

// VirtualLink is one veth pair wiring two network stacks together.
type VirtualLink struct {
	// HostEnd is the interface left in the earlier stack (the host, or the
	// previous hop's namespace for chain links).
	HostEnd string
	// PeerEnd is the interface moved into the later namespace.
	PeerEnd string
	// HostNamespace is empty for links anchored on the host.
	HostNamespace string
	PeerNamespace string
	Block         Block
}

// ParseIPNet is a convenience wrapper shared by the real and test paths.
func ParseIPNet(s string) (*net.IPNet, error) {
	_, ipNet, err := net.ParseCIDR(s)
	return ipNet, err
}
