//go:build !linux

package netenv

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// RealNetlinker is a stub on non-Linux platforms; every mutation fails.
type RealNetlinker struct{}

func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	return nil, fmt.Errorf("netlink not supported on this platform")
}

func (r *RealNetlinker) LinkList() ([]netlink.Link, error) { return nil, nil }

func (r *RealNetlinker) LinkAdd(link netlink.Link) error {
	return fmt.Errorf("netlink not supported on this platform")
}

func (r *RealNetlinker) LinkDel(link netlink.Link) error { return nil }

func (r *RealNetlinker) LinkSetUp(link netlink.Link) error { return nil }

func (r *RealNetlinker) LinkSetNs(link netlink.Link, namespace string) error {
	return fmt.Errorf("netlink not supported on this platform")
}

func (r *RealNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error { return nil }

func (r *RealNetlinker) RouteAdd(route *netlink.Route) error { return nil }

func (r *RealNetlinker) RouteReplace(route *netlink.Route) error { return nil }

func (r *RealNetlinker) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	return nil, nil
}

func (r *RealNetlinker) ParseAddr(s string) (*netlink.Addr, error) {
	return netlink.ParseAddr(s)
}

// RealNamespacer is a stub on non-Linux platforms.
type RealNamespacer struct{}

func (n *RealNamespacer) Exists(name string) bool { return false }

func (n *RealNamespacer) Create(name string) error {
	return fmt.Errorf("network namespaces not supported on this platform")
}

func (n *RealNamespacer) Delete(name string) error { return nil }

func (n *RealNamespacer) Do(name string, fn func() error) error {
	return fmt.Errorf("network namespaces not supported on this platform")
}

// RealEthtooler is a stub on non-Linux platforms.
type RealEthtooler struct{}

func (e *RealEthtooler) DisableTxOffload(iface string) error { return nil }
