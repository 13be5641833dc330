//go:build linux

package netenv

import (
	"fmt"
	"runtime"

	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// RealNetlinker drives the kernel through vishvananda/netlink.
type RealNetlinker struct{}

func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (r *RealNetlinker) LinkList() ([]netlink.Link, error) {
	return netlink.LinkList()
}

func (r *RealNetlinker) LinkAdd(link netlink.Link) error {
	return netlink.LinkAdd(link)
}

func (r *RealNetlinker) LinkDel(link netlink.Link) error {
	return netlink.LinkDel(link)
}

func (r *RealNetlinker) LinkSetUp(link netlink.Link) error {
	return netlink.LinkSetUp(link)
}

func (r *RealNetlinker) LinkSetNs(link netlink.Link, namespace string) error {
	h, err := netns.GetFromName(namespace)
	if err != nil {
		return fmt.Errorf("failed to open netns %s: %w", namespace, err)
	}
	defer h.Close()
	return netlink.LinkSetNsFd(link, int(h))
}

func (r *RealNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return netlink.AddrAdd(link, addr)
}

func (r *RealNetlinker) RouteAdd(route *netlink.Route) error {
	return netlink.RouteAdd(route)
}

func (r *RealNetlinker) RouteReplace(route *netlink.Route) error {
	return netlink.RouteReplace(route)
}

func (r *RealNetlinker) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	return netlink.RouteList(link, family)
}

func (r *RealNetlinker) ParseAddr(s string) (*netlink.Addr, error) {
	return netlink.ParseAddr(s)
}

// RealNamespacer manages named namespaces through vishvananda/netns.
type RealNamespacer struct{}

func (n *RealNamespacer) Exists(name string) bool {
	h, err := netns.GetFromName(name)
	if err != nil {
		return false
	}
	h.Close()
	return true
}

func (n *RealNamespacer) Create(name string) error {
	// NewNamed switches the calling thread into the new namespace, so pin
	// the thread and switch back before returning.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return fmt.Errorf("failed to get current netns: %w", err)
	}
	defer orig.Close()

	h, err := netns.NewNamed(name)
	if err != nil {
		return fmt.Errorf("failed to create netns %s: %w", name, err)
	}
	h.Close()

	if err := netns.Set(orig); err != nil {
		return fmt.Errorf("failed to return to original netns: %w", err)
	}
	return nil
}

func (n *RealNamespacer) Delete(name string) error {
	return netns.DeleteNamed(name)
}

func (n *RealNamespacer) Do(name string, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return fmt.Errorf("failed to get current netns: %w", err)
	}
	defer orig.Close()

	target, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("failed to open netns %s: %w", name, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return fmt.Errorf("failed to enter netns %s: %w", name, err)
	}
	defer netns.Set(orig)

	return fn()
}

// RealEthtooler disables offloads with safchain/ethtool.
type RealEthtooler struct{}

func (e *RealEthtooler) DisableTxOffload(iface string) error {
	et, err := ethtool.NewEthtool()
	if err != nil {
		return err
	}
	defer et.Close()
	return et.Change(iface, map[string]bool{
		"tx-checksum-ip-generic": false,
	})
}
