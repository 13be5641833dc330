package netenv

import (
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"
	"github.com/vishvananda/netlink"
)

// MockNetlinker is a mock implementation of the Netlinker interface.
type MockNetlinker struct {
	mock.Mock
}

func (m *MockNetlinker) LinkByName(name string) (netlink.Link, error) {
	args := m.Called(name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(netlink.Link), args.Error(1)
}

func (m *MockNetlinker) LinkList() ([]netlink.Link, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]netlink.Link), args.Error(1)
}

func (m *MockNetlinker) LinkAdd(link netlink.Link) error {
	args := m.Called(link)
	return args.Error(0)
}

func (m *MockNetlinker) LinkDel(link netlink.Link) error {
	args := m.Called(link)
	return args.Error(0)
}

func (m *MockNetlinker) LinkSetUp(link netlink.Link) error {
	args := m.Called(link)
	return args.Error(0)
}

func (m *MockNetlinker) LinkSetNs(link netlink.Link, namespace string) error {
	args := m.Called(link, namespace)
	return args.Error(0)
}

func (m *MockNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	args := m.Called(link, addr)
	return args.Error(0)
}

func (m *MockNetlinker) RouteAdd(route *netlink.Route) error {
	args := m.Called(route)
	return args.Error(0)
}

func (m *MockNetlinker) RouteReplace(route *netlink.Route) error {
	args := m.Called(route)
	return args.Error(0)
}

func (m *MockNetlinker) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	args := m.Called(link, family)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]netlink.Route), args.Error(1)
}

func (m *MockNetlinker) ParseAddr(s string) (*netlink.Addr, error) {
	return netlink.ParseAddr(s)
}

// FakeKernel is an in-memory Netlinker + Namespacer + Ethtooler for tests
// that care about resulting state rather than individual call expectations.
// Links are tracked per namespace ("" is the host).
type FakeKernel struct {
	mu         sync.Mutex
	Namespaces map[string]bool
	Links      map[string]string // link name -> owning namespace
	Routes     map[string]string // namespace -> default gw
	FailOn     string            // op name that should fail, e.g. "LinkAdd"

	current string // namespace the "calling thread" is in
}

// NewFakeKernel returns an empty fake kernel.
func NewFakeKernel() *FakeKernel {
	return &FakeKernel{
		Namespaces: make(map[string]bool),
		Links:      make(map[string]string),
		Routes:     make(map[string]string),
	}
}

func (f *FakeKernel) fail(op string) error {
	if f.FailOn == op {
		return fmt.Errorf("injected %s failure", op)
	}
	return nil
}

// --- Namespacer ---

func (f *FakeKernel) Exists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Namespaces[name]
}

func (f *FakeKernel) Create(name string) error {
	if err := f.fail("NsCreate"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Namespaces[name] {
		return fmt.Errorf("namespace %s exists", name)
	}
	f.Namespaces[name] = true
	f.Links["lo@"+name] = name
	return nil
}

func (f *FakeKernel) Delete(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Namespaces, name)
	for l, ns := range f.Links {
		if ns == name {
			delete(f.Links, l)
		}
	}
	delete(f.Routes, name)
	return nil
}

func (f *FakeKernel) Do(name string, fn func() error) error {
	f.mu.Lock()
	if !f.Namespaces[name] {
		f.mu.Unlock()
		return fmt.Errorf("namespace %s does not exist", name)
	}
	f.current = name
	f.mu.Unlock()
	err := fn()
	f.mu.Lock()
	f.current = ""
	f.mu.Unlock()
	return err
}

// --- Netlinker ---

func (f *FakeKernel) key(name string) string {
	if name == "lo" {
		return "lo@" + f.current
	}
	return name
}

func (f *FakeKernel) LinkByName(name string) (netlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ns, ok := f.Links[f.key(name)]
	if !ok || ns != f.current {
		return nil, fmt.Errorf("link %s not found", name)
	}
	return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name}}, nil
}

func (f *FakeKernel) LinkList() ([]netlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []netlink.Link
	for l, ns := range f.Links {
		if ns == f.current {
			out = append(out, &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: l}})
		}
	}
	return out, nil
}

func (f *FakeKernel) LinkAdd(link netlink.Link) error {
	if err := f.fail("LinkAdd"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := link.Attrs().Name
	if _, dup := f.Links[name]; dup {
		return fmt.Errorf("link %s exists", name)
	}
	f.Links[name] = f.current
	if veth, ok := link.(*netlink.Veth); ok {
		if _, dup := f.Links[veth.PeerName]; dup {
			return fmt.Errorf("link %s exists", veth.PeerName)
		}
		f.Links[veth.PeerName] = f.current
	}
	return nil
}

func (f *FakeKernel) LinkDel(link netlink.Link) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Links, link.Attrs().Name)
	return nil
}

func (f *FakeKernel) LinkSetUp(link netlink.Link) error {
	return f.fail("LinkSetUp")
}

func (f *FakeKernel) LinkSetNs(link netlink.Link, namespace string) error {
	if err := f.fail("LinkSetNs"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Namespaces[namespace] {
		return fmt.Errorf("namespace %s does not exist", namespace)
	}
	f.Links[link.Attrs().Name] = namespace
	return nil
}

func (f *FakeKernel) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return f.fail("AddrAdd")
}

func (f *FakeKernel) RouteAdd(route *netlink.Route) error {
	if err := f.fail("RouteAdd"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Routes[f.current] = route.Gw.String()
	return nil
}

func (f *FakeKernel) RouteReplace(route *netlink.Route) error {
	if err := f.fail("RouteReplace"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Routes[f.current] = route.Gw.String()
	return nil
}

func (f *FakeKernel) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	return nil, nil
}

func (f *FakeKernel) ParseAddr(s string) (*netlink.Addr, error) {
	return netlink.ParseAddr(s)
}

// --- Ethtooler ---

func (f *FakeKernel) DisableTxOffload(iface string) error { return nil }

// LinkCount returns how many non-loopback links exist across all namespaces.
func (f *FakeKernel) LinkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for l := range f.Links {
		if len(l) < 3 || l[:3] != "lo@" {
			n++
		}
	}
	return n
}
