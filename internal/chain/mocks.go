package chain

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/nexusvpn/nexus/internal/netenv"
	"github.com/nexusvpn/nexus/internal/tunnel"
)

// FakeBuilder is an in-memory NamespaceBuilder for tests.
type FakeBuilder struct {
	mu        sync.Mutex
	alloc     *netenv.BlockAllocator
	Existing  map[string]bool
	Created   []string
	Destroyed []string
	FailAt    string
	// DestroyErr makes every Destroy fail while leaving the namespace in
	// place, like a busy kernel namespace would.
	DestroyErr error
}

func NewFakeBuilder() *FakeBuilder {
	return &FakeBuilder{alloc: netenv.NewBlockAllocator(), Existing: map[string]bool{}}
}

func (f *FakeBuilder) CreateNamespace(id string) (*netenv.VirtualLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.FailAt {
		return nil, fmt.Errorf("create %s: injected failure", id)
	}
	block, err := f.alloc.Alloc()
	if err != nil {
		return nil, err
	}
	f.Existing[id] = true
	f.Created = append(f.Created, id)
	host, peer := netenv.HostLinkNames(id)
	return &netenv.VirtualLink{
		HostEnd: host, PeerEnd: peer, PeerNamespace: id, Block: block,
	}, nil
}

func (f *FakeBuilder) Destroy(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DestroyErr != nil {
		return f.DestroyErr
	}
	delete(f.Existing, id)
	f.Destroyed = append(f.Destroyed, id)
	return nil
}

func (f *FakeBuilder) Exists(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Existing[id]
}

// FakeLinker records chain link operations.
type FakeLinker struct {
	Linked   []string
	Unlinked []string
	FailAt   string
}

func (f *FakeLinker) Link(prev, next string) (*netenv.VirtualLink, error) {
	if next == f.FailAt {
		return nil, fmt.Errorf("link %s->%s: injected failure", prev, next)
	}
	f.Linked = append(f.Linked, prev+"->"+next)
	return &netenv.VirtualLink{
		HostEnd: "vcA", PeerEnd: "vcB",
		HostNamespace: prev, PeerNamespace: next,
	}, nil
}

func (f *FakeLinker) Unlink(link *netenv.VirtualLink) error {
	f.Unlinked = append(f.Unlinked, link.HostNamespace+"->"+link.PeerNamespace)
	return nil
}

// FakeTunnels records tunnel starts and stops.
type FakeTunnels struct {
	Started []tunnel.Hop
	Stopped int
	FailAt  string
}

func (f *FakeTunnels) StartTunnel(ctx context.Context, hop tunnel.Hop) error {
	if hop.Namespace == f.FailAt {
		return fmt.Errorf("tunnel in %s: injected failure", hop.Namespace)
	}
	f.Started = append(f.Started, hop)
	return nil
}

func (f *FakeTunnels) StopAll(ctx context.Context) error {
	f.Stopped++
	return nil
}

// FakeRouter counts routing operations.
type FakeRouter struct {
	Applied    int
	Removed    int
	Redirected int
	Restored   int
	Forwarding int
	Flushes    int
	ApplyErr   error
}

func (f *FakeRouter) DetectEgressInterface() (string, error) { return "eth0", nil }
func (f *FakeRouter) EnableForwarding(context.Context) error { f.Forwarding++; return nil }
func (f *FakeRouter) RemoveHostRules() error                 { f.Removed++; return nil }
func (f *FakeRouter) RedirectDefaultRoute(via net.IP) error  { f.Redirected++; return nil }
func (f *FakeRouter) RestoreDefaultRoute() error             { f.Restored++; return nil }
func (f *FakeRouter) FlushPolicyRouting(ctx context.Context) { f.Flushes++ }
func (f *FakeRouter) ApplyHostRules(egress, hostLink string, supernet *net.IPNet) error {
	if f.ApplyErr != nil {
		return f.ApplyErr
	}
	f.Applied++
	return nil
}
