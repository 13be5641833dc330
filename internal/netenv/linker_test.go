package netenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusvpn/nexus/internal/logging"
)

func TestChainLinkNames(t *testing.T) {
	a, b := chainLinkNames("vpnns0", "vpnns1")
	assert.Equal(t, "vc0_1", a)
	assert.Equal(t, "vc1_0", b)
	assert.LessOrEqual(t, len(a), 15)
	assert.LessOrEqual(t, len(b), 15)
}

func TestLink(t *testing.T) {
	k := NewFakeKernel()
	alloc := NewBlockAllocator()
	b := NewBuilder(k, k, k, alloc, logging.Discard(), WithResolvDir(t.TempDir()))
	l := NewLinker(k, k, alloc, logging.Discard())

	_, err := b.CreateNamespace("vpnns0")
	require.NoError(t, err)
	_, err = b.CreateNamespace("vpnns1")
	require.NoError(t, err)

	link, err := l.Link("vpnns0", "vpnns1")
	require.NoError(t, err)

	assert.Equal(t, "vpnns0", link.HostNamespace)
	assert.Equal(t, "vpnns1", link.PeerNamespace)
	assert.Equal(t, "vpnns0", k.Links["vc0_1"])
	assert.Equal(t, "vpnns1", k.Links["vc1_0"])
	// Hop 1's default route now points back down the chain at hop 0.
	assert.Equal(t, link.Block.GatewayIP(), k.Routes["vpnns1"])
}

func TestLinkBlocksDisjointFromHostLinks(t *testing.T) {
	k := NewFakeKernel()
	alloc := NewBlockAllocator()
	b := NewBuilder(k, k, k, alloc, logging.Discard(), WithResolvDir(t.TempDir()))
	l := NewLinker(k, k, alloc, logging.Discard())

	l0, err := b.CreateNamespace("vpnns0")
	require.NoError(t, err)
	l1, err := b.CreateNamespace("vpnns1")
	require.NoError(t, err)
	cl, err := l.Link("vpnns0", "vpnns1")
	require.NoError(t, err)

	subnets := map[string]bool{}
	for _, link := range []*VirtualLink{l0, l1, cl} {
		require.False(t, subnets[link.Block.Subnet()],
			"subnet %s used twice", link.Block.Subnet())
		subnets[link.Block.Subnet()] = true
	}
}

func TestLinkRequiresBothNamespaces(t *testing.T) {
	k := NewFakeKernel()
	alloc := NewBlockAllocator()
	b := NewBuilder(k, k, k, alloc, logging.Discard(), WithResolvDir(t.TempDir()))
	l := NewLinker(k, k, alloc, logging.Discard())

	_, err := b.CreateNamespace("vpnns0")
	require.NoError(t, err)

	_, err = l.Link("vpnns0", "vpnns1")
	require.Error(t, err)
	assert.True(t, IsInterfaceError(err))
}

func TestLinkRollsBackOnFailure(t *testing.T) {
	k := NewFakeKernel()
	alloc := NewBlockAllocator()
	b := NewBuilder(k, k, k, alloc, logging.Discard(), WithResolvDir(t.TempDir()))

	_, err := b.CreateNamespace("vpnns0")
	require.NoError(t, err)
	_, err = b.CreateNamespace("vpnns1")
	require.NoError(t, err)
	before := k.LinkCount()

	k.FailOn = "RouteReplace"
	l := NewLinker(k, k, alloc, logging.Discard())
	_, err = l.Link("vpnns0", "vpnns1")
	require.Error(t, err)
	assert.Equal(t, before, k.LinkCount(), "partial chain link must be removed")
}

func TestUnlink(t *testing.T) {
	k := NewFakeKernel()
	alloc := NewBlockAllocator()
	b := NewBuilder(k, k, k, alloc, logging.Discard(), WithResolvDir(t.TempDir()))
	l := NewLinker(k, k, alloc, logging.Discard())

	_, err := b.CreateNamespace("vpnns0")
	require.NoError(t, err)
	_, err = b.CreateNamespace("vpnns1")
	require.NoError(t, err)
	link, err := l.Link("vpnns0", "vpnns1")
	require.NoError(t, err)

	require.NoError(t, l.Unlink(link))
	_, exists := k.Links["vc0_1"]
	assert.False(t, exists)
	require.NoError(t, l.Unlink(link), "unlink is idempotent")
	require.NoError(t, l.Unlink(nil))
}

func TestDescribeLink(t *testing.T) {
	assert.Equal(t, "", DescribeLink(nil))
	assert.Equal(t, "host<->vpnns0 10.200.1.0/24", DescribeLink(&VirtualLink{
		PeerNamespace: "vpnns0",
		Block:         Block{Index: 1},
	}))
}
