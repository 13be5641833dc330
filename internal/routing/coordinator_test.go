package routing

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/nexusvpn/nexus/internal/logging"
	"github.com/nexusvpn/nexus/internal/netenv"
	"github.com/nexusvpn/nexus/internal/runner"
)

func chainSupernet(t *testing.T) *net.IPNet {
	t.Helper()
	_, ipNet, err := net.ParseCIDR("10.200.0.0/16")
	require.NoError(t, err)
	return ipNet
}

func newCoordinator(nft NFTConn, nl netenv.Netlinker, run runner.Runner) *Coordinator {
	return NewCoordinator(nft, nl, run, logging.Discard(), "eth0")
}

func TestApplyHostRulesBuildsTable(t *testing.T) {
	nft := &FakeNFTConn{}
	c := newCoordinator(nft, &netenv.MockNetlinker{}, &runner.RecordingRunner{})

	require.NoError(t, c.ApplyHostRules("eth0", "veth0_vpnns0", chainSupernet(t)))

	require.Len(t, nft.Tables, 1)
	assert.Equal(t, TableName, nft.Tables[0].Name)
	assert.Equal(t, nftables.TableFamilyIPv4, nft.Tables[0].Family)

	nat := nft.Chain(natChainName)
	require.NotNil(t, nat)
	assert.Equal(t, nftables.ChainTypeNAT, nat.Type)
	assert.Equal(t, nftables.ChainHookPostrouting, nat.Hooknum)

	fwd := nft.Chain(forwardChainName)
	require.NotNil(t, fwd)
	assert.Equal(t, nftables.ChainHookForward, fwd.Hooknum)

	// One masquerade rule plus a forward accept in each direction.
	require.Len(t, nft.Rules, 3)
	assert.Equal(t, 1, nft.Flushes)
}

func TestApplyHostRulesMasqueradeShape(t *testing.T) {
	nft := &FakeNFTConn{}
	c := newCoordinator(nft, &netenv.MockNetlinker{}, &runner.RecordingRunner{})
	require.NoError(t, c.ApplyHostRules("eth0", "veth0_vpnns0", chainSupernet(t)))

	natRules, err := nft.GetRules(nft.Tables[0], nft.Chain(natChainName))
	require.NoError(t, err)
	require.Len(t, natRules, 1)

	exprs := natRules[0].Exprs
	var sawEgressMatch, sawSupernetMatch, sawMasq bool
	for _, e := range exprs {
		switch v := e.(type) {
		case *expr.Cmp:
			if string(v.Data[:4]) == "eth0" {
				sawEgressMatch = true
			}
			if net.IP(v.Data).Equal(net.ParseIP("10.200.0.0").To4()) {
				sawSupernetMatch = true
			}
		case *expr.Masq:
			sawMasq = true
		}
	}
	assert.True(t, sawEgressMatch, "masquerade must match the egress interface")
	assert.True(t, sawSupernetMatch, "masquerade must be scoped to the chain supernet")
	assert.True(t, sawMasq)

	// Interface names are padded to IFNAMSIZ.
	cmp, ok := exprs[1].(*expr.Cmp)
	require.True(t, ok)
	assert.Len(t, cmp.Data, 16)
}

func TestApplyHostRulesIsIdempotent(t *testing.T) {
	nft := &FakeNFTConn{}
	c := newCoordinator(nft, &netenv.MockNetlinker{}, &runner.RecordingRunner{})

	require.NoError(t, c.ApplyHostRules("eth0", "veth0_vpnns0", chainSupernet(t)))
	require.NoError(t, c.ApplyHostRules("eth0", "veth0_vpnns0", chainSupernet(t)))

	// The second apply replaces the first table instead of stacking rules.
	assert.Len(t, nft.Tables, 1)
	assert.Contains(t, nft.Deleted, TableName)
}

func TestApplyHostRulesValidation(t *testing.T) {
	c := newCoordinator(&FakeNFTConn{}, &netenv.MockNetlinker{}, &runner.RecordingRunner{})
	assert.Error(t, c.ApplyHostRules("", "veth0_vpnns0", chainSupernet(t)))
	assert.Error(t, c.ApplyHostRules("eth0", "", chainSupernet(t)))
	assert.Error(t, c.ApplyHostRules("eth0", "veth0_vpnns0", nil))
}

func TestRemoveHostRulesWhenAbsent(t *testing.T) {
	nft := &FakeNFTConn{}
	c := newCoordinator(nft, &netenv.MockNetlinker{}, &runner.RecordingRunner{})

	require.NoError(t, c.RemoveHostRules())
	assert.Zero(t, nft.Flushes)
}

func TestRemoveHostRulesDeletesOwnTableOnly(t *testing.T) {
	nft := &FakeNFTConn{}
	nft.AddTable(&nftables.Table{Name: "filter", Family: nftables.TableFamilyIPv4})
	c := newCoordinator(nft, &netenv.MockNetlinker{}, &runner.RecordingRunner{})
	require.NoError(t, c.ApplyHostRules("eth0", "veth0_vpnns0", chainSupernet(t)))

	require.NoError(t, c.RemoveHostRules())

	require.Len(t, nft.Tables, 1)
	assert.Equal(t, "filter", nft.Tables[0].Name)
}

func TestEnableForwarding(t *testing.T) {
	rec := &runner.RecordingRunner{}
	c := newCoordinator(&FakeNFTConn{}, &netenv.MockNetlinker{}, rec)

	require.NoError(t, c.EnableForwarding(context.Background()))
	assert.True(t, rec.Ran("net.ipv4.ip_forward=1"))
}

func defaultRouteFixture() []netlink.Route {
	return []netlink.Route{
		{Dst: mustCIDR("10.0.0.0/8"), LinkIndex: 3},
		{Gw: net.ParseIP("192.168.1.1"), LinkIndex: 2},
	}
}

func mustCIDR(s string) *net.IPNet {
	_, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return ipNet
}

func TestDetectEgressInterface(t *testing.T) {
	nl := &netenv.MockNetlinker{}
	nl.On("RouteList", nil, netlink.FAMILY_V4).Return(defaultRouteFixture(), nil)
	eth0 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: 2, Name: "wan0"}}
	nl.On("LinkList").Return([]netlink.Link{eth0}, nil)

	c := newCoordinator(&FakeNFTConn{}, nl, &runner.RecordingRunner{})
	name, err := c.DetectEgressInterface()
	require.NoError(t, err)
	assert.Equal(t, "wan0", name)
}

func TestDetectEgressInterfaceFallsBack(t *testing.T) {
	nl := &netenv.MockNetlinker{}
	nl.On("RouteList", nil, netlink.FAMILY_V4).Return([]netlink.Route{}, nil)

	c := newCoordinator(&FakeNFTConn{}, nl, &runner.RecordingRunner{})
	name, err := c.DetectEgressInterface()
	require.NoError(t, err)
	assert.Equal(t, "eth0", name)
}

func TestRedirectAndRestoreDefaultRoute(t *testing.T) {
	nl := &netenv.MockNetlinker{}
	nl.On("RouteList", nil, netlink.FAMILY_V4).Return(defaultRouteFixture(), nil)
	nl.On("RouteReplace", mock.Anything).Return(nil)

	c := newCoordinator(&FakeNFTConn{}, nl, &runner.RecordingRunner{})

	require.NoError(t, c.RedirectDefaultRoute(net.ParseIP("10.200.1.2")))
	require.NoError(t, c.RestoreDefaultRoute())

	calls := 0
	for _, call := range nl.Calls {
		if call.Method == "RouteReplace" {
			calls++
			route := call.Arguments.Get(0).(*netlink.Route)
			switch calls {
			case 1:
				assert.Equal(t, "10.200.1.2", route.Gw.String())
			case 2:
				assert.Equal(t, "192.168.1.1", route.Gw.String())
			}
		}
	}
	assert.Equal(t, 2, calls)

	// A second restore is a no-op.
	require.NoError(t, c.RestoreDefaultRoute())
}

func TestRedirectDefaultRouteWithoutExisting(t *testing.T) {
	nl := &netenv.MockNetlinker{}
	nl.On("RouteList", nil, netlink.FAMILY_V4).Return([]netlink.Route{}, nil)

	c := newCoordinator(&FakeNFTConn{}, nl, &runner.RecordingRunner{})
	err := c.RedirectDefaultRoute(net.ParseIP("10.200.1.2"))
	require.Error(t, err)
}

func TestFlushPolicyRoutingSwallowsErrors(t *testing.T) {
	rec := &runner.RecordingRunner{
		Script: func(cmd runner.Command) (string, error) {
			return "", errors.New("nothing there")
		},
	}
	c := newCoordinator(&FakeNFTConn{}, &netenv.MockNetlinker{}, rec)

	c.FlushPolicyRouting(context.Background())
	assert.True(t, rec.Ran("rule del table 11"))
	assert.True(t, rec.Ran("route flush table 11"))
	assert.True(t, rec.Ran("rule del table 12"))
	assert.True(t, rec.Ran("route flush table 12"))
}

func TestEnsureRoutingTableIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rt_tables")
	require.NoError(t, os.WriteFile(path, []byte("255 local\n254 main"), 0o644))

	require.NoError(t, ensureRoutingTable(path, 11, "vpn1"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "254 main\n11 vpn1\n")

	// Re-registering must not duplicate the entry.
	require.NoError(t, ensureRoutingTable(path, 11, "vpn1"))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "11 vpn1"))
}

func TestEnsureRoutingTableCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rt_tables")
	require.NoError(t, ensureRoutingTable(path, 11, "vpn1"))
	require.NoError(t, ensureRoutingTable(path, 12, "vpn2"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "11 vpn1\n12 vpn2\n", string(data))
}
