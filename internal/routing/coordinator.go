package routing

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/google/nftables"
	"github.com/vishvananda/netlink"

	"github.com/nexusvpn/nexus/internal/logging"
	"github.com/nexusvpn/nexus/internal/netenv"
	"github.com/nexusvpn/nexus/internal/runner"
)

// policyTables are the numbered routing tables used for per-hop policy
// routing, one per tunnel stage. Cleanup flushes them so stale rules from
// a crashed run cannot blackhole the host.
var policyTables = []struct {
	Number int
	Name   string
}{
	{11, "vpn1"},
	{12, "vpn2"},
}

// Coordinator owns the host-side routing state for an active chain.
type Coordinator struct {
	nft    NFTConn
	nl     netenv.Netlinker
	run    runner.Runner
	logger *logging.Logger

	// fallbackEgress is used when no default route reveals the egress
	// interface.
	fallbackEgress string

	// savedDefault holds the pre-chain default route so teardown can put
	// it back.
	savedDefault *netlink.Route
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(nft NFTConn, nl netenv.Netlinker, run runner.Runner, logger *logging.Logger, fallbackEgress string) *Coordinator {
	return &Coordinator{
		nft:            nft,
		nl:             nl,
		run:            run,
		logger:         logger.WithComponent("routing"),
		fallbackEgress: fallbackEgress,
	}
}

// DetectEgressInterface returns the interface carrying the host's default
// route, falling back to the configured name when no default route exists.
func (c *Coordinator) DetectEgressInterface() (string, error) {
	route, err := c.defaultRoute()
	if err == nil {
		if name, nerr := c.linkName(route.LinkIndex); nerr == nil {
			return name, nil
		}
	}
	if c.fallbackEgress != "" {
		c.logger.Warn("no default route found, using configured egress",
			"interface", c.fallbackEgress)
		return c.fallbackEgress, nil
	}
	return "", fmt.Errorf("cannot determine egress interface: %w", err)
}

func (c *Coordinator) defaultRoute() (*netlink.Route, error) {
	routes, err := c.nl.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	for i := range routes {
		r := routes[i]
		if (r.Dst == nil || r.Dst.IP.IsUnspecified()) && r.Gw != nil {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("no default route")
}

func (c *Coordinator) linkName(index int) (string, error) {
	links, err := c.nl.LinkList()
	if err != nil {
		return "", err
	}
	for _, l := range links {
		if l.Attrs().Index == index {
			return l.Attrs().Name, nil
		}
	}
	return "", fmt.Errorf("no link with index %d", index)
}

// EnableForwarding turns on host IPv4 forwarding.
func (c *Coordinator) EnableForwarding(ctx context.Context) error {
	if err := c.run.Run(ctx, runner.SysctlIPForward(true)); err != nil {
		return fmt.Errorf("failed to enable ip forwarding: %w", err)
	}
	return nil
}

// ApplyHostRules installs masquerade and forward rules for chain traffic
// entering through hostLink and leaving through egress. The table is
// rebuilt from scratch so reapplying after a partial failure is safe.
func (c *Coordinator) ApplyHostRules(egress, hostLink string, supernet *net.IPNet) error {
	if egress == "" || hostLink == "" {
		return fmt.Errorf("egress and host link interfaces are required")
	}
	if supernet == nil {
		return fmt.Errorf("chain supernet is required")
	}

	c.deleteOwnTable()
	buildTable(c.nft, egress, hostLink, supernet)

	if err := c.nft.Flush(); err != nil {
		return fmt.Errorf("failed to commit nftables rules: %w", err)
	}
	c.logger.Info("host rules installed",
		"egress", egress, "host_link", hostLink, "supernet", supernet.String())
	return nil
}

// RemoveHostRules deletes the chain manager's table. Removing a table that
// does not exist is not an error.
func (c *Coordinator) RemoveHostRules() error {
	if !c.deleteOwnTable() {
		return nil
	}
	if err := c.nft.Flush(); err != nil {
		return fmt.Errorf("failed to remove nftables rules: %w", err)
	}
	c.logger.Info("host rules removed")
	return nil
}

// deleteOwnTable queues deletion of the chain table if present and reports
// whether anything was queued.
func (c *Coordinator) deleteOwnTable() bool {
	tables, err := c.nft.ListTables()
	if err != nil {
		return false
	}
	for _, t := range tables {
		if t.Name == TableName && t.Family == nftables.TableFamilyIPv4 {
			c.nft.DelTable(t)
			return true
		}
	}
	return false
}

// RedirectDefaultRoute points the host's default route at the first hop's
// in-namespace gateway, remembering the old route for restore.
func (c *Coordinator) RedirectDefaultRoute(via net.IP) error {
	current, err := c.defaultRoute()
	if err != nil {
		return fmt.Errorf("cannot redirect default route: %w", err)
	}
	saved := *current
	if err := c.nl.RouteReplace(&netlink.Route{Gw: via}); err != nil {
		return fmt.Errorf("failed to replace default route: %w", err)
	}
	c.savedDefault = &saved
	c.logger.Info("default route redirected", "via", via.String())
	return nil
}

// RestoreDefaultRoute puts back the route saved by RedirectDefaultRoute.
// A no-op when nothing was redirected.
func (c *Coordinator) RestoreDefaultRoute() error {
	if c.savedDefault == nil {
		return nil
	}
	if err := c.nl.RouteReplace(c.savedDefault); err != nil {
		return fmt.Errorf("failed to restore default route: %w", err)
	}
	c.logger.Info("default route restored", "via", c.savedDefault.Gw.String())
	c.savedDefault = nil
	return nil
}

// rtTablesPath is where iproute2 maps table numbers to names.
const rtTablesPath = "/etc/iproute2/rt_tables"

// EnsureRoutingTables registers the chain's numbered routing tables in
// rt_tables so ip-rule output stays readable. Idempotent: existing
// entries are left alone.
func (c *Coordinator) EnsureRoutingTables() error {
	for _, tbl := range policyTables {
		if err := ensureRoutingTable(rtTablesPath, tbl.Number, tbl.Name); err != nil {
			return err
		}
	}
	return nil
}

func ensureRoutingTable(path string, number int, name string) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == strconv.Itoa(number) {
			return nil
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	if len(data) > 0 && data[len(data)-1] != '\n' {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	_, err = f.WriteString(fmt.Sprintf("%d %s\n", number, name))
	return err
}

// FlushPolicyRouting clears the numbered routing tables and their
// selection rules. The commands fail harmlessly when nothing is there, so
// errors are logged and swallowed.
func (c *Coordinator) FlushPolicyRouting(ctx context.Context) {
	for _, tbl := range policyTables {
		if err := c.run.Run(ctx, runner.RuleDelTable(tbl.Number)); err != nil {
			c.logger.Debug("no policy rule to remove", "table", tbl.Number)
		}
		if err := c.run.Run(ctx, runner.RouteFlushTable(tbl.Number)); err != nil {
			c.logger.Debug("no policy routes to flush", "table", tbl.Number)
		}
	}
}
