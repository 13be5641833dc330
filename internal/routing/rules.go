package routing

import (
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

// TableName is the dedicated NAT table owned by the chain manager. Keeping
// chain rules in their own table means teardown never touches rules other
// tooling installed.
const TableName = "nexus-chain"

const (
	natChainName     = "postrouting"
	forwardChainName = "forward"
)

// ifname pads an interface name to IFNAMSIZ (16 bytes) for kernel
// comparison.
func ifname(name string) []byte {
	b := make([]byte, 16)
	copy(b, name)
	return b
}

// buildTable assembles the chain manager's table, chains, and rules on
// conn without committing them.
func buildTable(conn NFTConn, egress, hostLink string, supernet *net.IPNet) *nftables.Table {
	table := conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   TableName,
	})

	nat := conn.AddChain(&nftables.Chain{
		Name:     natChainName,
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})
	conn.AddRule(masqueradeRule(table, nat, egress, supernet))

	fwd := conn.AddChain(&nftables.Chain{
		Name:     forwardChainName,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})
	conn.AddRule(forwardRule(table, fwd, hostLink, egress))
	conn.AddRule(forwardRule(table, fwd, egress, hostLink))

	return table
}

// masqueradeRule rewrites the source of chain traffic leaving through the
// egress interface.
func masqueradeRule(table *nftables.Table, chain *nftables.Chain, egress string, supernet *net.IPNet) *nftables.Rule {
	return &nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			// Match output interface
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     ifname(egress),
			},
			// Load the IPv4 source address
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseNetworkHeader,
				Offset:       12,
				Len:          4,
			},
			// Mask down to the network portion
			&expr.Bitwise{
				SourceRegister: 1,
				DestRegister:   1,
				Len:            4,
				Mask:           supernet.Mask,
				Xor:            []byte{0x00, 0x00, 0x00, 0x00},
			},
			// Only chain traffic is rewritten
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     supernet.IP.To4(),
			},
			&expr.Masq{},
		},
		UserData: []byte("nexus-chain-masquerade"),
	}
}

// forwardRule accepts traffic flowing from in to out.
func forwardRule(table *nftables.Table, chain *nftables.Chain, in, out string) *nftables.Rule {
	return &nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     ifname(in),
			},
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     ifname(out),
			},
			&expr.Verdict{Kind: expr.VerdictAccept},
		},
		UserData: []byte("nexus-chain-forward-" + in + "-" + out),
	}
}
