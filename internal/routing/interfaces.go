// Package routing installs the host-side plumbing that carries chain
// traffic: IPv4 forwarding, masquerade and forward rules for the chain
// supernet, and the default-route redirect into the first hop.
package routing

import (
	"github.com/google/nftables"
)

// NFTConn abstracts the nftables.Conn operations the coordinator needs,
// so rule construction is testable without a kernel.
type NFTConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	DelTable(t *nftables.Table)
	ListTables() ([]*nftables.Table, error)
	AddChain(c *nftables.Chain) *nftables.Chain
	AddRule(r *nftables.Rule) *nftables.Rule
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
	Flush() error
}

// RealNFTConn wraps an actual nftables.Conn.
type RealNFTConn struct {
	conn *nftables.Conn
}

// NewRealNFTConn wraps conn.
func NewRealNFTConn(conn *nftables.Conn) *RealNFTConn {
	return &RealNFTConn{conn: conn}
}

func (r *RealNFTConn) AddTable(t *nftables.Table) *nftables.Table { return r.conn.AddTable(t) }
func (r *RealNFTConn) DelTable(t *nftables.Table)                 { r.conn.DelTable(t) }
func (r *RealNFTConn) ListTables() ([]*nftables.Table, error)     { return r.conn.ListTables() }
func (r *RealNFTConn) AddChain(c *nftables.Chain) *nftables.Chain { return r.conn.AddChain(c) }
func (r *RealNFTConn) AddRule(rule *nftables.Rule) *nftables.Rule { return r.conn.AddRule(rule) }
func (r *RealNFTConn) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	return r.conn.GetRules(t, c)
}
func (r *RealNFTConn) Flush() error { return r.conn.Flush() }
