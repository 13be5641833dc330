package routing

import (
	"github.com/google/nftables"
)

// FakeNFTConn records the tables, chains, and rules queued on it. Nothing
// reaches a kernel; Flush marks the queued state committed.
type FakeNFTConn struct {
	Tables   []*nftables.Table
	Chains   []*nftables.Chain
	Rules    []*nftables.Rule
	Deleted  []string
	Flushes  int
	FlushErr error
}

func (f *FakeNFTConn) AddTable(t *nftables.Table) *nftables.Table {
	f.Tables = append(f.Tables, t)
	return t
}

func (f *FakeNFTConn) DelTable(t *nftables.Table) {
	f.Deleted = append(f.Deleted, t.Name)
	kept := f.Tables[:0]
	for _, existing := range f.Tables {
		if existing.Name != t.Name || existing.Family != t.Family {
			kept = append(kept, existing)
		}
	}
	f.Tables = kept
}

func (f *FakeNFTConn) ListTables() ([]*nftables.Table, error) {
	out := make([]*nftables.Table, len(f.Tables))
	copy(out, f.Tables)
	return out, nil
}

func (f *FakeNFTConn) AddChain(c *nftables.Chain) *nftables.Chain {
	f.Chains = append(f.Chains, c)
	return c
}

func (f *FakeNFTConn) AddRule(r *nftables.Rule) *nftables.Rule {
	f.Rules = append(f.Rules, r)
	return r
}

func (f *FakeNFTConn) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	var out []*nftables.Rule
	for _, r := range f.Rules {
		if r.Table == t && r.Chain == c {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *FakeNFTConn) Flush() error {
	f.Flushes++
	return f.FlushErr
}

// Chain returns the recorded chain with the given name, or nil.
func (f *FakeNFTConn) Chain(name string) *nftables.Chain {
	for _, c := range f.Chains {
		if c.Name == name {
			return c
		}
	}
	return nil
}
