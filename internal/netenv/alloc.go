package netenv

import (
	"fmt"
	"net"
	"sync"
)

// chainSupernet is the address space every chain link draws from. The
// host-side NAT masquerades this whole range.
const chainSupernet = "10.200.0.0/16"

// Block is one /24 carved out of the chain supernet. The earlier end of a
// link (host, or previous hop) always takes .1, the later end .2.
type Block struct {
	Index int
}

// Subnet returns the block's /24 in CIDR notation.
func (b Block) Subnet() string {
	return fmt.Sprintf("10.200.%d.0/24", b.Index)
}

// GatewayIP is the address of the earlier end of the link.
func (b Block) GatewayIP() string {
	return fmt.Sprintf("10.200.%d.1", b.Index)
}

// GatewayCIDR is the earlier end's address with prefix.
func (b Block) GatewayCIDR() string {
	return fmt.Sprintf("10.200.%d.1/24", b.Index)
}

// PeerIP is the address of the later end of the link.
func (b Block) PeerIP() string {
	return fmt.Sprintf("10.200.%d.2", b.Index)
}

// PeerCIDR is the later end's address with prefix.
func (b Block) PeerCIDR() string {
	return fmt.Sprintf("10.200.%d.2/24", b.Index)
}

// BlockAllocator hands out /24 blocks from the chain supernet. The counter
// is monotonic for the allocator's lifetime: blocks are never reissued,
// even across Setup/Cleanup cycles, so a block can never be shared by two
// concurrently live links.
type BlockAllocator struct {
	mu   sync.Mutex
	next int
}

// NewBlockAllocator returns an allocator whose first block is 10.200.1.0/24.
func NewBlockAllocator() *BlockAllocator {
	return &BlockAllocator{next: 1}
}

// Alloc returns the next unused block, or an error when the supernet is
// exhausted.
func (a *BlockAllocator) Alloc() (Block, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next > 254 {
		return Block{}, fmt.Errorf("address blocks exhausted in %s", chainSupernet)
	}
	b := Block{Index: a.next}
	a.next++
	return b, nil
}

// Supernet returns the parsed chain supernet.
func Supernet() *net.IPNet {
	_, ipNet, _ := net.ParseCIDR(chainSupernet)
	return ipNet
}
