package stats

import (
	"strings"

	"github.com/nexusvpn/nexus/internal/netenv"
)

// LinkFetcher reads byte counters from the host ends of hop veth pairs
// over netlink. RX and TX are summed: the interesting number is how much
// traffic crosses into the chain, not its direction.
type LinkFetcher struct {
	nl     netenv.Netlinker
	prefix string
}

// NewLinkFetcher creates a fetcher for interfaces whose name starts with
// prefix.
func NewLinkFetcher(nl netenv.Netlinker, prefix string) *LinkFetcher {
	return &LinkFetcher{nl: nl, prefix: prefix}
}

// FetchCounters implements CounterFetcher.
func (f *LinkFetcher) FetchCounters() (map[string]uint64, error) {
	links, err := f.nl.LinkList()
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64)
	for _, l := range links {
		attrs := l.Attrs()
		if !strings.HasPrefix(attrs.Name, f.prefix) {
			continue
		}
		if attrs.Statistics == nil {
			continue
		}
		out[attrs.Name] = attrs.Statistics.RxBytes + attrs.Statistics.TxBytes
	}
	return out, nil
}
