// Package leakcheck verifies that DNS traffic leaves through the chain
// rather than the host's own uplink, and measures resolver latency from
// inside the exit namespace.
package leakcheck

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/nexusvpn/nexus/internal/logging"
)

// detectorName is Google's mirror record: its authoritative servers answer
// a TXT query with the address the query arrived from.
const detectorName = "o-o.myaddr.l.google.com."

// detectorServer is an authoritative server for the mirror record.
const detectorServer = "ns1.google.com:53"

// Dialer opens a connection inside a namespace.
type Dialer func(ctx context.Context, namespace, network, addr string) (net.Conn, error)

// Exchanger performs one DNS round trip over an established connection.
// *dns.Client satisfies it.
type Exchanger interface {
	ExchangeWithConnContext(ctx context.Context, m *dns.Msg, conn *dns.Conn) (*dns.Msg, time.Duration, error)
}

// Result is the outcome of one leak check.
type Result struct {
	CheckedAt time.Time `json:"checked_at"`
	// DNSEgressIP is the address the detector saw the query arrive from.
	DNSEgressIP string `json:"dns_egress_ip"`
	// ExpectedIP is the chain's exit address at check time.
	ExpectedIP string `json:"expected_ip"`
	Leaked     bool   `json:"leaked"`
}

// LatencyResult is one resolver's measured round-trip time.
type LatencyResult struct {
	Server  string        `json:"server"`
	Latency time.Duration `json:"latency"`
	Err     string        `json:"error,omitempty"`
}

// Checker runs DNS probes from inside a namespace.
type Checker struct {
	dial     Dialer
	client   Exchanger
	servers  []string
	logger   *logging.Logger
	detector string

	mu   sync.RWMutex
	last *Result
}

// CheckerOption adjusts a Checker.
type CheckerOption func(*Checker)

// WithExchanger overrides the DNS client (tests).
func WithExchanger(e Exchanger) CheckerOption {
	return func(c *Checker) { c.client = e }
}

// WithDetector overrides the mirror server address (tests).
func WithDetector(addr string) CheckerOption {
	return func(c *Checker) { c.detector = addr }
}

// New creates a Checker probing through dial against the configured
// resolvers.
func New(dial Dialer, servers []string, logger *logging.Logger, opts ...CheckerOption) *Checker {
	c := &Checker{
		dial:     dial,
		client:   &dns.Client{Timeout: 5 * time.Second},
		servers:  servers,
		logger:   logger.WithComponent("leakcheck"),
		detector: detectorServer,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CheckLeak asks the detector which address the namespace's DNS queries
// come from and compares it with the chain's expected exit address.
func (c *Checker) CheckLeak(ctx context.Context, namespace, expectedIP string) (*Result, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(detectorName, dns.TypeTXT)

	resp, _, err := c.exchange(ctx, namespace, msg, c.detector)
	if err != nil {
		return nil, fmt.Errorf("leak detector query failed: %w", err)
	}

	seen := ""
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok && len(txt.Txt) > 0 {
			seen = strings.TrimSpace(txt.Txt[0])
			break
		}
	}
	if net.ParseIP(seen) == nil {
		return nil, fmt.Errorf("leak detector answered %q, not an address", seen)
	}

	result := &Result{
		CheckedAt:   time.Now(),
		DNSEgressIP: seen,
		ExpectedIP:  expectedIP,
		Leaked:      expectedIP != "" && seen != expectedIP,
	}
	if result.Leaked {
		c.logger.Warn("dns leak detected",
			"dns_egress", seen, "expected", expectedIP)
	}

	c.mu.Lock()
	c.last = result
	c.mu.Unlock()
	return result, nil
}

// Last returns the most recent leak result, or nil.
func (c *Checker) Last() *Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// CheckLatency measures each configured resolver's round-trip time from
// inside the namespace. Per-server failures are reported, not fatal.
func (c *Checker) CheckLatency(ctx context.Context, namespace string) []LatencyResult {
	out := make([]LatencyResult, 0, len(c.servers))
	for _, server := range c.servers {
		addr := server
		if !strings.Contains(addr, ":") {
			addr = net.JoinHostPort(addr, "53")
		}

		msg := new(dns.Msg)
		msg.SetQuestion("example.com.", dns.TypeA)

		_, rtt, err := c.exchange(ctx, namespace, msg, addr)
		res := LatencyResult{Server: server, Latency: rtt}
		if err != nil {
			res.Err = err.Error()
		}
		out = append(out, res)
	}
	return out
}

func (c *Checker) exchange(ctx context.Context, namespace string, msg *dns.Msg, addr string) (*dns.Msg, time.Duration, error) {
	raw, err := c.dial(ctx, namespace, "udp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("dial %s in %s: %w", addr, namespace, err)
	}
	conn := &dns.Conn{Conn: raw}
	defer conn.Close()
	return c.client.ExchangeWithConnContext(ctx, msg, conn)
}
