package leakcheck

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusvpn/nexus/internal/logging"
)

type fakeExchanger struct {
	answers map[string]string // question name -> TXT or A payload
	rtt     time.Duration
	err     error
	asked   []string
}

func (f *fakeExchanger) ExchangeWithConnContext(ctx context.Context, m *dns.Msg, conn *dns.Conn) (*dns.Msg, time.Duration, error) {
	name := m.Question[0].Name
	f.asked = append(f.asked, name)
	if f.err != nil {
		return nil, 0, f.err
	}
	resp := new(dns.Msg)
	resp.SetReply(m)
	payload, ok := f.answers[name]
	if ok {
		switch m.Question[0].Qtype {
		case dns.TypeTXT:
			resp.Answer = append(resp.Answer, &dns.TXT{
				Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT, Class: dns.ClassINET},
				Txt: []string{payload},
			})
		case dns.TypeA:
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET},
				A:   net.ParseIP(payload),
			})
		}
	}
	return resp, f.rtt, nil
}

func pipeDialer(t *testing.T) Dialer {
	t.Helper()
	return func(ctx context.Context, namespace, network, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		t.Cleanup(func() { server.Close() })
		return client, nil
	}
}

func newChecker(t *testing.T, ex Exchanger, servers ...string) *Checker {
	t.Helper()
	return New(pipeDialer(t), servers, logging.Discard(), WithExchanger(ex))
}

func TestCheckLeakClean(t *testing.T) {
	ex := &fakeExchanger{answers: map[string]string{detectorName: "203.0.113.7"}}
	c := newChecker(t, ex)

	res, err := c.CheckLeak(context.Background(), "vpnns1", "203.0.113.7")
	require.NoError(t, err)

	assert.False(t, res.Leaked)
	assert.Equal(t, "203.0.113.7", res.DNSEgressIP)
	assert.Equal(t, res, c.Last())
}

func TestCheckLeakDetected(t *testing.T) {
	ex := &fakeExchanger{answers: map[string]string{detectorName: "198.51.100.40"}}
	c := newChecker(t, ex)

	res, err := c.CheckLeak(context.Background(), "vpnns1", "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, res.Leaked)
}

func TestCheckLeakNoExpectedAddress(t *testing.T) {
	ex := &fakeExchanger{answers: map[string]string{detectorName: "198.51.100.40"}}
	c := newChecker(t, ex)

	// Without a reference address there is nothing to compare against.
	res, err := c.CheckLeak(context.Background(), "vpnns1", "")
	require.NoError(t, err)
	assert.False(t, res.Leaked)
}

func TestCheckLeakBadAnswer(t *testing.T) {
	ex := &fakeExchanger{answers: map[string]string{detectorName: "not an ip"}}
	c := newChecker(t, ex)

	_, err := c.CheckLeak(context.Background(), "vpnns1", "203.0.113.7")
	require.Error(t, err)
	assert.Nil(t, c.Last())
}

func TestCheckLeakQueryFailure(t *testing.T) {
	ex := &fakeExchanger{err: errors.New("timeout")}
	c := newChecker(t, ex)

	_, err := c.CheckLeak(context.Background(), "vpnns1", "203.0.113.7")
	require.Error(t, err)
}

func TestCheckLatency(t *testing.T) {
	ex := &fakeExchanger{
		answers: map[string]string{"example.com.": "93.184.215.14"},
		rtt:     12 * time.Millisecond,
	}
	c := newChecker(t, ex, "8.8.8.8", "8.8.4.4:53")

	results := c.CheckLatency(context.Background(), "vpnns1")
	require.Len(t, results, 2)
	assert.Equal(t, "8.8.8.8", results[0].Server)
	assert.Equal(t, 12*time.Millisecond, results[0].Latency)
	assert.Empty(t, results[0].Err)
}

func TestCheckLatencyReportsPerServerErrors(t *testing.T) {
	ex := &fakeExchanger{err: errors.New("unreachable")}
	c := newChecker(t, ex, "8.8.8.8")

	results := c.CheckLatency(context.Background(), "vpnns1")
	require.Len(t, results, 1)
	assert.NotEmpty(t, results[0].Err)
}

func TestDialFailureSurfaces(t *testing.T) {
	dial := func(ctx context.Context, namespace, network, addr string) (net.Conn, error) {
		return nil, errors.New("no such namespace")
	}
	c := New(dial, []string{"8.8.8.8"}, logging.Discard(),
		WithExchanger(&fakeExchanger{}))

	_, err := c.CheckLeak(context.Background(), "gone", "203.0.113.7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such namespace")
}
