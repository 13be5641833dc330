//go:build linux

package chain

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nexusvpn/nexus/internal/netenv"
)

// egressProbeURL returns the caller's public address as plain text.
const egressProbeURL = "https://api.ipify.org"

// defaultEgressProbe performs an HTTP request whose sockets are created
// inside the namespace, so the response reflects the chain's exit address.
func defaultEgressProbe(ctx context.Context, namespace string) (string, error) {
	client := &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return netenv.DialContextInNamespace(ctx, namespace, network, addr)
			},
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, egressProbeURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("egress probe failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", fmt.Errorf("egress probe read failed: %w", err)
	}
	addr := strings.TrimSpace(string(body))
	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("egress probe returned %q, not an address", addr)
	}
	return addr, nil
}
