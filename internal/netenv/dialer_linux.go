//go:build linux

package netenv

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/vishvananda/netns"
)

// DialContextInNamespace creates a connection whose socket is opened inside
// the named namespace. The socket keeps its namespace after the calling
// thread switches back, so the returned conn is safe to use anywhere.
func DialContextInNamespace(ctx context.Context, namespace, network, addr string) (net.Conn, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get current namespace: %w", err)
	}
	defer orig.Close()

	handle, err := netns.GetFromName(namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace %s: %w", namespace, err)
	}
	defer handle.Close()

	if err := netns.Set(handle); err != nil {
		return nil, fmt.Errorf("failed to enter namespace %s: %w", namespace, err)
	}
	defer netns.Set(orig)

	d := net.Dialer{Timeout: 10 * time.Second}
	return d.DialContext(ctx, network, addr)
}
