//go:build linux

package tunnel

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/vishvananda/netns"
)

// defaultProbe sends a single ICMP echo from inside the namespace, bound
// to the tunnel device's address so replies prove the tunnel path works.
func defaultProbe(ctx context.Context, namespace, device, target string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return fmt.Errorf("failed to get current namespace: %w", err)
	}
	defer orig.Close()

	handle, err := netns.GetFromName(namespace)
	if err != nil {
		return fmt.Errorf("failed to open namespace %s: %w", namespace, err)
	}
	defer handle.Close()

	if err := netns.Set(handle); err != nil {
		return fmt.Errorf("failed to enter namespace %s: %w", namespace, err)
	}
	defer netns.Set(orig)

	src, err := deviceAddr(device)
	if err != nil {
		return err
	}
	return pingFrom(ctx, src, target)
}

// deviceAddr returns the first IPv4 address on the named device in the
// current namespace.
func deviceAddr(device string) (string, error) {
	iface, err := net.InterfaceByName(device)
	if err != nil {
		return "", fmt.Errorf("device %s not found: %w", device, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", fmt.Errorf("failed to list addresses on %s: %w", device, err)
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("device %s has no IPv4 address", device)
}

func pingFrom(ctx context.Context, source, target string) error {
	pinger, err := probing.NewPinger(target)
	if err != nil {
		return fmt.Errorf("failed to create pinger for %s: %w", target, err)
	}
	pinger.SetPrivileged(true)
	pinger.Source = source
	pinger.Count = 1
	pinger.Timeout = 3 * time.Second

	if err := pinger.RunWithContext(ctx); err != nil {
		return fmt.Errorf("ping to %s failed: %w", target, err)
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return fmt.Errorf("no ping reply from %s", target)
	}
	return nil
}
