//go:build !linux

package netenv

import (
	"context"
	"errors"
	"net"
)

func DialContextInNamespace(ctx context.Context, namespace, network, addr string) (net.Conn, error) {
	return nil, errors.New("namespace dialing requires linux")
}
