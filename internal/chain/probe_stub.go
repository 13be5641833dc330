//go:build !linux

package chain

import (
	"context"
	"errors"
)

func defaultEgressProbe(ctx context.Context, namespace string) (string, error) {
	return "", errors.New("egress probing requires linux")
}
