//go:build !linux

package tunnel

import (
	"context"
	"errors"
)

func defaultProbe(ctx context.Context, namespace, device, target string) error {
	return errors.New("tunnel probing requires linux")
}
