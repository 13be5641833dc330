package tunnel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusvpn/nexus/internal/clock"
	"github.com/nexusvpn/nexus/internal/config"
	"github.com/nexusvpn/nexus/internal/logging"
	"github.com/nexusvpn/nexus/internal/runner"
)

const (
	linkShowUp   = "4: tun0: <POINTOPOINT,MULTICAST,NOARP,UP,LOWER_UP> mtu 1500"
	linkShowDown = "4: tun0: <POINTOPOINT,MULTICAST,NOARP> mtu 1500"
)

func newTestSupervisor(t *testing.T, run runner.Runner, opts ...SupervisorOption) *Supervisor {
	t.Helper()
	base := []SupervisorOption{
		WithClock(clock.NewMockClock(time.Now())),
		WithProbe(func(ctx context.Context, namespace, device, target string) error {
			return nil
		}),
	}
	return NewSupervisor(run, logging.Discard(), t.TempDir(), t.TempDir(), append(base, opts...)...)
}

func testHop(t *testing.T, index int) Hop {
	t.Helper()
	hop := Hop{
		Index:     index,
		Namespace: "vpnns0",
		Provider: config.Provider{
			Name:       "acme",
			ConfigPath: writeSampleConfig(t),
		},
	}
	if index == 0 {
		hop.GatewayIP = "10.200.1.1"
	}
	return hop
}

func TestStartTunnelHappyPath(t *testing.T) {
	rec := &runner.RecordingRunner{
		Script: func(cmd runner.Command) (string, error) {
			if strings.Contains(cmd.String(), "link show") {
				return linkShowUp, nil
			}
			return "", nil
		},
	}
	s := newTestSupervisor(t, rec)

	require.NoError(t, s.StartTunnel(context.Background(), testHop(t, 0)))

	assert.True(t, rec.Ran("tuntap add dev tun0"))
	assert.True(t, rec.Ran("netns exec vpnns0 openvpn"))
	assert.True(t, rec.Ran("--daemon"))
	assert.True(t, rec.Ran("--writepid"))
}

func TestStartTunnelPassesCredentials(t *testing.T) {
	rec := &runner.RecordingRunner{
		Script: func(cmd runner.Command) (string, error) { return linkShowUp, nil },
	}
	s := newTestSupervisor(t, rec)

	hop := testHop(t, 1)
	hop.Provider.CredentialsPath = writeCredentials(t)

	require.NoError(t, s.StartTunnel(context.Background(), hop))
	assert.True(t, rec.Ran("--auth-user-pass"))
}

func TestStartTunnelExhaustsPollBudget(t *testing.T) {
	rec := &runner.RecordingRunner{
		Script: func(cmd runner.Command) (string, error) {
			if strings.Contains(cmd.String(), "link show") {
				return linkShowDown, nil
			}
			return "", nil
		},
	}
	clk := clock.NewMockClock(time.Now())
	s := newTestSupervisor(t, rec,
		WithClock(clk),
		WithPollPolicy(PollPolicy{MaxAttempts: 3, Interval: 5 * time.Second}))

	err := s.StartTunnel(context.Background(), testHop(t, 0))
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))

	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "vpnns0", ce.Namespace)
	assert.Equal(t, 3, ce.Attempts)

	// No sleep after the final attempt.
	assert.Len(t, clk.Slept(), 2)
}

func TestStartTunnelProbeEventuallySucceeds(t *testing.T) {
	rec := &runner.RecordingRunner{
		Script: func(cmd runner.Command) (string, error) { return linkShowUp, nil },
	}
	clk := clock.NewMockClock(time.Now())
	calls := 0
	s := newTestSupervisor(t, rec,
		WithClock(clk),
		WithPollPolicy(PollPolicy{MaxAttempts: 12, Interval: 5 * time.Second}),
		WithProbe(func(ctx context.Context, namespace, device, target string) error {
			calls++
			if calls < 3 {
				return errors.New("no reply")
			}
			return nil
		}))

	require.NoError(t, s.StartTunnel(context.Background(), testHop(t, 0)))
	assert.Equal(t, 3, calls)
	assert.Len(t, clk.Slept(), 2)
}

func TestStartTunnelCanceledContext(t *testing.T) {
	rec := &runner.RecordingRunner{
		Script: func(cmd runner.Command) (string, error) { return linkShowDown, nil },
	}
	s := newTestSupervisor(t, rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.StartTunnel(ctx, testHop(t, 0))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsConnectionError(err))
}

func TestStartTunnelLaunchFailure(t *testing.T) {
	rec := &runner.RecordingRunner{
		Script: func(cmd runner.Command) (string, error) {
			if strings.Contains(cmd.String(), "openvpn") {
				return "", errors.New("exec failed")
			}
			return "", nil
		},
	}
	s := newTestSupervisor(t, rec)

	err := s.StartTunnel(context.Background(), testHop(t, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to launch")
}

func TestDeviceUpParsing(t *testing.T) {
	assert.True(t, deviceUp(linkShowUp))
	assert.False(t, deviceUp(linkShowDown))
	assert.False(t, deviceUp(""))
	// UPPER flag names that merely contain UP must not match.
	assert.False(t, deviceUp("4: tun0: <LOWER_UP,NO-CARRIER> mtu 1500"))
}

func writeCredentials(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth.txt")
	require.NoError(t, os.WriteFile(path, []byte("user\npass\n"), 0o600))
	return path
}
