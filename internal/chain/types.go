// Package chain orchestrates multi-hop tunnel chains: one network
// namespace per hop, a tunnel client inside each, hops strung together
// with veth pairs, and host routing steering traffic into the first hop.
package chain

import (
	"errors"
	"fmt"
	"time"

	"github.com/nexusvpn/nexus/internal/config"
	"github.com/nexusvpn/nexus/internal/netenv"
)

// State is the orchestrator's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateBuilding
	StateActive
	StateTearingDown
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StateActive:
		return "active"
	case StateTearingDown:
		return "tearing_down"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// HopState tracks one hop through bring-up.
type HopState int

const (
	HopPending HopState = iota
	HopNamespaceReady
	HopTunnelStarting
	HopTunnelUp
	HopLinked
	HopFailed
)

func (s HopState) String() string {
	switch s {
	case HopPending:
		return "pending"
	case HopNamespaceReady:
		return "namespace_ready"
	case HopTunnelStarting:
		return "tunnel_starting"
	case HopTunnelUp:
		return "tunnel_up"
	case HopLinked:
		return "linked"
	case HopFailed:
		return "failed"
	default:
		return fmt.Sprintf("hop_state(%d)", int(s))
	}
}

// Hop is one position in an active or building chain.
type Hop struct {
	Index     int
	Namespace string
	Provider  config.Provider
	State     HopState

	// HostLink is the veth pair wiring this hop's namespace to the host.
	HostLink *netenv.VirtualLink
	// ChainLink is the veth pair to the previous hop. Nil for hop 0.
	ChainLink *netenv.VirtualLink
}

// Chain is the orchestrator's record of the running chain.
type Chain struct {
	Hops      []*Hop
	StartedAt time.Time
}

// Status is a point-in-time snapshot safe to serialize.
type Status struct {
	State  string      `json:"state"`
	Uptime string      `json:"uptime,omitempty"`
	Hops   []HopStatus `json:"hops,omitempty"`
}

// HopStatus is one hop in a Status snapshot.
type HopStatus struct {
	Index     int    `json:"index"`
	Namespace string `json:"namespace"`
	Provider  string `json:"provider"`
	State     string `json:"state"`
}

// ErrBusy is returned when an operation arrives while another setup or
// teardown is in flight.
var ErrBusy = errors.New("chain operation already in progress")

// ConfigurationError reports invalid chain parameters: unknown providers,
// bad hop counts, or an unusable provider registry.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
