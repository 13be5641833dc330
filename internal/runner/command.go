// Package runner executes the external commands behind chain setup:
// tunnel client launches, process kills, sysctl writes, and the in-namespace
// ip invocations that cannot be done over netlink from the host side.
//
// Commands are constructed through typed per-tool builders rather than ad hoc
// argument lists, so an invalid invocation is rejected before anything runs.
package runner

import (
	"fmt"
	"strconv"
)

// Tool identifies the external binary a command invokes.
type Tool string

const (
	ToolIP      Tool = "ip"
	ToolSysctl  Tool = "sysctl"
	ToolOpenVPN Tool = "openvpn"
	ToolPkill   Tool = "pkill"
)

// Command is one fully-constructed external invocation.
type Command struct {
	Name       string
	Args       []string
	Privileged bool
}

// String renders the command for logs.
func (c Command) String() string {
	s := c.Name
	for _, a := range c.Args {
		s += " " + a
	}
	return s
}

// --- namespace ops ---

// NetnsExec wraps inner so it executes inside the named network namespace.
func NetnsExec(namespace string, inner Command) Command {
	args := append([]string{"netns", "exec", namespace, inner.Name}, inner.Args...)
	return Command{Name: string(ToolIP), Args: args, Privileged: true}
}

// --- link ops (in-namespace; host-side links are driven over netlink) ---

// TunTapAdd creates a point-to-point tun device inside a namespace.
func TunTapAdd(namespace, device string) Command {
	return NetnsExec(namespace, Command{
		Name: string(ToolIP),
		Args: []string{"tuntap", "add", "dev", device, "mode", "tun"},
	})
}

// LinkSetUp brings a device up inside a namespace.
func LinkSetUp(namespace, device string) Command {
	return NetnsExec(namespace, Command{
		Name: string(ToolIP),
		Args: []string{"link", "set", "dev", device, "up"},
	})
}

// LinkShow reports a device's state inside a namespace.
func LinkShow(namespace, device string) Command {
	return NetnsExec(namespace, Command{
		Name: string(ToolIP),
		Args: []string{"link", "show", device},
	})
}

// --- route ops ---

// RouteAddDefault installs a default route inside a namespace.
func RouteAddDefault(namespace, via string) Command {
	return NetnsExec(namespace, Command{
		Name: string(ToolIP),
		Args: []string{"route", "add", "default", "via", via},
	})
}

// RuleDelTable removes the policy rule selecting a numbered routing table.
func RuleDelTable(table int) Command {
	return Command{
		Name:       string(ToolIP),
		Args:       []string{"rule", "del", "table", strconv.Itoa(table)},
		Privileged: true,
	}
}

// RouteFlushTable empties a numbered routing table.
func RouteFlushTable(table int) Command {
	return Command{
		Name:       string(ToolIP),
		Args:       []string{"route", "flush", "table", strconv.Itoa(table)},
		Privileged: true,
	}
}

// --- sysctl ops ---

// SysctlIPForward enables or disables host IPv4 forwarding.
func SysctlIPForward(enable bool) Command {
	val := "0"
	if enable {
		val = "1"
	}
	return Command{
		Name:       string(ToolSysctl),
		Args:       []string{"-w", "net.ipv4.ip_forward=" + val},
		Privileged: true,
	}
}

// --- tunnel ops ---

// TunnelOptions describes an OpenVPN launch. All paths must already exist
// with owner-only permissions; the builder validates shape, not content.
type TunnelOptions struct {
	ConfigPath      string
	Device          string
	LogPath         string
	StatusPath      string
	PIDPath         string
	CredentialsPath string
	Verb            int
}

// tunnelOptionSet enumerates the OpenVPN options the chain manager is
// allowed to pass. Anything else is a construction error, not a runtime one.
var tunnelOptionSet = map[string]struct{}{
	"config":         {},
	"dev":            {},
	"daemon":         {},
	"log":            {},
	"status":         {},
	"writepid":       {},
	"verb":           {},
	"auth-user-pass": {},
}

// StartTunnel builds the daemonized in-namespace OpenVPN invocation.
func StartTunnel(namespace string, opts TunnelOptions) (Command, error) {
	if opts.ConfigPath == "" {
		return Command{}, fmt.Errorf("tunnel options: config path is required")
	}
	if opts.Device == "" {
		return Command{}, fmt.Errorf("tunnel options: device is required")
	}
	if opts.LogPath == "" || opts.StatusPath == "" || opts.PIDPath == "" {
		return Command{}, fmt.Errorf("tunnel options: log, status, and pid paths are required")
	}
	if opts.Verb < 0 || opts.Verb > 11 {
		return Command{}, fmt.Errorf("tunnel options: verb %d out of range", opts.Verb)
	}

	b := newArgBuilder(tunnelOptionSet)
	b.opt("config", opts.ConfigPath)
	b.opt("dev", opts.Device)
	b.flag("daemon")
	b.opt("log", opts.LogPath)
	b.opt("status", opts.StatusPath)
	b.opt("writepid", opts.PIDPath)
	b.opt("verb", strconv.Itoa(opts.Verb))
	if opts.CredentialsPath != "" {
		b.opt("auth-user-pass", opts.CredentialsPath)
	}
	args, err := b.build()
	if err != nil {
		return Command{}, err
	}

	return NetnsExec(namespace, Command{Name: string(ToolOpenVPN), Args: args}), nil
}

// GenerateTLSKey produces a static tls-crypt key at path. The caller owns
// tightening the file's permissions afterwards.
func GenerateTLSKey(path string) Command {
	return Command{
		Name:       string(ToolOpenVPN),
		Args:       []string{"--genkey", "secret", path},
		Privileged: true,
	}
}

// KillTunnels terminates every tunnel client process by name. Best effort:
// the caller must tolerate a non-zero exit when nothing is running.
func KillTunnels(processName string) Command {
	return Command{
		Name:       string(ToolPkill),
		Args:       []string{"-x", processName},
		Privileged: true,
	}
}

// argBuilder accumulates validated --option value pairs for one tool.
type argBuilder struct {
	allowed map[string]struct{}
	args    []string
	err     error
}

func newArgBuilder(allowed map[string]struct{}) *argBuilder {
	return &argBuilder{allowed: allowed}
}

func (b *argBuilder) check(name string) bool {
	if b.err != nil {
		return false
	}
	if _, ok := b.allowed[name]; !ok {
		b.err = fmt.Errorf("option --%s is not in the allowed set for this tool", name)
		return false
	}
	return true
}

func (b *argBuilder) flag(name string) {
	if b.check(name) {
		b.args = append(b.args, "--"+name)
	}
}

func (b *argBuilder) opt(name, value string) {
	if b.check(name) {
		b.args = append(b.args, "--"+name, value)
	}
}

func (b *argBuilder) build() ([]string, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.args, nil
}
