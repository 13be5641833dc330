// Package config provides HCL configuration handling for the chain manager:
// daemon settings plus the provider registry that chain setup consumes.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration.
type Config struct {
	Settings  *Settings  `hcl:"settings,block"`
	Providers []Provider `hcl:"provider,block"`
}

// Settings holds daemon-wide options.
type Settings struct {
	NamespacePrefix string   `hcl:"namespace_prefix,optional"`
	LogDir          string   `hcl:"log_dir,optional"`
	TempDir         string   `hcl:"temp_dir,optional"`
	ListenAddr      string   `hcl:"listen_addr,optional"`
	DNSServers      []string `hcl:"dns_servers,optional"`
	EgressFallback  string   `hcl:"egress_fallback,optional"`
	PollAttempts    int      `hcl:"poll_attempts,optional"`
	PollIntervalSec int      `hcl:"poll_interval_seconds,optional"`
	HardenedCiphers bool     `hcl:"hardened_ciphers,optional"`
	LogLevel        string   `hcl:"log_level,optional"`
}

// Provider describes one VPN provider entry in the registry.
// The chain orchestrator treats the registry as read-only input;
// only the HTTP CRUD layer mutates it.
type Provider struct {
	Name            string `hcl:"name,label"`
	ConfigPath      string `hcl:"config_path"`
	CredentialsPath string `hcl:"credentials_path,optional"`
}

// DefaultSettings returns the settings used when a field is unset.
func DefaultSettings() Settings {
	return Settings{
		NamespacePrefix: "vpnns",
		LogDir:          "/var/log/nexus",
		TempDir:         "/var/lib/nexus/tmp",
		ListenAddr:      "127.0.0.1:8089",
		DNSServers:      []string{"8.8.8.8", "8.8.4.4"},
		EgressFallback:  "eth0",
		PollAttempts:    12,
		PollIntervalSec: 5,
		HardenedCiphers: false,
		LogLevel:        "info",
	}
}

// PollInterval returns the readiness poll interval as a duration.
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSec) * time.Second
}

// ApplyDefaults fills unset fields with defaults and normalizes the config.
func (c *Config) ApplyDefaults() {
	def := DefaultSettings()
	if c.Settings == nil {
		s := def
		c.Settings = &s
		return
	}
	s := c.Settings
	if s.NamespacePrefix == "" {
		s.NamespacePrefix = def.NamespacePrefix
	}
	if s.LogDir == "" {
		s.LogDir = def.LogDir
	}
	if s.TempDir == "" {
		s.TempDir = def.TempDir
	}
	if s.ListenAddr == "" {
		s.ListenAddr = def.ListenAddr
	}
	if len(s.DNSServers) == 0 {
		s.DNSServers = def.DNSServers
	}
	if s.EgressFallback == "" {
		s.EgressFallback = def.EgressFallback
	}
	if s.PollAttempts <= 0 {
		s.PollAttempts = def.PollAttempts
	}
	if s.PollIntervalSec <= 0 {
		s.PollIntervalSec = def.PollIntervalSec
	}
	if s.LogLevel == "" {
		s.LogLevel = def.LogLevel
	}
}

// Validate checks the configuration for problems that would make chain
// setup fail later in a less obvious way.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.ConfigPath == "" {
			return fmt.Errorf("provider %q: config_path is required", p.Name)
		}
	}
	if c.Settings != nil {
		if c.Settings.PollAttempts < 0 {
			return fmt.Errorf("poll_attempts must not be negative")
		}
		if c.Settings.PollIntervalSec < 0 {
			return fmt.Errorf("poll_interval_seconds must not be negative")
		}
	}
	return nil
}

// FindProvider returns the provider with the given name, if registered.
func (c *Config) FindProvider(name string) (Provider, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}
