package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHCL = `
settings {
  namespace_prefix      = "vpnns"
  log_dir               = "/tmp/nexus-logs"
  poll_attempts         = 3
  poll_interval_seconds = 1
}

provider "mullvad-se" {
  config_path      = "/etc/nexus/providers/mullvad-se.ovpn"
  credentials_path = "/etc/nexus/providers/mullvad-se.auth"
}

provider "proton-nl" {
  config_path = "/etc/nexus/providers/proton-nl.ovpn"
}
`

func TestLoadBytes(t *testing.T) {
	f, err := LoadBytes("test.hcl", []byte(sampleHCL))
	require.NoError(t, err)

	cfg := f.Config
	assert.Equal(t, "vpnns", cfg.Settings.NamespacePrefix)
	assert.Equal(t, 3, cfg.Settings.PollAttempts)
	assert.Equal(t, time.Second, cfg.Settings.PollInterval())

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "mullvad-se", cfg.Providers[0].Name)
	assert.Equal(t, "/etc/nexus/providers/mullvad-se.auth", cfg.Providers[0].CredentialsPath)
	assert.Empty(t, cfg.Providers[1].CredentialsPath)
}

func TestDefaultsApplied(t *testing.T) {
	f, err := LoadBytes("test.hcl", []byte(`provider "a" { config_path = "/a.ovpn" }`))
	require.NoError(t, err)

	s := f.Config.Settings
	require.NotNil(t, s)
	assert.Equal(t, "vpnns", s.NamespacePrefix)
	assert.Equal(t, 12, s.PollAttempts)
	assert.Equal(t, 5*time.Second, s.PollInterval())
	assert.Equal(t, []string{"8.8.8.8", "8.8.4.4"}, s.DNSServers)
}

func TestValidateRejectsDuplicates(t *testing.T) {
	_, err := LoadBytes("test.hcl", []byte(`
provider "a" { config_path = "/a.ovpn" }
provider "a" { config_path = "/b.ovpn" }
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate provider")
}

func TestValidateRequiresConfigPath(t *testing.T) {
	cfg := &Config{Providers: []Provider{{Name: "a"}}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config_path is required")
}

func TestProviderCRUDRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus.hcl")
	require.NoError(t, os.WriteFile(path, []byte(sampleHCL), 0o600))

	f, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, f.AddProvider(Provider{
		Name:       "ivpn-ch",
		ConfigPath: "/etc/nexus/providers/ivpn-ch.ovpn",
	}))
	require.Error(t, f.AddProvider(Provider{Name: "ivpn-ch", ConfigPath: "/x.ovpn"}),
		"duplicate add must fail")
	require.NoError(t, f.RemoveProvider("proton-nl"))
	require.NoError(t, f.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, reloaded.Config.Providers, 2)
	_, ok := reloaded.Config.FindProvider("ivpn-ch")
	assert.True(t, ok)
	_, ok = reloaded.Config.FindProvider("proton-nl")
	assert.False(t, ok)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRemoveUnknownProvider(t *testing.T) {
	f, err := LoadBytes("test.hcl", []byte(sampleHCL))
	require.NoError(t, err)
	assert.Error(t, f.RemoveProvider("nope"))
}
