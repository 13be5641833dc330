package tunnel

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusvpn/nexus/internal/config"
	"github.com/nexusvpn/nexus/internal/logging"
	"github.com/nexusvpn/nexus/internal/runner"
)

func pfsTestProvider(t *testing.T, content string) config.Provider {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "proton.ovpn")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return config.Provider{Name: "proton", ConfigPath: path}
}

// keygenRunner materializes the key file the way the real tool would.
func keygenRunner() *runner.RecordingRunner {
	return &runner.RecordingRunner{
		Script: func(cmd runner.Command) (string, error) {
			if len(cmd.Args) == 3 && cmd.Args[0] == "--genkey" {
				return "", os.WriteFile(cmd.Args[2], []byte("key material\n"), 0o644)
			}
			return "", nil
		},
	}
}

func TestPFSEnableHardensConfig(t *testing.T) {
	p := pfsTestProvider(t, sampleProviderConfig)
	run := keygenRunner()
	mgr := NewPFSManager(run, logging.Discard())

	st, err := mgr.Enable(context.Background(), p)
	require.NoError(t, err)

	keyPath := filepath.Join(filepath.Dir(p.ConfigPath), "proton-ta.key")
	assert.True(t, run.Ran("--genkey secret "+keyPath))
	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(p.ConfigPath)
	require.NoError(t, err)
	cfg := string(data)
	assert.Contains(t, cfg, "tls-crypt "+keyPath)
	assert.Contains(t, cfg, "tls-version-min 1.2")
	assert.Contains(t, cfg, "key-direction 1")
	// The source config already carried a cipher directive.
	assert.NotContains(t, cfg, "cipher AES-256-GCM")

	assert.True(t, st.Enabled)
	assert.True(t, st.ExternalKey)
	assert.True(t, st.HasBackup)

	backup, err := os.ReadFile(p.ConfigPath + ".backup")
	require.NoError(t, err)
	assert.Equal(t, sampleProviderConfig, string(backup))
}

func TestPFSEnableIsIdempotent(t *testing.T) {
	p := pfsTestProvider(t, sampleProviderConfig)
	mgr := NewPFSManager(keygenRunner(), logging.Discard())

	_, err := mgr.Enable(context.Background(), p)
	require.NoError(t, err)
	once, err := os.ReadFile(p.ConfigPath)
	require.NoError(t, err)

	_, err = mgr.Enable(context.Background(), p)
	require.NoError(t, err)
	twice, err := os.ReadFile(p.ConfigPath)
	require.NoError(t, err)

	assert.Equal(t, string(once), string(twice))
	assert.Equal(t, 1, strings.Count(string(twice), "tls-version-min"))
}

func TestPFSEnableSkipsEmbeddedKey(t *testing.T) {
	content := "client\n<tls-crypt>\nembedded\n</tls-crypt>\n"
	p := pfsTestProvider(t, content)
	run := keygenRunner()
	mgr := NewPFSManager(run, logging.Discard())

	st, err := mgr.Enable(context.Background(), p)
	require.NoError(t, err)

	assert.Empty(t, run.Commands)
	assert.True(t, st.Enabled)
	assert.True(t, st.EmbeddedKey)
	assert.False(t, st.ExternalKey)

	data, err := os.ReadFile(p.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestPFSStatusReportsDirectives(t *testing.T) {
	p := pfsTestProvider(t, "client\ntls-version-min 1.3\ncipher AES-256-GCM\ntls-crypt /etc/keys/proton-ta.key\n")
	mgr := NewPFSManager(keygenRunner(), logging.Discard())

	st, err := mgr.Status(p)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.True(t, st.ExternalKey)
	assert.Equal(t, "1.3", st.TLSVersion)
	assert.Equal(t, "AES-256-GCM", st.Cipher)
	assert.False(t, st.HasBackup)
}

func TestPFSDisableRestoresBackup(t *testing.T) {
	p := pfsTestProvider(t, sampleProviderConfig)
	mgr := NewPFSManager(keygenRunner(), logging.Discard())

	_, err := mgr.Enable(context.Background(), p)
	require.NoError(t, err)

	st, err := mgr.Disable(p)
	require.NoError(t, err)
	assert.False(t, st.ExternalKey)

	data, err := os.ReadFile(p.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, sampleProviderConfig, string(data))
}

func TestPFSDisableWithoutBackupFails(t *testing.T) {
	p := pfsTestProvider(t, sampleProviderConfig)
	mgr := NewPFSManager(keygenRunner(), logging.Discard())

	_, err := mgr.Disable(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backup")
}
