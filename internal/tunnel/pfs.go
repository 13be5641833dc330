package tunnel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nexusvpn/nexus/internal/config"
	"github.com/nexusvpn/nexus/internal/logging"
	"github.com/nexusvpn/nexus/internal/runner"
)

// pfsDirectives are appended to a provider config when forward secrecy is
// enabled with an external static key.
func pfsDirectives(keyPath string) []string {
	return []string{
		"tls-version-min 1.2",
		"tls-crypt " + keyPath,
		"cipher AES-256-GCM",
		"auth SHA256",
		"key-direction 1",
		"tls-cipher TLS-ECDHE-RSA-WITH-AES-256-GCM-SHA384",
	}
}

var (
	externalKeyRe = regexp.MustCompile(`tls-crypt\s+\S+\.key`)
	tlsVersionRe  = regexp.MustCompile(`tls-version-min\s+([\d.]+)`)
	cipherRe      = regexp.MustCompile(`(?m)^cipher\s+(\S+)`)
)

// PFSStatus reports how a provider config stands on forward secrecy.
type PFSStatus struct {
	Provider    string `json:"provider"`
	Enabled     bool   `json:"pfs_enabled"`
	EmbeddedKey bool   `json:"embedded_key"`
	ExternalKey bool   `json:"external_key"`
	TLSVersion  string `json:"tls_version,omitempty"`
	Cipher      string `json:"cipher,omitempty"`
	HasBackup   bool   `json:"has_backup"`
}

// PFSManager hardens provider configs in place: it generates a static
// tls-crypt key when the provider does not embed one, injects the missing
// TLS directives, and keeps a one-time backup so the edit can be undone.
type PFSManager struct {
	run    runner.Runner
	logger *logging.Logger
}

// NewPFSManager returns a manager executing key generation through run.
func NewPFSManager(run runner.Runner, logger *logging.Logger) *PFSManager {
	return &PFSManager{run: run, logger: logger.WithComponent("pfs")}
}

// Enable hardens the provider's config. Providers that ship an embedded
// <tls-crypt> or <tls-auth> block already have forward secrecy and are left
// untouched. Enable is idempotent: directives already present are not
// appended again, and the backup is written only once.
func (m *PFSManager) Enable(ctx context.Context, p config.Provider) (PFSStatus, error) {
	raw, err := os.ReadFile(p.ConfigPath)
	if err != nil {
		return PFSStatus{}, fmt.Errorf("failed to read config for %s: %w", p.Name, err)
	}
	content := string(raw)

	if hasEmbeddedKey(content) {
		m.logger.Info("forward secrecy already enabled via embedded key", "provider", p.Name)
		return m.Status(p)
	}

	keyPath := filepath.Join(filepath.Dir(p.ConfigPath), p.Name+"-ta.key")
	if _, err := os.Stat(keyPath); errors.Is(err, os.ErrNotExist) {
		m.logger.Info("generating static key", "provider", p.Name, "path", keyPath)
		if err := m.run.Run(ctx, runner.GenerateTLSKey(keyPath)); err != nil {
			return PFSStatus{}, fmt.Errorf("failed to generate static key for %s: %w", p.Name, err)
		}
		if err := os.Chmod(keyPath, 0o600); err != nil {
			return PFSStatus{}, fmt.Errorf("failed to secure static key for %s: %w", p.Name, err)
		}
	}

	backup := p.ConfigPath + ".backup"
	if _, err := os.Stat(backup); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(backup, raw, 0o600); err != nil {
			return PFSStatus{}, fmt.Errorf("failed to back up config for %s: %w", p.Name, err)
		}
	}

	var missing []string
	for _, d := range pfsDirectives(keyPath) {
		if !hasDirective(content, strings.Fields(d)[0]) {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		f, err := os.OpenFile(p.ConfigPath, os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return PFSStatus{}, fmt.Errorf("failed to open config for %s: %w", p.Name, err)
		}
		_, werr := f.WriteString("\n# Perfect Forward Secrecy\n" + strings.Join(missing, "\n") + "\n")
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return PFSStatus{}, fmt.Errorf("failed to append directives for %s: %w", p.Name, werr)
		}
		m.logger.Info("hardened provider config", "provider", p.Name, "directives", len(missing))
	}

	return m.Status(p)
}

// Status inspects the provider's config without modifying it.
func (m *PFSManager) Status(p config.Provider) (PFSStatus, error) {
	raw, err := os.ReadFile(p.ConfigPath)
	if err != nil {
		return PFSStatus{}, fmt.Errorf("failed to read config for %s: %w", p.Name, err)
	}
	content := string(raw)

	st := PFSStatus{
		Provider:    p.Name,
		EmbeddedKey: hasEmbeddedKey(content),
		ExternalKey: externalKeyRe.MatchString(content),
	}
	if match := tlsVersionRe.FindStringSubmatch(content); match != nil {
		st.TLSVersion = match[1]
	}
	if match := cipherRe.FindStringSubmatch(content); match != nil {
		st.Cipher = match[1]
	}
	if _, err := os.Stat(p.ConfigPath + ".backup"); err == nil {
		st.HasBackup = true
	}
	st.Enabled = st.EmbeddedKey || st.ExternalKey
	return st, nil
}

// Disable restores the provider's pre-hardening config from its backup.
func (m *PFSManager) Disable(p config.Provider) (PFSStatus, error) {
	backup := p.ConfigPath + ".backup"
	raw, err := os.ReadFile(backup)
	if err != nil {
		return PFSStatus{}, fmt.Errorf("no backup to restore for %s: %w", p.Name, err)
	}
	if err := os.WriteFile(p.ConfigPath, raw, 0o600); err != nil {
		return PFSStatus{}, fmt.Errorf("failed to restore config for %s: %w", p.Name, err)
	}
	m.logger.Info("restored original provider config", "provider", p.Name)
	return m.Status(p)
}

func hasEmbeddedKey(content string) bool {
	return strings.Contains(content, "<tls-crypt>") || strings.Contains(content, "<tls-auth>")
}
