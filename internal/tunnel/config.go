// Package tunnel rewrites provider configurations for chain use and
// supervises one tunnel client process per hop inside its namespace.
package tunnel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// strippedDirectives are dropped from provider configs: they assert
// host-level routes or DNS pulls that would fight the namespace-local
// routing the chain installs itself.
var strippedDirectives = []string{
	"route ",
	"redirect-gateway",
	"dhcp-option",
	"pull-filter",
	"route-nopull",
}

// chainDirectives are appended to every hop's config.
var chainDirectives = []string{
	"script-security 2",
	"route-nopull",
	"persist-tun",
	"auth-nocache",
}

// hardenedDirectives are appended when hardened ciphers are requested and
// the config does not already carry the directive.
var hardenedDirectives = []string{
	"cipher AES-256-GCM",
	"auth SHA256",
	"tls-version-min 1.2",
}

// RewriteOptions controls one config rewrite.
type RewriteOptions struct {
	// HopIndex selects hop-specific behavior: hop 0 receives the single
	// explicit default route that pushes traffic into the chain.
	HopIndex int
	// GatewayIP is the chain's first internal gateway, used for hop 0.
	GatewayIP string
	// Hardened appends modern cipher directives when absent.
	Hardened bool
}

// RewriteConfig reads the provider's raw config, strips conflicting
// directives, appends the chain-required ones, and writes the result to
// destDir with owner-only permissions. Returns the rewritten path.
func RewriteConfig(srcPath, destDir string, opts RewriteOptions) (string, error) {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to read provider config: %w", err)
	}

	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		trimmed := strings.TrimSpace(line)
		if isStripped(trimmed) {
			continue
		}
		lines = append(lines, trimmed)
	}

	lines = append(lines, "")
	lines = append(lines, chainDirectives...)

	if opts.Hardened {
		existing := string(raw)
		for _, d := range hardenedDirectives {
			key := strings.Fields(d)[0]
			if !hasDirective(existing, key) {
				lines = append(lines, d)
			}
		}
	}

	if opts.HopIndex == 0 {
		if opts.GatewayIP == "" {
			return "", fmt.Errorf("hop 0 rewrite requires a gateway address")
		}
		lines = append(lines, "route 0.0.0.0 0.0.0.0 "+opts.GatewayIP)
	}

	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create hop config dir: %w", err)
	}
	dest := filepath.Join(destDir, "config.ovpn")
	if err := os.WriteFile(dest, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write rewritten config: %w", err)
	}
	return dest, nil
}

func isStripped(line string) bool {
	for _, prefix := range strippedDirectives {
		if strings.HasPrefix(line, prefix) || line == strings.TrimSpace(prefix) {
			return true
		}
	}
	return false
}

func hasDirective(config, key string) bool {
	for _, line := range strings.Split(config, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == key {
			return true
		}
	}
	return false
}

// CopyCredentials copies the two-line credentials file next to the
// rewritten config, owner read/write only. Secrets must never land
// world-readable, so permissions are set before content.
func CopyCredentials(srcPath, destDir string) (string, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to read credentials: %w", err)
	}
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, "credentials.txt")
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create credentials copy: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("failed to write credentials copy: %w", err)
	}
	return dest, nil
}
