package testutil

import (
	"os"
	"testing"
)

// RequirePrivileged skips the test unless the NEXUS_PRIV_TEST environment
// variable is set. Tests that create real namespaces, links, or nftables
// state need root and a disposable kernel, so they only run when asked for.
func RequirePrivileged(t *testing.T) {
	t.Helper()
	if os.Getenv("NEXUS_PRIV_TEST") == "" {
		t.Skip("Skipping test: requires NEXUS_PRIV_TEST environment")
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
