//go:build linux

package netenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusvpn/nexus/internal/logging"
	"github.com/nexusvpn/nexus/internal/testutil"
)

// Creates a real namespace and veth pair, so it only runs as root on a
// disposable machine.
func TestBuilderAgainstKernel(t *testing.T) {
	testutil.RequirePrivileged(t)

	alloc := NewBlockAllocator()
	b := NewBuilder(&RealNetlinker{}, &RealNamespacer{}, &RealEthtooler{},
		alloc, logging.Discard())

	const ns = "nexustest0"
	link, err := b.CreateNamespace(ns)
	require.NoError(t, err)
	assert.True(t, b.Exists(ns))
	assert.Equal(t, "veth0_"+ns, link.HostEnd)

	// A second create for the same name must refuse rather than clobber.
	_, err = b.CreateNamespace(ns)
	assert.Error(t, err)

	require.NoError(t, b.Destroy(ns))
	assert.False(t, b.Exists(ns))
}
