//go:build linux && cgo && rdma_hw

package rdma

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHardwareVerbs(t *testing.T) Verbs {
	t.Helper()
	if os.Getenv("CI") != "" {
		t.Skip("Skipping test in CI environment")
	}
	v, err := NewIBVerbs()
	require.NoError(t, err)
	names, err := v.DeviceNames()
	if err != nil || len(names) == 0 {
		t.Skip("No RDMA devices found, skipping test")
	}
	return v
}

func TestIBVerbsLoopback(t *testing.T) {
	v := newHardwareVerbs(t)

	cfg := DefaultConfig()
	if idx := os.Getenv("RDMAKV_GID_INDEX"); idx == "-1" {
		cfg.GIDIndex = -1
	}
	ctx, err := Open(v, cfg)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, ctx.Close())
	}()

	// connect the QP to itself
	require.NoError(t, ctx.Connect(ctx.LocalDescriptor()))
	assert.Equal(t, StateRTS, ctx.State())

	require.NoError(t, ctx.PostReceive())
	copy(ctx.Buffer(), "loopback")
	require.NoError(t, ctx.PostWriteWithImm(9))

	seen := map[WCOpcode]WorkCompletion{}
	for len(seen) < 2 {
		wc, err := ctx.PollCompletion()
		require.NoError(t, err)
		seen[wc.Opcode] = wc
	}
	assert.Equal(t, uint32(9), seen[WCOpRecvRDMAWithImm].ImmData)
	assert.Equal(t, "loopback", string(ctx.Buffer()[:8]))
}
