package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rdmakv/internal/rdma"
)

// isolate keeps the user's config and environment out of the test
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	for _, key := range []string{"RDMAKV_TCP_PORT", "RDMAKV_PROVIDER", "RDMAKV_PEER", "RDMAKV_BUFFER_SIZE"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func newFlagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	SetupFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "", cfg.Peer)
	assert.Equal(t, 18515, cfg.TCPPort)
	assert.Equal(t, uint8(1), cfg.IBPort)
	assert.Equal(t, 0, cfg.GIDIndex)
	assert.Equal(t, 100, cfg.BufferSize)
	assert.Equal(t, 2, cfg.CQSize)
	assert.Equal(t, 1024, cfg.MTU)
	assert.Equal(t, uint8(0x12), cfg.Timeout)
	assert.Equal(t, uint8(6), cfg.RetryCount)
	assert.Equal(t, uint8(0), cfg.RNRRetry)
	assert.Equal(t, ProviderIBVerbs, cfg.Provider)
	assert.Equal(t, 1, cfg.BootstrapRetries)
	assert.Equal(t, ":3000", cfg.HTTPAddr)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoadFlagsAndEnv(t *testing.T) {
	isolate(t)
	t.Setenv("RDMAKV_PROVIDER", "sim")
	t.Setenv("RDMAKV_BUFFER_SIZE", "256")

	fs := newFlagSet(t, "-p", "20000", "--gid-index=-1", "--mtu", "4096", "--bootstrap-timeout", "3s", "--buffer-size", "512")
	cfg, err := Load(fs)
	require.NoError(t, err)

	assert.Equal(t, 20000, cfg.TCPPort)
	assert.Equal(t, -1, cfg.GIDIndex)
	assert.Equal(t, 4096, cfg.MTU)
	assert.Equal(t, 3*time.Second, cfg.BootstrapTimeout)
	assert.Equal(t, ProviderSim, cfg.Provider, "environment applies when no flag is given")
	assert.Equal(t, 512, cfg.BufferSize, "flags take precedence over the environment")
}

func TestLoadTransportFlags(t *testing.T) {
	isolate(t)

	fs := newFlagSet(t, "--peer", "10.0.0.3", "--timeout", "18", "--min-rnr-timer", "5",
		"--instance-id", "node-a", "--http-max-conns", "8")
	cfg, err := Load(fs)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.3", cfg.Peer)
	assert.Equal(t, uint8(18), cfg.Timeout)
	assert.Equal(t, uint8(5), cfg.MinRNRTimer)
	assert.Equal(t, "node-a", cfg.InstanceID)
	assert.Equal(t, 8, cfg.HTTPMaxConns)
}

func TestEveryKeyHasFlag(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	SetupFlags(fs)

	bound := make(map[string]string, len(flagKeys))
	for name, key := range flagKeys {
		require.NotNil(t, fs.Lookup(name), "flag %s", name)
		bound[key] = name
	}
	typ := reflect.TypeOf(Config{})
	for i := 0; i < typ.NumField(); i++ {
		key, _, _ := strings.Cut(typ.Field(i).Tag.Get("yaml"), ",")
		assert.Contains(t, bound, key, "config key %s has no flag", key)
	}
}

func TestLoadConfigFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("peer: 10.0.0.2\nrnr_retry: 7\ncq_size: 4\nprovider: SIM\n"), 0644))

	cfg, err := Load(newFlagSet(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", cfg.Peer)
	assert.Equal(t, uint8(7), cfg.RNRRetry)
	assert.Equal(t, 4, cfg.CQSize)
	assert.Equal(t, ProviderSim, cfg.Provider)
}

func TestLoadSearchPath(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile("rdmakv.yaml", []byte("tcp_port: 19000\n"), 0644))

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 19000, cfg.TCPPort)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "mtu", args: []string{"--mtu", "1500"}},
		{name: "provider", args: []string{"--provider", "dpdk"}},
		{name: "buffer size", args: []string{"--buffer-size", "0"}},
		{name: "port", args: []string{"-p", "70000"}},
		{name: "rnr retry", args: []string{"--rnr-retry", "8"}},
		{name: "timeout", args: []string{"--timeout", "32"}},
		{name: "min rnr timer", args: []string{"--min-rnr-timer", "32"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(newFlagSet(t, tt.args...))
			assert.Error(t, err)
		})
	}
}

func TestLoadBrokenConfigFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tcp_port: [\n"), 0644))

	_, err := Load(newFlagSet(t, "--config", path))
	assert.ErrorContains(t, err, "error reading config file")
}

func TestWriteDefaultConfig(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "dir", "rdmakv.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tcp_port: 18515")
	assert.Contains(t, string(data), "cq_size: 2")

	cfg, err := Load(newFlagSet(t, "--config", path))
	require.NoError(t, err)
	want := Default()
	want.InstanceID = cfg.InstanceID
	assert.Equal(t, want, *cfg)
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Device = "mlx5_1"
	cfg.MTU = 2048
	cfg.RNRRetry = 7
	cfg.BootstrapRetries = 5
	cfg.BootstrapTimeout = time.Second

	rc := cfg.RDMA()
	assert.Equal(t, "mlx5_1", rc.DeviceName)
	assert.Equal(t, rdma.MTU2048, rc.PathMTU)
	assert.Equal(t, uint8(7), rc.RNRRetry)
	assert.Equal(t, 100, rc.BufferSize)

	bc := cfg.Bootstrap("10.0.0.1")
	assert.Equal(t, "10.0.0.1", bc.Peer)
	assert.Equal(t, 18515, bc.Port)
	assert.Equal(t, time.Second, bc.Timeout)
	assert.Equal(t, 5, bc.Retry.MaxAttempts)
}
