package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "rdmakv.yaml")
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "create", "--output", path})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tcp_port: 18515")
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), Version)
}

func TestLoadConfigPeerArgument(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--tcp-port", "19000"}))
	cfg, err := loadConfig(cmd, []string{"10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", cfg.Peer)
	assert.Equal(t, 19000, cfg.TCPPort)
}

func TestTooManyArguments(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"a", "b"})
	assert.Error(t, cmd.Execute())
}
