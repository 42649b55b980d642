package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cmm/internal/api"
	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/cmm"
	"github.com/dreamware/cmm/internal/config"
	"github.com/dreamware/cmm/internal/configstore"
	"github.com/dreamware/cmm/internal/peerhttp"
)

// TestGetenv tests the getenv utility function
func TestGetenv(t *testing.T) {
	t.Setenv("CMMD_TEST_SET", "value")
	assert.Equal(t, "value", getenv("CMMD_TEST_SET", "default"))
	assert.Equal(t, "default", getenv("CMMD_TEST_UNSET", "default"))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: 2\nnodes: \"1 10.0.0.1 true, 2 10.0.0.2 true\"\n"), 0o600))

	env := map[string]string{"CMM_CONFIG_DIR": "/tmp/cmm-test", "CMM_DISKS_PER_NODE": "6"}
	cfg, err := loadConfig(path, func(k string) string { return env[k] })
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.NodeID)
	assert.Equal(t, "/tmp/cmm-test", cfg.ConfigDir)
	assert.Equal(t, 6, cfg.Quorum.DisksPerNode)

	env["CMM_QUORUM_THRESHOLD"] = "150"
	_, err = loadConfig(path, func(k string) string { return env[k] })
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), func(string) string { return "" })
	assert.Error(t, err)
}

// TestMainBadConfig checks that main reports a broken config through logFatal.
func TestMainBadConfig(t *testing.T) {
	var msg string
	oldFatal := logFatal
	logFatal = func(format string, args ...any) { msg = fmt.Sprintf(format, args...) }
	defer func() { logFatal = oldFatal }()

	t.Setenv("CMM_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	main()
	assert.Contains(t, msg, "missing.yaml")
}

func TestRunPowerOff(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "off")
	runPowerOff("touch " + marker)
	_, err := os.Stat(marker)
	assert.NoError(t, err)

	runPowerOff("")
	runPowerOff("exit 3")
}

func TestRunFailsFatallyOnBadConfigDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	cfg := config.Default()
	cfg.ConfigDir = filepath.Join(file, "sub")
	err := run(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, cmm.IsFatal(err))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// singleNode returns a fast config for a one node cell on loopback.
func singleNode(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Nodes = "1 127.0.0.1 true"
	cfg.NodeID = 1
	cfg.ConfigDir = t.TempDir()
	cfg.Ports.Ring = freePort(t)
	cfg.Ports.API = freePort(t)
	cfg.Ports.HTTP = freePort(t)
	cfg.Ring.HeartbeatInterval = 50 * time.Millisecond
	cfg.Ring.HeartbeatTimeout = 200 * time.Millisecond
	cfg.Ring.ConnectTimeout = 500 * time.Millisecond
	cfg.Ring.RetryInterval = 50 * time.Millisecond
	cfg.Ring.LatencyTimeout = 50 * time.Millisecond
	cfg.Ring.DiscoveryTimeout = 150 * time.Millisecond
	cfg.Ring.ElectionInterval = 50 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

// TestRunSingleNode starts a complete daemon and drives it through its
// client API and HTTP port.
func TestRunSingleNode(t *testing.T) {
	if testing.Short() {
		t.Skip("starts network listeners")
	}
	cfg := singleNode(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	table, err := cfg.NewTable()
	require.NoError(t, err)
	local := table.Local()

	var client *api.Client
	require.Eventually(t, func() bool {
		c, err := api.Dial(ctx, local.APIAddr(cfg.Ports))
		if err != nil {
			return false
		}
		client = c
		return true
	}, 5*time.Second, 20*time.Millisecond)
	defer client.Close()

	require.Eventually(t, func() bool {
		m, ok, err := client.GetMaster(ctx)
		return err == nil && ok && m.ID == 1
	}, 10*time.Second, 50*time.Millisecond)

	version, err := client.UpdateConfig(ctx, configstore.ClusterConfig, configstore.Properties{"cell.name": "lab"})
	require.NoError(t, err)
	got, err := client.GetVersion(ctx, configstore.ClusterConfig)
	require.NoError(t, err)
	assert.Equal(t, version, got)

	health, err := peerhttp.GetHealth(ctx, local.HTTPAddr(cfg.Ports))
	require.NoError(t, err)
	assert.Equal(t, 1, health.Master)

	body, _, err := cluster.GetBytes(ctx, "http://"+local.HTTPAddr(cfg.Ports)+"/config/cluster")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "lab"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
