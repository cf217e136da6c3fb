package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/leafymarket/leafsync"
	"github.com/leafymarket/leafsync/backend/backendtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "leafsync", cmd.Use)
	assert.Contains(t, cmd.Long, "backend is unreachable")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"status", "list", "pending", "failed", "retry", "discard", "submit", "update", "sync", "queue", "logs", "config", "watch"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config-dir")
	require.NotNil(t, configFlag)
	assert.Equal(t, DefaultConfigDir(), configFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--config-dir", t.TempDir(), "--format", "xml", "status"})
	cmd.SetOut(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

// run executes the CLI against a config dir pointing at srv and returns stdout.
func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs(append([]string{"--config-dir", dir}, args...))
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func setupConfigDir(t *testing.T) (string, *backendtest.Server) {
	t.Helper()
	srv := backendtest.New()
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg, err := leafsync.LoadConfig(dir)
	require.NoError(t, err)
	require.NoError(t, cfg.Set("backend_url", srv.URL))
	return dir, srv
}

func TestSubmitAndStatus(t *testing.T) {
	dir, srv := setupConfigDir(t)
	srv.SetNextID(7)

	out := run(t, dir, "--format", "json", "submit", "products", "--data", `{"name":"Honey","quantity":5}`)
	var created recordView
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "7", created.ID)
	assert.Equal(t, "Honey", created.Attributes["name"])

	out = run(t, dir, "--format", "yaml", "status")
	var status leafsync.Status
	require.NoError(t, yaml.Unmarshal([]byte(out), &status))
	assert.True(t, status.Online)
	assert.Zero(t, status.Pending)
}

func TestPendingAfterOutage(t *testing.T) {
	dir, srv := setupConfigDir(t)
	srv.SetDown(true)

	run(t, dir, "submit", "products", "--data", `{"name":"Honey"}`)

	out := run(t, dir, "--format", "json", "pending")
	var pending []recordView
	require.NoError(t, json.Unmarshal([]byte(out), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "L1", pending[0].ID)

	srv.SetDown(false)
	out = run(t, dir, "sync")
	assert.Contains(t, out, "synced 1")
	assert.Len(t, srv.Entities("products"), 1)
}

func TestConfigSet(t *testing.T) {
	dir, _ := setupConfigDir(t)

	run(t, dir, "config", "set", "log_level", "debug")

	cfg, err := leafsync.LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}
