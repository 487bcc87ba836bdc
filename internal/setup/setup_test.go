package setup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFile(t *testing.T) {
	config, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Empty(t, config.MCPServers)
}

func TestRegister_PreservesOtherSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Claude", "claude_desktop_config.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{
		"theme": "dark",
		"mcpServers": {"other": {"command": "/usr/bin/other"}}
	}`), 0o644))

	binary := filepath.Join(dir, "mcp-server")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755))

	entry, err := Register(path, Options{BinaryPath: binary, Env: map[string]string{"LLM_PROVIDER": "ollama"}})
	require.NoError(t, err)
	assert.Equal(t, binary, entry.Command)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "dark", raw["theme"])

	config, err := Load(path)
	require.NoError(t, err)
	require.Contains(t, config.MCPServers, "other")
	require.Contains(t, config.MCPServers, ServerName)
	assert.Equal(t, "ollama", config.MCPServers[ServerName].Env["LLM_PROVIDER"])

	status, err := GetStatus(path)
	require.NoError(t, err)
	assert.True(t, status.Registered)
	assert.Empty(t, status.Issues)
}

func TestGetStatus_Issues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	status, err := GetStatus(path)
	require.NoError(t, err)
	assert.False(t, status.Registered)
	assert.Len(t, status.Issues, 1)

	_, err = Register(path, Options{BinaryPath: "/nonexistent/mcp-server"})
	require.NoError(t, err)

	status, err = GetStatus(path)
	require.NoError(t, err)
	assert.True(t, status.Registered)
	require.Len(t, status.Issues, 1)
	assert.Contains(t, status.Issues[0], "not found")
}

func TestUnregister(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	removed, err := Unregister(path)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = Register(path, Options{BinaryPath: "/bin/sh"})
	require.NoError(t, err)

	removed, err = Unregister(path)
	require.NoError(t, err)
	assert.True(t, removed)

	config, err := Load(path)
	require.NoError(t, err)
	assert.NotContains(t, config.MCPServers, ServerName)
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
