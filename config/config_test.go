package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm: openai\nmodel: gpt-4o\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLMClient)
	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, DefaultRulesDir, cfg.RulesDir)
	assert.Equal(t, DefaultCompressThreshold, cfg.Memory.CompressThreshold)
	assert.Equal(t, DefaultKeepToolResults, cfg.Memory.KeepToolResults)
	assert.Equal(t, DefaultWindowSize, cfg.Memory.WindowSize)
	assert.Equal(t, DefaultSoftToolCap, cfg.Limits.SoftToolCap)
	assert.Equal(t, DefaultHardToolCap, cfg.Limits.HardToolCap)
	assert.Equal(t, DefaultMaxNodeVisits, cfg.Limits.MaxNodeVisits)
	assert.Equal(t, os.TempDir(), cfg.DataAccess.WorkDir)
	assert.False(t, cfg.Memory.Disabled)
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
llm: anthropic
listen: ":9090"
rules_dir: /etc/datapilot/rules
session_ttl_minutes: 30
memory:
  disabled: true
  compress_threshold: 5000
  keep_tool_results: 5
limits:
  hard_tool_cap: 4
data_access:
  allowed:
    - /data/**/*.csv
  work_dir: /tmp/scratch
mcp_servers:
  - name: search
    command: mcp-search
    args: ["--fast"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "/etc/datapilot/rules", cfg.RulesDir)
	assert.Equal(t, 30, cfg.SessionTTLMinutes)
	assert.True(t, cfg.Memory.Disabled)
	assert.Equal(t, 5000, cfg.Memory.CompressThreshold)
	assert.Equal(t, 5, cfg.Memory.KeepToolResults)
	assert.Equal(t, 4, cfg.Limits.HardToolCap)
	assert.Equal(t, DefaultSoftToolCap, cfg.Limits.SoftToolCap, "unset knobs keep defaults")
	assert.Equal(t, []string{"/data/**/*.csv"}, cfg.DataAccess.Allowed)
	assert.Equal(t, "/tmp/scratch", cfg.DataAccess.WorkDir)
	require.Len(t, cfg.MCPServers, 1)
	assert.Equal(t, "search", cfg.MCPServers[0].Name)
	assert.Equal(t, []string{"--fast"}, cfg.MCPServers[0].Args)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
