package config

import (
	"os"
	"path/filepath"

	"github.com/m4xw311/datapilot/errors"
	"gopkg.in/yaml.v3"
)

// DataAccess restricts which dataset paths tools may touch.
type DataAccess struct {
	// Allowed is a list of doublestar globs; empty means any path.
	Allowed []string `yaml:"allowed"`
	// WorkDir is where derived files (filter/group outputs) are written.
	WorkDir string `yaml:"work_dir"`
}

// MCPServer describes an external MCP server whose tools are exposed to
// sessions (the extension point for web-mode toolsets).
type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Memory holds the context-budget knobs.
type Memory struct {
	// Disabled turns off history compression entirely.
	Disabled bool `yaml:"disabled"`
	// CompressThreshold is the token estimate that triggers compression.
	CompressThreshold int `yaml:"compress_threshold"`
	// KeepToolResults is how many tool results survive compression verbatim
	// before older ones are digested.
	KeepToolResults int `yaml:"keep_tool_results"`
	// WindowSize is the target size of the recent-message window re-sent to
	// the planner after tool execution.
	WindowSize int `yaml:"window_size"`
}

// Limits bounds the per-turn agent loop.
type Limits struct {
	// SoftToolCap forces a no-tool answer once this many tool results
	// accumulate in one turn.
	SoftToolCap int `yaml:"soft_tool_cap"`
	// HardToolCap stops dispatching tools outright.
	HardToolCap int `yaml:"hard_tool_cap"`
	// MaxNodeVisits is the recursion ceiling of the decision graph.
	MaxNodeVisits int `yaml:"max_node_visits"`
}

type Config struct {
	// LLMClient selects the provider: openai, anthropic, gemini, bedrock or mock.
	LLMClient string `yaml:"llm"`
	Model     string `yaml:"model"`
	// ResponderModel optionally overrides the model for the final answer pass.
	ResponderModel string `yaml:"responder_model"`

	Listen   string `yaml:"listen"`
	RulesDir string `yaml:"rules_dir"`

	// SessionTTLMinutes controls idle session expiry; 0 disables the sweep.
	SessionTTLMinutes int `yaml:"session_ttl_minutes"`

	Memory     Memory      `yaml:"memory"`
	Limits     Limits      `yaml:"limits"`
	DataAccess DataAccess  `yaml:"data_access"`
	MCPServers []MCPServer `yaml:"mcp_servers"`
}

// Defaults used when the config files omit a knob.
const (
	DefaultListen            = ":8080"
	DefaultRulesDir          = "rules"
	DefaultCompressThreshold = 20000
	DefaultKeepToolResults   = 3
	DefaultWindowSize        = 6
	DefaultSoftToolCap       = 12
	DefaultHardToolCap       = 10
	DefaultMaxNodeVisits     = 50
)

// Load reads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func Load() (*Config, error) {
	cfg := &Config{}

	home, err := os.UserHomeDir()
	if err == nil {
		userPath := filepath.Join(home, ".datapilot", "config.yaml")
		if _, err := os.Stat(userPath); err == nil {
			if err := loadFromFile(userPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectPath := filepath.Join(wd, ".datapilot", "config.yaml")
	if _, err := os.Stat(projectPath); err == nil {
		if err := loadFromFile(projectPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// LoadFile reads a single config file, for tests and the -config flag.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading config %s", path)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, so project-level
	// config replaces user-level field by field.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.RulesDir == "" {
		c.RulesDir = DefaultRulesDir
	}
	if c.Memory.CompressThreshold <= 0 {
		c.Memory.CompressThreshold = DefaultCompressThreshold
	}
	if c.Memory.KeepToolResults <= 0 {
		c.Memory.KeepToolResults = DefaultKeepToolResults
	}
	if c.Memory.WindowSize <= 0 {
		c.Memory.WindowSize = DefaultWindowSize
	}
	if c.Limits.SoftToolCap <= 0 {
		c.Limits.SoftToolCap = DefaultSoftToolCap
	}
	if c.Limits.HardToolCap <= 0 {
		c.Limits.HardToolCap = DefaultHardToolCap
	}
	if c.Limits.MaxNodeVisits <= 0 {
		c.Limits.MaxNodeVisits = DefaultMaxNodeVisits
	}
	if c.DataAccess.WorkDir == "" {
		c.DataAccess.WorkDir = os.TempDir()
	}
}
