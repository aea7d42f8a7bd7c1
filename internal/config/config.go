// Package config loads the agentmux JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TimeoutsConfig overrides the built-in operation deadlines. Zero values
// keep the defaults; these exist mostly for integration tests against
// slow machines.
type TimeoutsConfig struct {
	// DriverSeconds caps each tmux invocation.
	DriverSeconds int `json:"driverSeconds"`

	// InitializerSeconds caps a full escalation run.
	InitializerSeconds int `json:"initializerSeconds"`
}

// ServerConfig holds settings for the HTTP surface exposed by
// `agentmux serve`.
type ServerConfig struct {
	Port int `json:"port"`
}

// Config is the top-level configuration for agentmux.
type Config struct {
	// OrchestratorSession is the well-known tmux session name for the
	// orchestrator agent.
	OrchestratorSession string `json:"orchestratorSession"`

	// StateFile is the path of the persisted JSON state document.
	StateFile string `json:"stateFile"`

	// DatabasePath is the SQLite file holding execution history.
	DatabasePath string `json:"databasePath"`

	// RosterPath is the YAML file defining projects and teams.
	RosterPath string `json:"rosterPath"`

	// PromptsDir holds the per-role prompt templates. Template files are
	// named <role>.md.
	PromptsDir string `json:"promptsDir"`

	// CLICommand is the command line that launches the AI CLI inside a
	// session. Sent as a literal keystroke payload followed by Enter.
	CLICommand string `json:"cliCommand"`

	Server   ServerConfig   `json:"server"`
	Timeouts TimeoutsConfig `json:"timeouts"`
}

// Parse reads a JSON config file and returns the parsed Config.
// The file path is taken from the AGENTMUX_CONFIG env var, defaulting to
// "agentmux.json". A missing file yields the defaults.
func Parse() (*Config, error) {
	path := os.Getenv("AGENTMUX_CONFIG")
	if path == "" {
		path = "agentmux.json"
	}

	cfg := defaults()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func defaults() *Config {
	dataDir := filepath.Join(stateDir(), "agentmux")
	return &Config{
		OrchestratorSession: "agentmux-orc",
		StateFile:           filepath.Join(dataDir, "state.json"),
		DatabasePath:        filepath.Join(dataDir, "agentmux.sqlite"),
		RosterPath:          "agentmux-roster.yaml",
		PromptsDir:          "prompts",
		CLICommand:          "claude --dangerously-skip-permissions",
		Server:              ServerConfig{Port: 8080},
	}
}

func stateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return os.TempDir()
}

// DriverTimeout returns the per-invocation tmux deadline.
func (c *Config) DriverTimeout() time.Duration {
	if c.Timeouts.DriverSeconds > 0 {
		return time.Duration(c.Timeouts.DriverSeconds) * time.Second
	}
	return 5 * time.Second
}

// InitializerTimeout returns the overall escalation deadline.
func (c *Config) InitializerTimeout() time.Duration {
	if c.Timeouts.InitializerSeconds > 0 {
		return time.Duration(c.Timeouts.InitializerSeconds) * time.Second
	}
	return 90 * time.Second
}
