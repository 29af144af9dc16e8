// Package config loads and hot-reloads the kagan configuration file:
// concurrency limits, iteration/timeout knobs, and the named agent
// backends the automation core drives.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Agent describes a single coding-agent backend and how to connect to it.
type Agent struct {
	Role       string   `yaml:"role,omitempty"`        // coder, reviewer; informational only
	Mode       string   `yaml:"mode"`                  // "cli" or "api"
	Cmd        string   `yaml:"cmd,omitempty"`         // CLI command to spawn
	Args       []string `yaml:"args,omitempty"`        // CLI arguments
	Provider   string   `yaml:"provider,omitempty"`    // API provider: openai, anthropic, google
	Model      string   `yaml:"model,omitempty"`       // Model name for API mode
	APIKeyEnv  string   `yaml:"api_key_env,omitempty"` // Env var name containing API key
	TimeoutSec int      `yaml:"timeout_sec,omitempty"` // Timeout in seconds (0 = default)
	AutoAccept bool     `yaml:"auto_accept,omitempty"` // Auto-accept all agent actions (skip permissions)
}

// EffectiveArgs returns the final args for a CLI agent, injecting
// non-interactive and auto-accept flags for known CLI tools.
func (a Agent) EffectiveArgs() []string {
	if a.Mode != "cli" {
		return a.Args
	}

	args := make([]string, len(a.Args))
	copy(args, a.Args)

	switch a.Cmd {
	case "claude":
		if !containsAny(args, "-p", "--print") {
			args = appendFront(args, "--print")
		}
		if a.AutoAccept && !containsAny(args, "--dangerously-skip-permissions", "--permission-mode") {
			args = appendFront(args, "--dangerously-skip-permissions")
		}
	case "gemini":
		if a.AutoAccept && !containsAny(args, "-y", "--yolo") {
			args = appendFront(args, "--yolo")
		}
	case "codex":
		if a.AutoAccept && !containsAny(args, "--full-auto", "--approval-mode") {
			args = appendFront(args, "--full-auto")
		}
	}

	return args
}

// DefaultTimeout returns the effective timeout for the agent.
func (a Agent) DefaultTimeout() time.Duration {
	if a.TimeoutSec > 0 {
		return time.Duration(a.TimeoutSec) * time.Second
	}
	return 300 * time.Second
}

// Config is the root configuration for a kagan project.
type Config struct {
	Version int `yaml:"version"`

	MaxConcurrentAgents      int `yaml:"max_concurrent_agents"`
	MaxIterations            int `yaml:"max_iterations"`
	IterationDelaySeconds    int `yaml:"iteration_delay_seconds"`

	AutoApprove              bool `yaml:"auto_approve"`
	AutoReview               bool `yaml:"auto_review"`
	AutoMerge                bool `yaml:"auto_merge"`
	AutoRetryOnMergeConflict bool `yaml:"auto_retry_on_merge_conflict"`
	AutoStart                bool `yaml:"auto_start"`

	DefaultBaseBranch    string `yaml:"default_base_branch"`
	DefaultModelClaude   string `yaml:"default_model_claude"`
	DefaultModelOpencode string `yaml:"default_model_opencode"`

	Agents map[string]Agent `yaml:"agents"`
}

// IterationDelay returns the configured inter-iteration pause.
func (c *Config) IterationDelay() time.Duration {
	return time.Duration(c.IterationDelaySeconds) * time.Second
}

// ModelOverrideFor resolves the model override for an agent identity:
// identities naming claude get the claude default, everything else gets
// the opencode default.
func (c *Config) ModelOverrideFor(identity string) string {
	if strings.Contains(strings.ToLower(identity), "claude") {
		return c.DefaultModelClaude
	}
	return c.DefaultModelOpencode
}

// AgentsByRole returns all agents configured with the given role.
func (c *Config) AgentsByRole(role string) map[string]Agent {
	result := make(map[string]Agent)
	for name, agent := range c.Agents {
		if agent.Role == role {
			result[name] = agent
		}
	}
	return result
}

// DefaultConfig returns a starter config with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Version:                  1,
		MaxConcurrentAgents:      3,
		MaxIterations:            10,
		IterationDelaySeconds:    2,
		AutoReview:               true,
		AutoRetryOnMergeConflict: true,
		DefaultBaseBranch:        "main",
		Agents:                   map[string]Agent{},
	}
}

// Load reads and parses the config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses config bytes already read from disk or a watcher event.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Agents = map[string]Agent{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to the given path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) validate() error {
	if c.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("max_concurrent_agents must be positive, got %d", c.MaxConcurrentAgents)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	for name, agent := range c.Agents {
		if agent.Mode == "" {
			return fmt.Errorf("agent %q: mode is required (cli or api)", name)
		}
		if agent.Mode != "cli" && agent.Mode != "api" {
			return fmt.Errorf("agent %q: mode must be 'cli' or 'api', got %q", name, agent.Mode)
		}
		if agent.Mode == "cli" && agent.Cmd == "" {
			return fmt.Errorf("agent %q: cmd is required for cli mode", name)
		}
		if agent.Mode == "api" && agent.Provider == "" {
			return fmt.Errorf("agent %q: provider is required for api mode", name)
		}
	}
	return nil
}

// containsAny checks if any of the targets exist in the slice.
func containsAny(slice []string, targets ...string) bool {
	for _, s := range slice {
		for _, t := range targets {
			if s == t {
				return true
			}
		}
	}
	return false
}

// appendFront inserts a value at the beginning of a slice.
func appendFront(slice []string, val string) []string {
	return append([]string{val}, slice...)
}
