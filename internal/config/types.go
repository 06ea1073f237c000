package config

import "fmt"

// SchedulerConfig bounds the run loop.
type SchedulerConfig struct {
	MaxParallelAgents int `json:"max_parallel_agents"` // Concurrent task slots per run
	RetryLimit        int `json:"retry_limit"`         // Extra attempts after the first failure
}

// RuntimeConfig tunes process supervision.
type RuntimeConfig struct {
	GraceSec float64 `json:"grace_sec"` // Seconds between SIGTERM and SIGKILL
	PollMS   int     `json:"poll_ms"`   // Control-flag poll interval in milliseconds
}

// CommandConfig is one phase command template. Command supports the
// {prompt_file}, {worktree}, {branch} and {task_id} placeholders; an
// empty verify command skips the verify phase entirely.
type CommandConfig struct {
	Command    string  `json:"command"`
	TimeoutSec float64 `json:"timeout_sec"`
}

// ServerConfig holds the HTTP control surface settings. An empty auth
// token leaves the API open; anything else is required as a bearer
// token on every request.
type ServerConfig struct {
	Addr      string `json:"addr"`
	AuthToken string `json:"auth_token"`
}

// StrategyConfig is a preset world strategy. When present, these
// replace keyword inference during kickoff.
type StrategyConfig struct {
	Name  string `json:"name"`
	Notes string `json:"notes,omitempty"`
}

// Config is the top-level configuration, merged from the global and
// project files with project values winning.
type Config struct {
	BaseBranch        string           `json:"base_branch"`
	BranchPrefix      string           `json:"branch_prefix"`
	WorldsDir         string           `json:"worlds_dir"`
	MetadataDir       string           `json:"metadata_dir"`
	DBPath            string           `json:"db_path,omitempty"`
	DefaultWorldCount int              `json:"default_world_count"`
	Scheduler         SchedulerConfig  `json:"scheduler"`
	Runtime           RuntimeConfig    `json:"runtime"`
	Agent             CommandConfig    `json:"agent"`
	Verify            CommandConfig    `json:"verify"`
	Server            ServerConfig     `json:"server"`
	Strategies        []StrategyConfig `json:"strategies,omitempty"`
}

// ConfigError marks a fatal configuration problem. Callers treat these
// as caller bugs: surfaced immediately, never retried.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

func errField(field, msg string) error {
	return &ConfigError{Field: field, Msg: msg}
}

// Validate checks the merged configuration. The zero value is not
// valid; start from DefaultConfig.
func (c *Config) Validate() error {
	if c.BaseBranch == "" {
		return errField("base_branch", "must be a non-empty string")
	}
	if c.BranchPrefix == "" {
		return errField("branch_prefix", "must be a non-empty string")
	}
	if c.WorldsDir == "" {
		return errField("worlds_dir", "must be a non-empty string")
	}
	if c.MetadataDir == "" {
		return errField("metadata_dir", "must be a non-empty string")
	}
	if c.DefaultWorldCount < 1 {
		return errField("default_world_count", "must be >= 1")
	}
	if c.Scheduler.MaxParallelAgents < 1 {
		return errField("scheduler.max_parallel_agents", "must be >= 1")
	}
	if c.Scheduler.RetryLimit < 0 {
		return errField("scheduler.retry_limit", "must be >= 0")
	}
	if c.Runtime.GraceSec <= 0 {
		return errField("runtime.grace_sec", "must be > 0")
	}
	if c.Runtime.PollMS < 1 {
		return errField("runtime.poll_ms", "must be >= 1")
	}
	if c.Agent.TimeoutSec <= 0 {
		return errField("agent.timeout_sec", "must be > 0")
	}
	if c.Verify.TimeoutSec <= 0 {
		return errField("verify.timeout_sec", "must be > 0")
	}
	if c.Server.Addr == "" {
		return errField("server.addr", "must be a non-empty string")
	}
	for i, s := range c.Strategies {
		if s.Name == "" {
			return errField(fmt.Sprintf("strategies[%d].name", i), "must be a non-empty string")
		}
	}
	return nil
}
