package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global
// config, defaults. Missing files are not errors; malformed JSON is.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from the conventional paths:
// ~/.manyworlds/config.json, then .manyworlds/config.json relative to
// the working directory, then a best-effort .env file, then
// MANYWORLDS_* environment overrides on top.
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, GlobalDirName, ConfigFileName)
	projectPath := filepath.Join(GlobalDirName, ConfigFileName)

	cfg := DefaultConfig()
	if err := mergeConfigFile(cfg, globalPath); err != nil {
		return nil, fmt.Errorf("loading global config: %w", err)
	}
	if err := mergeConfigFile(cfg, projectPath); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	_ = godotenv.Load() // .env is optional
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeConfigFile decodes a JSON config file over the base config.
// Decoding into the existing struct only touches fields the document
// actually carries, which gives the merge semantics for free. Missing
// files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// ApplyEnv applies MANYWORLDS_* environment overrides on top of
// whatever the files produced. Unparseable values keep the current
// setting.
func (c *Config) ApplyEnv() {
	c.BaseBranch = getEnvString("MANYWORLDS_BASE_BRANCH", c.BaseBranch)
	c.BranchPrefix = getEnvString("MANYWORLDS_BRANCH_PREFIX", c.BranchPrefix)
	c.WorldsDir = getEnvString("MANYWORLDS_WORLDS_DIR", c.WorldsDir)
	c.MetadataDir = getEnvString("MANYWORLDS_METADATA_DIR", c.MetadataDir)
	c.DBPath = getEnvString("MANYWORLDS_DB_PATH", c.DBPath)
	c.DefaultWorldCount = getEnvInt("MANYWORLDS_WORLD_COUNT", c.DefaultWorldCount)

	c.Scheduler.MaxParallelAgents = getEnvInt("MANYWORLDS_MAX_PARALLEL_AGENTS", c.Scheduler.MaxParallelAgents)
	c.Scheduler.RetryLimit = getEnvInt("MANYWORLDS_RETRY_LIMIT", c.Scheduler.RetryLimit)

	c.Runtime.GraceSec = getEnvFloat("MANYWORLDS_GRACE_SEC", c.Runtime.GraceSec)
	c.Runtime.PollMS = getEnvInt("MANYWORLDS_POLL_MS", c.Runtime.PollMS)

	c.Agent.Command = getEnvString("MANYWORLDS_AGENT_COMMAND", c.Agent.Command)
	c.Agent.TimeoutSec = getEnvFloat("MANYWORLDS_AGENT_TIMEOUT_SEC", c.Agent.TimeoutSec)
	c.Verify.Command = getEnvString("MANYWORLDS_VERIFY_COMMAND", c.Verify.Command)
	c.Verify.TimeoutSec = getEnvFloat("MANYWORLDS_VERIFY_TIMEOUT_SEC", c.Verify.TimeoutSec)

	c.Server.Addr = getEnvString("MANYWORLDS_ADDR", c.Server.Addr)
	c.Server.AuthToken = getEnvString("MANYWORLDS_AUTH_TOKEN", c.Server.AuthToken)
}

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
