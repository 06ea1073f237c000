package config

import "path/filepath"

// Conventional file locations. The global file lives under the home
// directory; the project file sits next to the repository root.
const (
	GlobalDirName  = ".manyworlds"
	ConfigFileName = "config.json"
	DBFileName     = "manyworlds.db"
)

// DefaultConfig returns the built-in configuration. Agent and verify
// commands default to empty: running a world without an agent command
// is an error the executor reports per task, and an empty verify
// command just skips that phase.
func DefaultConfig() *Config {
	return &Config{
		BaseBranch:        "main",
		BranchPrefix:      "mw",
		WorldsDir:         "/tmp/manyworlds-worlds",
		MetadataDir:       ".manyworlds",
		DefaultWorldCount: 3,
		Scheduler: SchedulerConfig{
			MaxParallelAgents: 4,
			RetryLimit:        2,
		},
		Runtime: RuntimeConfig{
			GraceSec: 3.0,
			PollMS:   100,
		},
		Agent: CommandConfig{
			Command:    "",
			TimeoutSec: 900,
		},
		Verify: CommandConfig{
			Command:    "",
			TimeoutSec: 300,
		},
		Server: ServerConfig{
			Addr:      "127.0.0.1:7177",
			AuthToken: "",
		},
	}
}

// DatabasePath resolves the sqlite file location: an explicit db_path
// wins, otherwise the database lives inside the project metadata dir.
func (c *Config) DatabasePath(repoRoot string) string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(repoRoot, c.MetadataDir, DBFileName)
}
