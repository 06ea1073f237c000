package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveCreatesFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.Agent.Command = "claude -p --permission-mode acceptEdits {prompt_file}"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}
	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("config file contains invalid JSON: %v", err)
	}
	if loaded.Agent.Command != cfg.Agent.Command {
		t.Errorf("agent command = %q, want %q", loaded.Agent.Command, cfg.Agent.Command)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("config file should end with a newline")
	}
}

func TestSaveCreatesParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "deep", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("config file was not created: %s", path)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.BaseBranch = "develop"
	cfg.WorldsDir = "/tmp/custom-worlds"
	cfg.Scheduler.MaxParallelAgents = 6
	cfg.Verify.Command = "go test ./..."
	cfg.Strategies = []StrategyConfig{
		{Name: "minimal-fix", Notes: "Smallest targeted change with low risk."},
		{Name: "robust-fix", Notes: "Root-cause oriented implementation with guardrails."},
	}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.BaseBranch != "develop" || loaded.WorldsDir != "/tmp/custom-worlds" {
		t.Errorf("roundtrip lost fields: %+v", loaded)
	}
	if loaded.Scheduler.MaxParallelAgents != 6 {
		t.Errorf("max_parallel_agents = %d, want 6", loaded.Scheduler.MaxParallelAgents)
	}
	if loaded.Verify.Command != "go test ./..." {
		t.Errorf("verify command = %q", loaded.Verify.Command)
	}
	if len(loaded.Strategies) != 2 || loaded.Strategies[0].Name != "minimal-fix" {
		t.Errorf("strategies = %+v", loaded.Strategies)
	}
}

func TestWriteDefault(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	// A second write without force must refuse to clobber the file.
	if err := WriteDefault(path, false); err == nil {
		t.Fatal("WriteDefault should refuse to overwrite without force")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Fatalf("WriteDefault with force failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.BranchPrefix != "mw" {
		t.Errorf("branch_prefix = %s, want mw", loaded.BranchPrefix)
	}
}

func TestWriteKeepsCustomizations(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.Agent.Command = "my-agent {prompt_file}"
	if err := Write(cfg, path, false); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := Write(cfg, path, false); err == nil {
		t.Fatal("Write should refuse to overwrite without force")
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Agent.Command != "my-agent {prompt_file}" {
		t.Errorf("agent command = %q", loaded.Agent.Command)
	}
}
