package executor

import (
	"fmt"
	"strings"
)

// RenderCommand fills a command template with the world's values. The
// recognized placeholders are {prompt_file}, {world_id}, {world_name},
// {worktree}, {intent} and {strategy}. A template that never mentions
// {prompt_file} gets the prompt piped to stdin instead.
func RenderCommand(template, promptFile string, p WorldPayload) string {
	replacements := []struct{ key, value string }{
		{"{prompt_file}", promptFile},
		{"{world_id}", p.WorldID},
		{"{world_name}", p.WorldName},
		{"{worktree}", p.Worktree},
		{"{intent}", p.Intent},
		{"{strategy}", p.Strategy},
	}
	command := template
	for _, r := range replacements {
		command = strings.ReplaceAll(command, r.key, r.value)
	}
	if !strings.Contains(template, "{prompt_file}") {
		command = fmt.Sprintf("%s < %q", command, promptFile)
	}
	return command
}

// DefaultAgentCommand returns the stock command template for a known
// agent CLI flavor. Operators with custom harnesses set the template
// directly in config; the flavors cover the common coding agents.
func DefaultAgentCommand(flavor string) (string, error) {
	switch flavor {
	case "claude":
		return `claude -p "$(cat {prompt_file})" --output-format text`, nil
	case "codex":
		return `codex exec "$(cat {prompt_file})" --json`, nil
	case "goose":
		return `goose run --text "$(cat {prompt_file})"`, nil
	default:
		return "", fmt.Errorf("unknown agent flavor: %s", flavor)
	}
}
