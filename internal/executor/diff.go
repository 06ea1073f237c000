package executor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// CollectDiff captures the world's delta against its base ref: the
// full patch written next to the logs, plus a numstat summary and the
// changed file list. Diff failures are reported, never fatal; a world
// whose agent crashed still gets its empty diff recorded.
func CollectDiff(metaDir, baseRef, worktree string) (DiffStat, []string, error) {
	if err := os.MkdirAll(metaDir, 0755); err != nil {
		return DiffStat{}, nil, fmt.Errorf("failed to create meta dir: %w", err)
	}
	ref := fmt.Sprintf("%s...HEAD", baseRef)

	patch, err := gitOutput(worktree, "diff", ref)
	if err == nil {
		patchPath := filepath.Join(metaDir, "diff.patch")
		if werr := os.WriteFile(patchPath, []byte(patch), 0644); werr != nil {
			err = fmt.Errorf("failed to write diff patch: %w", werr)
		}
	}

	numstat, nerr := gitOutput(worktree, "diff", "--numstat", ref)
	if nerr != nil && err == nil {
		err = nerr
	}
	stat := parseNumstat(numstat)

	nameOnly, lerr := gitOutput(worktree, "diff", "--name-only", ref)
	if lerr != nil && err == nil {
		err = lerr
	}
	var names []string
	for _, line := range strings.Split(nameOnly, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return stat, names, err
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w (output: %s)", strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}

// parseNumstat totals a git diff --numstat listing. Binary files show
// "-" counts and contribute only to the file total.
func parseNumstat(output string) DiffStat {
	var stat DiffStat
	for _, line := range strings.Split(output, "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) < 3 {
			continue
		}
		added, deleted := 0, 0
		if parts[0] != "-" {
			v, err := strconv.Atoi(parts[0])
			if err != nil {
				continue
			}
			added = v
		}
		if parts[1] != "-" {
			v, err := strconv.Atoi(parts[1])
			if err != nil {
				continue
			}
			deleted = v
		}
		stat.LinesAdded += added
		stat.LinesDeleted += deleted
		stat.FilesChanged++
	}
	return stat
}
