package worlds

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/stray/manyworlds/internal/executor"
)

const playbookPreviewLines = 20

// WriteReport renders report.md for a branchpoint into its metadata
// dir: a mermaid graph of the fork, the ranked comparison table, and
// the merge suggestion for the selected world.
func (m *Manager) WriteReport(ctx context.Context, bp *Branchpoint) (string, error) {
	ranked, err := m.rankedWorlds(ctx, bp)
	if err != nil {
		return "", err
	}
	dir := m.MetadataDir(bp)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report dir: %w", err)
	}
	path := filepath.Join(dir, "report.md")
	if err := os.WriteFile(path, []byte(renderReport(bp, ranked, time.Now().UTC())), 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// WritePlaybook renders play.md: per-world locations, outcomes, and a
// tail of the last attempt log.
func (m *Manager) WritePlaybook(ctx context.Context, bp *Branchpoint) (string, error) {
	ranked, err := m.rankedWorlds(ctx, bp)
	if err != nil {
		return "", err
	}
	dir := m.MetadataDir(bp)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report dir: %w", err)
	}
	path := filepath.Join(dir, "play.md")
	if err := os.WriteFile(path, []byte(renderPlaybook(bp, ranked, time.Now().UTC())), 0644); err != nil {
		return "", fmt.Errorf("failed to write playbook: %w", err)
	}
	return path, nil
}

func (m *Manager) rankedWorlds(ctx context.Context, bp *Branchpoint) ([]RankedWorld, error) {
	worlds, err := m.store.WorldsForBranchpoint(ctx, bp.ID)
	if err != nil {
		return nil, err
	}
	byWorld := map[string][]executor.AttemptRecord{}
	if bp.RunID != "" {
		attempts, err := m.store.AttemptsForRun(ctx, bp.RunID)
		if err != nil {
			return nil, err
		}
		byWorld = GroupAttempts(attempts)
	}
	return Rank(worlds, byWorld), nil
}

func renderReport(bp *Branchpoint, ranked []RankedWorld, generatedAt time.Time) string {
	var b strings.Builder
	b.WriteString("# Worlds Report\n\n")
	fmt.Fprintf(&b, "Generated: %s\n", generatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Branchpoint: `%s`\n", bp.ID)
	fmt.Fprintf(&b, "Intent: %s\n", bp.Intent)
	fmt.Fprintf(&b, "Base branch: `%s`\n", bp.BaseBranch)
	fmt.Fprintf(&b, "Base commit: `%s`\n", shortCommit(bp.BaseCommit))
	if bp.RunID != "" {
		fmt.Fprintf(&b, "Run: `%s`\n", bp.RunID)
	} else {
		b.WriteString("Run: not run\n")
	}
	if bp.ParentWorld != "" {
		fmt.Fprintf(&b, "Forked from world: `%s`\n", bp.ParentWorld)
	}

	b.WriteString("\n## Branch Graph\n\n```mermaid\ngraph TD\n")
	fmt.Fprintf(&b, "  BASE[\"%s (%s)\"]\n", shortCommit(bp.BaseCommit), bp.BaseBranch)
	fmt.Fprintf(&b, "  BP[\"%s\"]\n", bp.ID)
	b.WriteString("  BASE --> BP\n")
	for _, rw := range ranked {
		fmt.Fprintf(&b, "  BP --> W%02d[\"%02d %s\"]\n", rw.World.Index, rw.World.Index, rw.World.Name)
	}
	b.WriteString("```\n")

	b.WriteString("\n## Comparison\n\n")
	b.WriteString("| Rank | World | Branch | Status | Agent Exit | Verify Exit | Duration (s) | Files | +Lines | -Lines | Strategy |\n")
	b.WriteString("| --- | --- | --- | --- | --- | --- | --- | --- | --- | --- | --- |\n")
	for rank, rw := range ranked {
		agent := lastAttempt(rw.Attempts, executor.PhaseAgent)
		verify := lastAttempt(rw.Attempts, executor.PhaseVerify)
		files, added, deleted := "", "", ""
		if agent != nil {
			files = strconv.Itoa(agent.Diff.FilesChanged)
			added = strconv.Itoa(agent.Diff.LinesAdded)
			deleted = strconv.Itoa(agent.Diff.LinesDeleted)
		}
		fmt.Fprintf(&b, "| %d | %s | `%s` | %s | %s | %s | %s | %s | %s | %s | %s |\n",
			rank+1, rw.World.Name, rw.World.Branch, rw.World.Status,
			exitString(agent), exitString(verify), durationString(rw),
			files, added, deleted, rw.World.Notes,
		)
	}

	if selected := selectedWorld(ranked); selected != nil {
		b.WriteString("\n## Selected World\n\n")
		fmt.Fprintf(&b, "Selected: `%s`\n", selected.ID)
		fmt.Fprintf(&b, "Branch: `%s`\n\n", selected.Branch)
		b.WriteString("Suggested merge command:\n\n```bash\n")
		fmt.Fprintf(&b, "git checkout %s\ngit merge --no-ff %s\n", bp.BaseBranch, selected.Branch)
		b.WriteString("```\n")
	}

	b.WriteString("\nPlayback details: `play.md`.\n")
	return b.String()
}

func renderPlaybook(bp *Branchpoint, ranked []RankedWorld, generatedAt time.Time) string {
	var b strings.Builder
	b.WriteString("# Worlds Playback\n\n")
	fmt.Fprintf(&b, "Generated: %s\n", generatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Branchpoint: `%s`\n", bp.ID)
	fmt.Fprintf(&b, "Intent: %s\n", bp.Intent)

	for _, rw := range ranked {
		fmt.Fprintf(&b, "\n## %02d %s\n\n", rw.World.Index, rw.World.Name)
		fmt.Fprintf(&b, "- World ID: `%s`\n", rw.World.ID)
		fmt.Fprintf(&b, "- Branch: `%s`\n", rw.World.Branch)
		fmt.Fprintf(&b, "- Worktree: `%s`\n", rw.World.Worktree)
		fmt.Fprintf(&b, "- Status: %s\n", rw.World.Status)
		last := lastAttempt(rw.Attempts, executor.PhaseVerify)
		if last == nil {
			last = lastAttempt(rw.Attempts, executor.PhaseAgent)
		}
		if last == nil {
			b.WriteString("- Attempts: none\n")
			continue
		}
		fmt.Fprintf(&b, "- Exit: `%s`\n", exitString(last))
		fmt.Fprintf(&b, "- Duration: `%s` sec\n", strconv.FormatFloat(last.DurationSec, 'f', 1, 64))
		if last.Error != "" {
			fmt.Fprintf(&b, "- Error: `%s`\n", last.Error)
		}
		if last.LogPath != "" {
			fmt.Fprintf(&b, "- Log: `%s`\n", last.LogPath)
			if preview := tailFile(last.LogPath, playbookPreviewLines); len(preview) > 0 {
				b.WriteString("\nExecution preview:\n\n```text\n")
				b.WriteString(strings.Join(preview, "\n"))
				b.WriteString("\n```\n")
			}
		}
	}
	return b.String()
}

func lastAttempt(attempts []executor.AttemptRecord, phase string) *executor.AttemptRecord {
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Phase == phase {
			return &attempts[i]
		}
	}
	return nil
}

func selectedWorld(ranked []RankedWorld) *World {
	for i := range ranked {
		if ranked[i].World.Selected {
			return &ranked[i].World
		}
	}
	return nil
}

func exitString(a *executor.AttemptRecord) string {
	if a == nil || a.ExitCode == nil {
		return ""
	}
	return strconv.Itoa(*a.ExitCode)
}

func durationString(rw RankedWorld) string {
	if len(rw.Attempts) == 0 {
		return ""
	}
	return strconv.FormatFloat(rw.Score.Duration, 'f', 1, 64)
}

func shortCommit(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func tailFile(path string, n int) []string {
	data, err := os.ReadFile(path)
	if err != nil || n <= 0 {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
