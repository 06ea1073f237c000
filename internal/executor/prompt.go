package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/stray/manyworlds/internal/runtime"
)

// BuildPrompt renders the agent prompt for one world attempt. Steering
// comments land under an Operator guidance section; prompt patches are
// appended verbatim at the end, in insertion order, so a patch can
// override anything above it.
func BuildPrompt(p WorldPayload, steering []runtime.SteeringComment) string {
	var b strings.Builder
	b.WriteString("# World Task\n\n")
	fmt.Fprintf(&b, "Intent: %s\n", p.Intent)
	fmt.Fprintf(&b, "World: %s\n", p.WorldName)
	strategy := p.Notes
	if strategy == "" {
		strategy = p.Strategy
	}
	if strategy == "" {
		strategy = "(not provided)"
	}
	fmt.Fprintf(&b, "Strategy: %s\n", strategy)
	fmt.Fprintf(&b, "Branch: %s\n\n", p.Branch)

	objective := strings.TrimSpace(p.Objective)
	if objective == "" {
		objective = strings.TrimSpace(p.Prompt)
	}
	if objective == "" {
		objective = strings.TrimSpace(p.Intent)
	}
	if objective != "" {
		b.WriteString("## Task Objective\n\n")
		b.WriteString(objective)
		b.WriteString("\n\n")
	}

	if len(p.AcceptanceCriteria) > 0 {
		b.WriteString("## Acceptance Criteria\n\n")
		for _, item := range p.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", item)
		}
		b.WriteString("\n")
	}

	var patches []string
	var guidance []string
	for _, sc := range steering {
		if c := strings.TrimSpace(sc.Comment); c != "" {
			author := sc.Author
			if author == "" {
				author = "operator"
			}
			stamp := sc.CreatedAt.UTC().Format(time.RFC3339)
			guidance = append(guidance, fmt.Sprintf("- [%s] %s: %s", stamp, author, c))
		}
		if patch := strings.TrimSpace(sc.PromptPatch); patch != "" {
			patches = append(patches, patch)
		}
	}
	if len(guidance) > 0 {
		b.WriteString("## Operator guidance\n\n")
		for _, line := range guidance {
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Requirements\n\n")
	b.WriteString("- Implement this world strategy in the current worktree.\n")
	b.WriteString("- Keep changes scoped to this intent.\n")
	b.WriteString("- After edits, run relevant tests or checks for this repo.\n")
	b.WriteString("- Summarize what changed, tradeoffs, and residual risks.\n")

	b.WriteString("\n## Output\n\n")
	b.WriteString("- List exact files changed.\n")
	b.WriteString("- Include commands executed and their outcomes.\n")
	b.WriteString("- If blocked, state what is missing and stop.\n")

	for _, patch := range patches {
		b.WriteString("\n")
		b.WriteString(patch)
		b.WriteString("\n")
	}
	return b.String()
}
