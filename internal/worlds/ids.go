package worlds

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const slugMaxLen = 18

var nonSlugChars = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Slugify collapses a name into a branch-safe slug. Empty input slugs
// to "world" so id construction never produces trailing dashes.
func Slugify(name string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "world"
	}
	return slug
}

// NewBranchpointID builds a branchpoint id from the creation time and
// the intent slug, suffixing -2, -3, ... until exists reports a free
// id. The timestamp keeps ids sortable; the slug keeps them readable.
func NewBranchpointID(intent string, now time.Time, exists func(id string) bool) string {
	slug := Slugify(intent)
	if len(slug) > slugMaxLen {
		slug = strings.Trim(slug[:slugMaxLen], "-")
	}
	base := fmt.Sprintf("bp-%s-%s", now.UTC().Format("20060102-150405"), slug)
	candidate := base
	for i := 2; exists != nil && exists(candidate); i++ {
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
	return candidate
}

// WorldID names a world within its branchpoint.
func WorldID(branchpointID string, index int, slug string) string {
	return fmt.Sprintf("%s-%02d-%s", branchpointID, index, slug)
}

// WorldBranch names the git branch for a world.
func WorldBranch(prefix, branchpointID string, index int, slug string) string {
	return fmt.Sprintf("%s/%s/%02d-%s", prefix, branchpointID, index, slug)
}

// WorldWorktree is the worktree path for a world under the worlds root.
func WorldWorktree(worldsRoot, branchpointID string, index int, slug string) string {
	return filepath.Join(worldsRoot, branchpointID, fmt.Sprintf("%02d-%s", index, slug))
}
