package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// StatusCounts tallies tasks per status for the progress display.
type StatusCounts struct {
	Total   int
	Pending int
	Running int
	Blocked int
	Paused  int
	Done    int
	Failed  int
	Stopped int
}

// ProgressPaneModel renders the run header: id, status, per-status
// counts, and a progress bar.
type ProgressPaneModel struct {
	runID     string
	runStatus string
	counts    StatusCounts
	width     int
	height    int
	focused   bool
}

// NewProgressPaneModel creates a new progress pane.
func NewProgressPaneModel(runID string) ProgressPaneModel {
	return ProgressPaneModel{runID: runID, runStatus: "pending"}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	if size, ok := msg.(tea.WindowSizeMsg); ok {
		m.width = size.Width
		m.height = size.Height
	}
	return m, nil
}

// SetCounts replaces the per-status tallies.
func (m *ProgressPaneModel) SetCounts(c StatusCounts) {
	m.counts = c
}

// SetRunStatus updates the displayed run status.
func (m *ProgressPaneModel) SetRunStatus(status string) {
	m.runStatus = status
}

// SetRunID updates the displayed run id.
func (m *ProgressPaneModel) SetRunID(runID string) {
	m.runID = runID
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Run " + m.runID)
	b.WriteString(title)
	b.WriteString("  ")
	b.WriteString(runStatusStyle(m.runStatus).Render(m.runStatus))
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", minInt(m.width-4, lipgloss.Width(title))))
	b.WriteString("\n\n")

	c := m.counts
	b.WriteString(fmt.Sprintf("done %s  running %s  failed %s  pending %s",
		StyleStatusDone.Render(fmt.Sprintf("%d", c.Done)),
		StyleStatusRunning.Render(fmt.Sprintf("%d", c.Running)),
		StyleStatusFailed.Render(fmt.Sprintf("%d", c.Failed)),
		StyleStatusPending.Render(fmt.Sprintf("%d", c.Pending))))
	if c.Blocked > 0 || c.Paused > 0 || c.Stopped > 0 {
		b.WriteString(fmt.Sprintf("  blocked %s  paused %s  stopped %s",
			StyleStatusBlocked.Render(fmt.Sprintf("%d", c.Blocked)),
			StyleStatusPaused.Render(fmt.Sprintf("%d", c.Paused)),
			StyleStatusStopped.Render(fmt.Sprintf("%d", c.Stopped))))
	}
	b.WriteString("\n\n")

	if c.Total > 0 {
		settled := c.Done + c.Failed + c.Stopped
		barWidth := minInt(m.width-14, 60)
		if barWidth < 10 {
			barWidth = 10
		}
		doneWidth := (c.Done * barWidth) / c.Total
		failedWidth := ((c.Failed + c.Stopped) * barWidth) / c.Total
		runningWidth := (c.Running * barWidth) / c.Total
		restWidth := barWidth - doneWidth - failedWidth - runningWidth

		bar := StyleStatusDone.Render(strings.Repeat("=", maxInt(0, doneWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", maxInt(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", maxInt(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", maxInt(0, restWidth)))

		b.WriteString(fmt.Sprintf("[%s]  %d/%d", bar, settled, c.Total))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func runStatusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return StyleStatusDone
	case "failed", "cancelled":
		return StyleStatusFailed
	case "paused":
		return StyleStatusPaused
	case "running":
		return StyleStatusRunning
	default:
		return StyleStatusPending
	}
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
