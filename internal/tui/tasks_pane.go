package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/stray/manyworlds/internal/scheduler"
)

// taskRow is the table's view of one task.
type taskRow struct {
	ID          string
	Title       string
	Priority    int
	Status      scheduler.TaskStatus
	Attempts    int
	MaxAttempts int
}

// TasksPaneModel renders the task table and tracks the selection the
// control keys act on.
type TasksPaneModel struct {
	rows        map[string]*taskRow
	rowOrder    []string // insertion order for display
	selectedIdx int
	width       int
	height      int
	focused     bool
}

// NewTasksPaneModel creates a new task table pane.
func NewTasksPaneModel() TasksPaneModel {
	return TasksPaneModel{
		rows: make(map[string]*taskRow),
	}
}

// Update handles messages for the task pane.
func (m TasksPaneModel) Update(msg tea.Msg) (TasksPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.rowOrder)-1 {
				m.selectedIdx++
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
		}
	}

	return m, nil
}

// Upsert adds or updates a row, keeping first-seen display order.
func (m *TasksPaneModel) Upsert(row taskRow) {
	if existing, ok := m.rows[row.ID]; ok {
		*existing = row
		return
	}
	cp := row
	m.rows[row.ID] = &cp
	m.rowOrder = append(m.rowOrder, row.ID)
}

// SetStatus updates just the status of a known task.
func (m *TasksPaneModel) SetStatus(taskID string, status scheduler.TaskStatus) {
	if row, ok := m.rows[taskID]; ok {
		row.Status = status
	}
}

// SetAttempt updates the attempt counters of a known task.
func (m *TasksPaneModel) SetAttempt(taskID string, attempt, maxAttempts int) {
	row, ok := m.rows[taskID]
	if !ok {
		return
	}
	row.Attempts = attempt
	if maxAttempts > 0 {
		row.MaxAttempts = maxAttempts
	}
}

// SelectedTaskID returns the task the cursor is on, or "".
func (m TasksPaneModel) SelectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.rowOrder) {
		return m.rowOrder[m.selectedIdx]
	}
	return ""
}

// Counts tallies rows per status for the progress pane.
func (m TasksPaneModel) Counts() StatusCounts {
	var c StatusCounts
	for _, id := range m.rowOrder {
		c.Total++
		switch m.rows[id].Status {
		case scheduler.TaskRunning:
			c.Running++
		case scheduler.TaskDone:
			c.Done++
		case scheduler.TaskFailed:
			c.Failed++
		case scheduler.TaskPaused:
			c.Paused++
		case scheduler.TaskBlocked:
			c.Blocked++
		case scheduler.TaskStopped:
			c.Stopped++
		default:
			c.Pending++
		}
	}
	return c
}

// View renders the task table.
func (m TasksPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", minInt(m.width-4, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.rowOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting for tasks..."))
	} else {
		visible := m.height - 7 // title, rule, blank, borders
		if visible < 1 {
			visible = 1
		}
		start := 0
		if m.selectedIdx >= visible {
			start = m.selectedIdx - visible + 1
		}
		for i := start; i < len(m.rowOrder) && i < start+visible; i++ {
			row := m.rows[m.rowOrder[i]]
			line := m.renderRow(row)
			if i == m.selectedIdx {
				line = StyleSelectedRow.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
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

func (m TasksPaneModel) renderRow(row *taskRow) string {
	icon := StatusIcon(row.Status)

	label := row.Title
	if label == "" {
		label = row.ID
	}
	maxLabel := m.width - 22 // icon, attempts, priority, padding
	if maxLabel < 8 {
		maxLabel = 8
	}
	if len(label) > maxLabel {
		label = label[:maxLabel-3] + "..."
	}

	attempts := fmt.Sprintf("%d/%d", row.Attempts, row.MaxAttempts)
	return fmt.Sprintf("%s %-*s %5s  p%d", icon, maxLabel, label, attempts, row.Priority)
}

// StatusIcon returns a styled one-character status indicator.
func StatusIcon(status scheduler.TaskStatus) string {
	switch status {
	case scheduler.TaskRunning:
		return StyleStatusRunning.Render("●")
	case scheduler.TaskDone:
		return StyleStatusDone.Render("✓")
	case scheduler.TaskFailed:
		return StyleStatusFailed.Render("✗")
	case scheduler.TaskPaused:
		return StyleStatusPaused.Render("‖")
	case scheduler.TaskBlocked:
		return StyleStatusBlocked.Render("◌")
	case scheduler.TaskStopped:
		return StyleStatusStopped.Render("■")
	default:
		return StyleStatusPending.Render("○")
	}
}

// SetSize updates the pane dimensions.
func (m *TasksPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *TasksPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
