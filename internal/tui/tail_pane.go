package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/stray/manyworlds/internal/events"
)

// maxTailLines bounds the tail buffer; the oldest half is dropped when
// the cap is hit so long runs do not grow without bound.
const maxTailLines = 2000

// TailPaneModel is the scrolling event tail at the bottom of the
// console.
type TailPaneModel struct {
	viewport viewport.Model
	lines    []string
	width    int
	height   int
	focused  bool
}

// NewTailPaneModel creates a new event tail pane.
func NewTailPaneModel() TailPaneModel {
	return TailPaneModel{viewport: viewport.New(0, 0)}
}

// Update handles messages for the tail pane.
func (m TailPaneModel) Update(msg tea.Msg) (TailPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}
	}

	return m, cmd
}

// Append adds one event to the tail and scrolls to the bottom.
func (m *TailPaneModel) Append(e events.Event) {
	m.AppendLine(FormatEventLine(e))
}

// AppendLine adds a raw line to the tail.
func (m *TailPaneModel) AppendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxTailLines {
		m.lines = m.lines[len(m.lines)-maxTailLines/2:]
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

// FormatEventLine renders one event as a tail line.
func FormatEventLine(e events.Event) string {
	ts := StyleEventTime.Render(e.CreatedAt.Local().Format("15:04:05"))
	subject := e.TaskID
	if subject == "" {
		subject = "run"
	}

	fields := decodePayload(e.Payload)
	var detail string
	switch e.Type {
	case events.EventRunStarted:
		detail = fmt.Sprintf("started: %d tasks, %d workers, retry limit %d",
			payloadInt(fields, "task_count"), payloadInt(fields, "max_parallel_agents"), payloadInt(fields, "retry_limit"))
	case events.EventRunFinished:
		detail = fmt.Sprintf("finished: %s", payloadStr(fields, "status"))
		if errMsg := payloadStr(fields, "error"); errMsg != "" {
			detail += " (" + errMsg + ")"
		}
	case events.EventTaskStarted:
		detail = fmt.Sprintf("started attempt %d/%d",
			payloadInt(fields, "attempt"), payloadInt(fields, "max_attempts"))
	case events.EventTaskFinished:
		detail = fmt.Sprintf("finished: %s", payloadStr(fields, "task_status"))
		if errMsg := payloadStr(fields, "error"); errMsg != "" {
			detail += " (" + errMsg + ")"
		}
	case events.EventTaskControl:
		detail = fmt.Sprintf("control %s -> %s",
			payloadStr(fields, "action"), payloadStr(fields, "status"))
	case events.EventSteeringAdded:
		detail = fmt.Sprintf("steering from %s", payloadStr(fields, "author"))
		if comment := payloadStr(fields, "comment"); comment != "" {
			detail += ": " + truncateLine(comment, 60)
		}
	case events.EventBranchpointCreated:
		detail = fmt.Sprintf("branchpoint %s: %s",
			payloadStr(fields, "branchpoint_id"), truncateLine(payloadStr(fields, "intent"), 50))
	case events.EventWorldProvisioned:
		detail = fmt.Sprintf("world %s on %s",
			payloadStr(fields, "world_id"), payloadStr(fields, "branch"))
	case events.EventTaskOutput:
		detail = payloadStr(fields, "line")
	default:
		detail = string(e.Type)
	}

	return fmt.Sprintf("%s %-14s %s", ts, truncateLine(subject, 14), detail)
}

func decodePayload(payload json.RawMessage) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil
	}
	return fields
}

func payloadStr(fields map[string]any, key string) string {
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}

func payloadInt(fields map[string]any, key string) int {
	if f, ok := fields[key].(float64); ok {
		return int(f)
	}
	return 0
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// View renders the tail pane.
func (m TailPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	title := StyleTitle.Render("Events")
	content := title + "\n" + m.viewport.View()

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m *TailPaneModel) resizeViewport() {
	w := m.width - 4
	h := m.height - 4 // borders plus title line
	if w < 10 {
		w = 10
	}
	if h < 3 {
		h = 3
	}
	m.viewport.Width = w
	m.viewport.Height = h
}

// SetSize updates the pane dimensions.
func (m *TailPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TailPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
