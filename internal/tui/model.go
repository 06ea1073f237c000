package tui

import (
	"context"
	"fmt"
	"sort"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/stray/manyworlds/internal/events"
	"github.com/stray/manyworlds/internal/graph"
	"github.com/stray/manyworlds/internal/runtime"
	"github.com/stray/manyworlds/internal/scheduler"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneTail
)

// Options seed the console. Graph and Run are optional pre-population;
// a nil Controller makes the console read-only (no pause/resume/stop).
type Options struct {
	RunID      string
	Graph      *graph.Graph
	Run        *scheduler.RunState
	Controller *runtime.Controller
	Events     <-chan events.Event
}

// Model is the root Bubble Tea model for the watch console.
type Model struct {
	tasksPane    TasksPaneModel
	progressPane ProgressPaneModel
	tailPane     TailPaneModel
	focusedPane  PaneID
	controller   *runtime.Controller
	eventSub     <-chan events.Event
	width        int
	height       int
	quitting     bool
	finalStatus  string
}

// actionResultMsg reports the outcome of a control key press.
type actionResultMsg struct {
	taskID string
	action runtime.Action
	result *runtime.ActionResult
	err    error
}

// streamClosedMsg signals that the event channel has been closed.
type streamClosedMsg struct{}

// New creates the console model, pre-seeding the task table from the
// graph (declared order) and the run state when given.
func New(opts Options) Model {
	m := Model{
		tasksPane:    NewTasksPaneModel(),
		progressPane: NewProgressPaneModel(opts.RunID),
		tailPane:     NewTailPaneModel(),
		focusedPane:  PaneTasks,
		controller:   opts.Controller,
		eventSub:     opts.Events,
	}

	if opts.Graph != nil {
		for _, task := range opts.Graph.Tasks {
			m.tasksPane.Upsert(taskRow{
				ID:          task.ID,
				Title:       task.Title,
				Priority:    task.Priority,
				Status:      scheduler.TaskPending,
				MaxAttempts: task.Budget.MaxAttempts,
			})
		}
	}
	if opts.Run != nil {
		m.progressPane.SetRunID(opts.Run.ID)
		m.progressPane.SetRunStatus(string(opts.Run.Status))
		ids := make([]string, 0, len(opts.Run.Tasks))
		for id := range opts.Run.Tasks {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			ts := opts.Run.Tasks[id]
			row := taskRow{
				ID:          id,
				Status:      ts.Status,
				Attempts:    ts.Attempts,
				MaxAttempts: ts.MaxAttempts,
			}
			if opts.Graph != nil {
				if task, ok := opts.Graph.TaskByID(id); ok {
					row.Title = task.Title
					row.Priority = task.Priority
				}
			}
			m.tasksPane.Upsert(row)
		}
	}
	m.progressPane.SetCounts(m.tasksPane.Counts())
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	if sub == nil {
		return nil
	}
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return streamClosedMsg{}
		}
		return event
	}
}

// applyAction returns a command that drives the selected task through
// the controller.
func applyAction(controller *runtime.Controller, taskID string, action runtime.Action) tea.Cmd {
	return func() tea.Msg {
		result, err := controller.ApplyTaskAction(context.Background(), taskID, action)
		return actionResultMsg{taskID: taskID, action: action, result: result, err: err}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			if m.focusedPane == PaneTasks {
				m.focusedPane = PaneTail
			} else {
				m.focusedPane = PaneTasks
			}
			m.updateFocusStates()

		case KeyPause, KeyResume, KeyStop:
			if m.controller == nil {
				m.tailPane.AppendLine(StyleHelp.Render("controls are not available in this view"))
				break
			}
			taskID := m.tasksPane.SelectedTaskID()
			if taskID == "" {
				break
			}
			action := runtime.ActionPause
			switch msg.String() {
			case KeyResume:
				action = runtime.ActionResume
			case KeyStop:
				action = runtime.ActionStop
			}
			cmds = append(cmds, applyAction(m.controller, taskID, action))

		default:
			switch m.focusedPane {
			case PaneTasks:
				var cmd tea.Cmd
				m.tasksPane, cmd = m.tasksPane.Update(msg)
				cmds = append(cmds, cmd)
			case PaneTail:
				var cmd tea.Cmd
				m.tailPane, cmd = m.tailPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.Event:
		m.applyEvent(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case actionResultMsg:
		if msg.err != nil {
			m.tailPane.AppendLine(StyleStatusFailed.Render(
				fmt.Sprintf("%s %s failed: %v", msg.action, msg.taskID, msg.err)))
		} else if msg.result != nil && msg.result.Control != nil {
			applied := "queued"
			if msg.result.AppliedToActive {
				applied = "applied to live process"
			}
			m.tailPane.AppendLine(fmt.Sprintf("%s %s: %s (%s)",
				msg.action, msg.taskID, msg.result.Control.Status, applied))
		}

	case streamClosedMsg:
		m.tailPane.AppendLine(StyleHelp.Render("event stream ended"))
		m.eventSub = nil
	}

	return m, tea.Batch(cmds...)
}

// applyEvent folds one event into the panes.
func (m *Model) applyEvent(e events.Event) {
	fields := decodePayload(e.Payload)

	switch e.Type {
	case events.EventRunStarted:
		if e.RunID != "" {
			m.progressPane.SetRunID(e.RunID)
		}
		m.progressPane.SetRunStatus("running")

	case events.EventRunFinished:
		m.finalStatus = payloadStr(fields, "status")
		m.progressPane.SetRunStatus(m.finalStatus)

	case events.EventTaskStarted:
		m.tasksPane.Upsert(taskRow{
			ID:          e.TaskID,
			Title:       m.titleFor(e.TaskID),
			Priority:    payloadInt(fields, "priority"),
			Status:      scheduler.TaskRunning,
			Attempts:    payloadInt(fields, "attempt"),
			MaxAttempts: payloadInt(fields, "max_attempts"),
		})
		m.tasksPane.SetStatus(e.TaskID, scheduler.TaskRunning)
		m.tasksPane.SetAttempt(e.TaskID, payloadInt(fields, "attempt"), payloadInt(fields, "max_attempts"))

	case events.EventTaskFinished:
		if status := payloadStr(fields, "task_status"); status != "" {
			m.tasksPane.SetStatus(e.TaskID, scheduler.TaskStatus(status))
		}
		m.tasksPane.SetAttempt(e.TaskID, payloadInt(fields, "attempt"), 0)

	case events.EventTaskControl:
		switch payloadStr(fields, "status") {
		case "paused":
			m.tasksPane.SetStatus(e.TaskID, scheduler.TaskPaused)
		case "running":
			m.tasksPane.SetStatus(e.TaskID, scheduler.TaskRunning)
		}
	}

	m.tailPane.Append(e)
	m.progressPane.SetCounts(m.tasksPane.Counts())
}

// titleFor keeps a pre-seeded title when a task_started event arrives
// for a known row.
func (m *Model) titleFor(taskID string) string {
	if row, ok := m.tasksPane.rows[taskID]; ok {
		return row.Title
	}
	return ""
}

// View renders the console.
func (m Model) View() string {
	if m.quitting {
		if m.finalStatus != "" {
			return fmt.Sprintf("Run %s.\n", m.finalStatus)
		}
		return "Detached.\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	header := m.progressPane.View()
	left := m.tasksPane.View()
	right := m.tailPane.View()
	body := lipgloss.JoinHorizontal(lipgloss.Top, left, right)
	helpBar := HelpView(m.controller != nil)

	return lipgloss.JoinVertical(lipgloss.Left, header, body, helpBar)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	headerHeight := 8
	availableHeight := m.height - headerHeight - 1 // reserve 1 line for help bar
	if availableHeight < 6 {
		availableHeight = 6
	}
	leftWidth := (m.width * 40) / 100
	rightWidth := m.width - leftWidth

	m.progressPane.SetSize(m.width, headerHeight)
	m.tasksPane.SetSize(leftWidth, availableHeight)
	m.tailPane.SetSize(rightWidth, availableHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.tasksPane.SetFocused(m.focusedPane == PaneTasks)
	m.tailPane.SetFocused(m.focusedPane == PaneTail)
}
