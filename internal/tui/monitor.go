// Package tui is the live process monitor: a terminal view over the
// inspection API showing the process table, run counters, and the lifecycle
// event stream.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/drossel-lang/keel/internal/events"
	"github.com/drossel-lang/keel/internal/proc"
)

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusKilled  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8800"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

type eventMsg events.Event
type healthMsg Health
type processesMsg []proc.Snapshot
type errMsg error
type refreshMsg time.Time

// Model is the bubbletea model for the watch command.
type Model struct {
	client *Client

	width  int
	height int

	health    Health
	snaps     []proc.Snapshot
	eventLog  []events.Event
	hubEvents chan events.Event
	lastError string

	procTable table.Model
}

func NewMonitor(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Handle", Width: 8},
			{Title: "Exe", Width: 28},
			{Title: "PID", Width: 7},
			{Title: "Mode", Width: 9},
			{Title: "Out", Width: 10},
			{Title: "Age", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		client:    NewClient(apiURL, apiKey),
		hubEvents: make(chan events.Event, 100),
		procTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribeToEvents(),
		m.receiveNextEvent(),
		m.fetchHealth,
		m.fetchProcesses,
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.procTable.SetWidth(m.width - 6)

	case eventMsg:
		m.eventLog = append([]events.Event{events.Event(msg)}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}
		m.lastError = ""
		return m, tea.Batch(m.receiveNextEvent(), m.fetchProcesses)

	case processesMsg:
		m.snaps = msg
		m.updateTable()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return refreshMsg(t) })

	case refreshMsg:
		return m, m.fetchProcesses

	case healthMsg:
		m.health = Health(msg)
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return m.fetchHealth() })

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return m.fetchHealth() })
	}

	m.procTable, cmd = m.procTable.Update(msg)
	return m, cmd
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.snaps))
	for _, s := range m.snaps {
		rows = append(rows, table.Row{
			stateSymbol(s.State),
			s.Handle.String(),
			s.Exe,
			fmt.Sprintf("%d", s.PID),
			s.Mode,
			fmt.Sprintf("%d", s.StdoutBytes+s.StderrBytes),
			time.Since(s.Started).Round(time.Second).String(),
		})
	}
	m.procTable.SetRows(rows)
}

func stateSymbol(state string) string {
	switch state {
	case "running":
		return statusRunning.Render("◉")
	case "exited":
		return statusOK.Render("●")
	case "killed":
		return statusKilled.Render("◑")
	case "failed":
		return statusFailed.Render("∅")
	default:
		return "○"
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to keel..."
	}

	header := m.renderHeader()
	processes := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Processes"),
			m.procTable.View(),
		),
	)
	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	parts := []string{header, processes, eventsView}
	if m.lastError != "" {
		parts = append(parts, statusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll Processes"))

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader() string {
	status := statusOK.Render("RUNNING")
	if m.health.Status != "ok" && m.health.Status != "" {
		status = statusFailed.Render("DEGRADED")
	}
	uptime := time.Duration(m.health.UptimeSecs) * time.Second

	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", uptime.String()),
		fmt.Sprintf("Live: %d", m.health.Live),
		fmt.Sprintf("Spawns: %d", m.health.TotalSpawns),
	}
	cell := lipgloss.NewStyle().Width((m.width - 4) / 4)
	return borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinHorizontal(lipgloss.Top,
			cell.Render(items[0]), cell.Render(items[1]),
			cell.Render(items[2]), cell.Render(items[3]),
		),
	)
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		ts := e.At.Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-14s | %s", ts, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func (m Model) subscribeToEvents() tea.Cmd {
	return func() tea.Msg {
		if err := m.client.StreamEvents(m.hubEvents); err != nil {
			return errMsg(err)
		}
		return nil
	}
}

func (m Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-m.hubEvents)
	}
}

func (m Model) fetchHealth() tea.Msg {
	h, err := m.client.FetchHealth()
	if err != nil {
		return errMsg(err)
	}
	return healthMsg(h)
}

func (m Model) fetchProcesses() tea.Msg {
	snaps, err := m.client.FetchProcesses()
	if err != nil {
		return errMsg(err)
	}
	return processesMsg(snaps)
}
