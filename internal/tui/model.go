package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/inputd/internal/dispatch"
	"github.com/mattjoyce/inputd/internal/events"
)

const (
	maxEvents    = 50
	pollInterval = time.Second
)

type health struct {
	Status        string
	UptimeSeconds int64
	Connected     bool
}

// Model is the BubbleTea model for the monitor.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	health   health
	snapshot dispatch.Snapshot
	eventLog []events.Event
	lastID   int64

	theme     Theme
	table     table.Model
	hubEvents chan events.Event
	lastError string
}

// NewMonitor creates the monitor for the API at apiURL.
func NewMonitor(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Channel", Width: 20},
			{Title: "Status", Width: 15},
			{Title: "Queue", Width: 6},
			{Title: "Last dispatch", Width: 14},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
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
		apiURL:    apiURL,
		apiKey:    apiKey,
		theme:     NewDefaultTheme(),
		table:     t,
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		func() tea.Msg { return fetchSnapshot(m.apiURL, m.apiKey) },
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(max(m.width-6, 20))

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEvents {
			m.eventLog = m.eventLog[:maxEvents]
		}
		if e.ID > m.lastID {
			m.lastID = e.ID
		}
		m.health.Connected = true
		m.lastError = ""

		// Connection lifecycle changes show up in the next snapshot.
		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		if strings.HasPrefix(e.Type, "connection.") {
			cmds = append(cmds, func() tea.Msg { return fetchSnapshot(m.apiURL, m.apiKey) })
		}
		return m, tea.Batch(cmds...)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Connected = true
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case snapshotMsg:
		m.snapshot = dispatch.Snapshot(msg)
		m.table.SetRows(m.connectionRows())
		return m, tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })

	case tickMsg:
		return m, func() tea.Msg { return fetchSnapshot(m.apiURL, m.apiKey) }

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) connectionRows() []table.Row {
	rows := make([]table.Row, 0, len(m.snapshot.Connections))
	for _, c := range m.snapshot.Connections {
		last := "-"
		if !c.LastDispatchTime.IsZero() {
			last = c.LastDispatchTime.Local().Format("15:04:05.000")
		}
		rows = append(rows, table.Row{
			m.theme.statusStyle(c.Status).Render("●"),
			c.Name,
			c.Status,
			fmt.Sprint(c.OutboundDepth),
			last,
		})
	}
	return rows
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	inner := m.width - 4
	connections := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Connections"),
			m.table.View(),
		),
	)
	stream := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	parts := []string{m.renderHeader(), connections, stream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Scroll connections"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader() string {
	status := m.theme.StatusOK.Render("RUNNING")
	switch {
	case !m.health.Connected:
		status = m.theme.StatusZombie.Render("OFFLINE")
	case m.health.Status != "ok" && m.health.Status != "":
		status = m.theme.StatusFailed.Render("DEGRADED")
	}

	items := []string{
		"Status: " + status,
		"Uptime: " + (time.Duration(m.health.UptimeSeconds) * time.Second).String(),
		fmt.Sprintf("Inbound: %d", m.snapshot.InboundDepth),
		fmt.Sprintf("Sync holds: %d", m.snapshot.PendingSync),
	}
	inner := m.width - 4
	cells := make([]string, len(items))
	for i, it := range items {
		cells[i] = lipgloss.NewStyle().Width(inner / len(items)).Render(it)
	}
	return m.theme.Border.Width(inner).Render(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, fmt.Sprintf("%s | %-24s | %-12s | %s",
			e.At.Local().Format("15:04:05"), e.Type, e.Channel, string(e.Data)))
	}
	if len(lines) == 0 {
		return m.theme.Dim.Render("  No events yet...")
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}
