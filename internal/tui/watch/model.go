package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/shunter/internal/apiclient"
	"github.com/mattjoyce/shunter/internal/events"
	"github.com/mattjoyce/shunter/internal/motion"
)

const (
	eventLogSize    = 50
	commandRowLimit = 20
	statusInterval  = 2 * time.Second
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	client *apiclient.Client

	width  int
	height int

	rig      RigState
	eventLog []events.Event
	commands table.Model

	beat      Heartbeat
	meter     DetectionMeter
	lastEvent time.Time
	theme     Theme

	hubEvents chan events.Event

	lastAction string
	lastError  string
}

// New creates a new watch TUI model.
func New(apiURL, token string) *Model {
	theme := NewDefaultTheme()
	return &Model{
		client:    apiclient.New(apiURL, token),
		eventLog:  make([]events.Event, 0, eventLogSize),
		commands:  newCommandTable(theme),
		hubEvents: make(chan events.Event, 100),
		beat:      NewHeartbeat(),
		meter:     NewDetectionMeter(),
		theme:     theme,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, "", m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchStatus(m.client) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "s", " ":
			m.lastAction = "stop requested"
			return m, sendCommand(m.client, "stop")
		case "r":
			if m.rig.State != motion.StateFault {
				m.lastAction = "reset only applies in FAULT"
				return m, nil
			}
			m.lastAction = "reset requested"
			return m, sendCommand(m.client, "reset")
		}
		var cmd tea.Cmd
		m.commands, cmd = m.commands.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.beat.Beat()
		m.meter.Expire()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.lastEvent = e.At
		if e.Type == events.TypeDetection {
			var d struct {
				Relevant bool `json:"relevant"`
			}
			_ = json.Unmarshal(e.Data, &d)
			m.meter.Observe(e.At, d.Relevant)
		}
		m.rig.Connected = true
		m.lastError = ""

		m.rig.apply(e)
		if e.Type == events.TypeCommandDispatched || e.Type == events.TypeCommandFailed {
			m.addCommandRow(e)
		}
		return m, receiveNextEvent(m.hubEvents)

	case statusMsg:
		m.rig.fromStatus(msg)
		m.rig.Connected = true
		m.rig.LastCheck = time.Now()
		m.lastError = ""
		return m, tea.Tick(statusInterval, func(time.Time) tea.Msg { return fetchStatus(m.client) })

	case commandMsg:
		if msg.err != nil {
			m.lastError = fmt.Sprintf("%s failed: %v", msg.action, msg.err)
			return m, nil
		}
		m.lastAction = fmt.Sprintf("%s ok (%s)", msg.action, msg.resp.State)
		return m, nil

	case sseDisconnectedMsg:
		m.rig.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The receiveNextEvent waiting on hubEvents carries over to the new stream.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{lastID: msg.lastID}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.client, msg.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return fetchStatus(m.client) })
	}

	return m, nil
}

func (m *Model) addCommandRow(e events.Event) {
	var c struct {
		Seq    uint64 `json:"seq"`
		Wire   string `json:"wire"`
		Origin string `json:"origin"`
		State  string `json:"state"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(e.Data, &c); err != nil {
		return
	}
	result := m.theme.StatusOK.Render("ok")
	if e.Type == events.TypeCommandFailed {
		result = m.theme.StatusFailed.Render("failed")
	}
	row := table.Row{
		e.At.Local().Format("15:04:05"),
		fmt.Sprint(c.Seq),
		c.Wire,
		c.Origin,
		result,
	}
	rows := append([]table.Row{row}, m.commands.Rows()...)
	if len(rows) > commandRowLimit {
		rows = rows[:commandRowLimit]
	}
	m.commands.SetRows(rows)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to shunter..."
	}

	header := renderHeader(m.rig, m.beat, m.meter, m.lastEvent, m.theme, m.width)
	commands := renderCommands(m.commands, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, commands, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	} else if m.lastAction != "" {
		parts = append(parts, m.theme.Dim.Render(" "+m.lastAction))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [s/space] STOP • [r] Reset fault • [↑/↓] Scroll commands")
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
