// Package tui is the terminal status console for a running agent.
package tui

import (
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tinytelemetry/tracepush/internal/model"
)

// Client is the agent connection the console polls and controls.
type Client interface {
	State() (model.AgentState, error)
	Control(event string, data []byte) (model.ControlReply, error)
}

// TickMsg triggers a state poll.
type TickMsg time.Time

type stateMsg struct {
	state model.AgentState
	err   error
}

type replyMsg struct {
	reply model.ControlReply
	err   error
}

// Model is the Bubble Tea model of the console.
type Model struct {
	client   Client
	interval time.Duration
	keys     KeyMap
	help     help.Model
	sinks    table.Model

	state     model.AgentState
	hasState  bool
	lastError string
	message   string
	pending   string

	width  int
	height int
}

// NewModel returns a console polling client every interval.
func NewModel(client Client, interval time.Duration) *Model {
	if interval <= 0 {
		interval = model.DefaultUpdateInterval
	}
	t := table.New(
		table.WithColumns(sinkColumns(80)),
		table.WithFocused(true),
		table.WithHeight(6),
	)
	t.SetStyles(tableStyles())
	return &Model{
		client:   client,
		interval: interval,
		keys:     DefaultKeyMap(),
		help:     help.New(),
		sinks:    t,
		width:    80,
		height:   24,
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetchState(), m.tick())
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m *Model) fetchState() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		st, err := client.State()
		return stateMsg{state: st, err: err}
	}
}

func (m *Model) sendControl(event string) tea.Cmd {
	m.pending = event
	m.message = event + "..."
	client := m.client
	return func() tea.Msg {
		r, err := client.Control(event, nil)
		return replyMsg{reply: r, err: err}
	}
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.sinks.SetColumns(sinkColumns(msg.Width))
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case TickMsg:
		return m, tea.Batch(m.fetchState(), m.tick())

	case stateMsg:
		if msg.err != nil {
			m.lastError = msg.err.Error()
			return m, nil
		}
		m.lastError = ""
		m.state = msg.state
		m.hasState = true
		m.sinks.SetRows(sinkRows(msg.state))
		return m, nil

	case replyMsg:
		m.pending = ""
		switch {
		case msg.err != nil:
			m.message = msg.err.Error()
		case !msg.reply.OK:
			m.message = msg.reply.Event + " rejected: " + msg.reply.Error
		default:
			m.message = msg.reply.Event + ": " + msg.reply.Message
		}
		return m, m.fetchState()
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit), key.Matches(msg, m.keys.ForceQuit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	case key.Matches(msg, m.keys.Refresh):
		return m, m.fetchState()
	case key.Matches(msg, m.keys.Start):
		if m.pending != "" {
			return m, nil
		}
		return m, m.sendControl(model.EventStart)
	case key.Matches(msg, m.keys.Stop):
		if m.pending != "" {
			return m, nil
		}
		return m, m.sendControl(model.EventStop)
	}
	var cmd tea.Cmd
	m.sinks, cmd = m.sinks.Update(msg)
	return m, cmd
}

// sinkNames returns the sink names in display order.
func sinkNames(st model.AgentState) []string {
	names := make([]string, 0, len(st.Sinks))
	for name := range st.Sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
