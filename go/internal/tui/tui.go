// Package tui provides a Bubble Tea view of a live meeting meter.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mcdev12/meetingmeter/go/internal/meter"
	"github.com/mcdev12/meetingmeter/go/internal/models"
)

// ── Styles ────────────

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 2)

	costStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	runningStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("82"))

	stoppedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33")).
			Bold(true)

	selectedRowStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("15")).
				Background(lipgloss.Color("237"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("245")).
			Padding(0, 1)
)

// ── Keys ────────────

type keyMap struct {
	Toggle key.Binding
	Add    key.Binding
	Remove key.Binding
	Reset  key.Binding
	Up     key.Binding
	Down   key.Binding
	Quit   key.Binding
	Submit key.Binding
	Cancel key.Binding
}

var keys = keyMap{
	Toggle: key.NewBinding(key.WithKeys("s", " "), key.WithHelp("s", "start/stop")),
	Add:    key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "add")),
	Remove: key.NewBinding(key.WithKeys("d", "x"), key.WithHelp("d", "remove")),
	Reset:  key.NewBinding(key.WithKeys("R"), key.WithHelp("R", "reset")),
	Up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Submit: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "add")),
	Cancel: key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel")),
}

func (k keyMap) hints(adding bool) string {
	bindings := []key.Binding{k.Toggle, k.Add, k.Remove, k.Reset, k.Up, k.Down, k.Quit}
	if adding {
		bindings = []key.Binding{k.Submit, k.Cancel}
	}
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, " · ")
}

// ── Controller ────────────

// Controller is the part of a meter the view drives.
type Controller interface {
	Readings() (<-chan meter.Reading, func())
	AddParticipant(ctx context.Context, name, role string) (models.Participant, error)
	RemoveParticipant(ctx context.Context, id string) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
}

type readingMsg meter.Reading

type readingsClosedMsg struct{}

type commandDoneMsg struct {
	op  string
	err error
}

// ── Model ────────────────────

// Model is the root Bubble Tea model for the meter view.
type Model struct {
	ctrl     Controller
	readings <-chan meter.Reading
	stop     func()
	roles    []string
	timeout  time.Duration

	reading meter.Reading
	cursor  int
	adding  bool
	input   textinput.Model
	status  string
	lastErr error
	width   int
}

// New creates a model for ctrl. roles is shown as a hint when adding.
func New(ctrl Controller, roles []string) Model {
	readings, stop := ctrl.Readings()

	in := textinput.New()
	in.Placeholder = "name role"
	in.CharLimit = 80
	in.Prompt = "add › "

	sorted := append([]string(nil), roles...)
	sort.Strings(sorted)

	return Model{
		ctrl:     ctrl,
		readings: readings,
		stop:     stop,
		roles:    sorted,
		timeout:  10 * time.Second,
		input:    in,
	}
}

func waitForReading(ch <-chan meter.Reading) tea.Cmd {
	return func() tea.Msg {
		r, ok := <-ch
		if !ok {
			return readingsClosedMsg{}
		}
		return readingMsg(r)
	}
}

func (m Model) run(op string, fn func(ctx context.Context) error) tea.Cmd {
	timeout := m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return commandDoneMsg{op: op, err: fn(ctx)}
	}
}

// ── Bubble Tea interface ───────────────

func (m Model) Init() tea.Cmd {
	return waitForReading(m.readings)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case readingMsg:
		m.reading = meter.Reading(msg)
		if n := len(m.reading.Participants); m.cursor >= n {
			m.cursor = max(n-1, 0)
		}
		return m, waitForReading(m.readings)

	case readingsClosedMsg:
		m.status = "meter closed"
		return m, nil

	case commandDoneMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.status = msg.op + " ok"
		} else {
			m.status = ""
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if m.adding {
			return m.updateAdding(msg)
		}
		return m.updateBrowsing(msg)
	}
	return m, nil
}

func (m Model) updateAdding(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Cancel):
		m.adding = false
		m.input.Blur()
		m.input.SetValue("")
		return m, nil

	case key.Matches(msg, keys.Submit):
		name, role := splitNameRole(m.input.Value())
		m.adding = false
		m.input.Blur()
		m.input.SetValue("")
		return m, m.run("add", func(ctx context.Context) error {
			_, err := m.ctrl.AddParticipant(ctx, name, role)
			return err
		})
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) updateBrowsing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		m.stop()
		return m, tea.Quit

	case key.Matches(msg, keys.Toggle):
		if m.reading.IsRunning {
			return m, m.run("stop", m.ctrl.Stop)
		}
		return m, m.run("start", m.ctrl.Start)

	case key.Matches(msg, keys.Add):
		m.adding = true
		m.lastErr = nil
		return m, m.input.Focus()

	case key.Matches(msg, keys.Remove):
		if len(m.reading.Participants) == 0 {
			return m, nil
		}
		id := m.reading.Participants[m.cursor].ID
		return m, m.run("remove", func(ctx context.Context) error {
			return m.ctrl.RemoveParticipant(ctx, id)
		})

	case key.Matches(msg, keys.Reset):
		return m, m.run("reset", m.ctrl.Reset)

	case key.Matches(msg, keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(msg, keys.Down):
		if m.cursor < len(m.reading.Participants)-1 {
			m.cursor++
		}
	}
	return m, nil
}

// splitNameRole treats the last word as the role so names may contain spaces.
func splitNameRole(s string) (name, role string) {
	s = strings.TrimSpace(s)
	i := strings.LastIndexByte(s, ' ')
	if i < 0 {
		return s, ""
	}
	return strings.TrimSpace(s[:i]), s[i+1:]
}

func (m Model) View() string {
	var b strings.Builder
	r := m.reading

	b.WriteString(titleStyle.Render("meeting meter · " + r.SessionID))
	b.WriteString("\n\n")

	state := stoppedStyle.Render(string(models.TimerStatusStopped))
	if r.IsRunning {
		state = runningStyle.Render(string(models.TimerStatusRunning))
	}
	fmt.Fprintf(&b, "  %s  %s   %s %s\n\n",
		state,
		labelStyle.Render("elapsed"),
		FormatElapsed(r.ElapsedSeconds),
		costStyle.Render(FormatCost(r.TotalCost)))

	if len(r.Participants) == 0 {
		b.WriteString(dimStyle.Render("  no participants, press a to add one"))
		b.WriteString("\n")
	}
	for i, p := range r.Participants {
		line := fmt.Sprintf("  %-24s %-12s %8.2f/h %10s", p.Name, p.Role, p.Rate, FormatCost(r.PerParticipantCost[p.ID]))
		if i == m.cursor {
			line = selectedRowStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if m.adding {
		b.WriteString("  " + m.input.View() + "\n")
		b.WriteString(dimStyle.Render("  roles: "+strings.Join(m.roles, ", ")) + "\n")
	}

	switch {
	case r.Err != nil:
		b.WriteString(errorStyle.Render("  ✗ " + r.Err.Error()))
		b.WriteString("\n")
	case m.lastErr != nil:
		b.WriteString(errorStyle.Render("  ✗ " + m.lastErr.Error()))
		b.WriteString("\n")
	case m.status != "":
		b.WriteString(dimStyle.Render("  " + m.status))
		b.WriteString("\n")
	}

	b.WriteString(statusBarStyle.Render(keys.hints(m.adding)))
	return b.String()
}

// FormatElapsed renders seconds as H:MM:SS.
func FormatElapsed(seconds float64) string {
	total := int64(seconds)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

// FormatCost renders a monetary amount with two decimals.
func FormatCost(cost float64) string {
	return fmt.Sprintf("$%.2f", cost)
}

// Run starts the TUI and blocks until the user quits.
func Run(ctrl Controller, roles []string) error {
	p := tea.NewProgram(New(ctrl, roles), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
