package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/NikosSpanos/health-monitoring-app/internal/kpi"
	"github.com/NikosSpanos/health-monitoring-app/internal/tui/client"
	"github.com/NikosSpanos/health-monitoring-app/internal/tui/theme"
)

// Options configures the viewer.
type Options struct {
	// Style is a glamour standard style name ("dark", "light", "ascii", "notty").
	Style string
}

// Model is the root Bubble Tea model.
type Model struct {
	ws     *client.WSClient
	http   *client.HTTPClient
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	help   help.Model
	width  int
	height int

	devices  []kpi.DeviceKPI
	selected int

	connected bool
	synced    bool // a push has been seen on the current connection
	stale     bool
	note      string
	version   uint64
	err       error

	gauge     Gauge
	animating bool

	style string
	md    *glamour.TermRenderer
}

// New creates the root model.
func New(ws *client.WSClient, http *client.HTTPClient, opts Options) Model {
	if opts.Style == "" {
		opts.Style = "dark"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		ws:     ws,
		http:   http,
		ctx:    ctx,
		cancel: cancel,
		keys:   DefaultKeyMap(),
		help:   help.New(),
		gauge:  NewGauge(),
		style:  opts.Style,
		md:     newRenderer(opts.Style, 80),
	}
}

// Init starts the WebSocket connection and fetches the current snapshot.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.ws.Listen(m.ctx), m.http.FetchKPIs())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.md = newRenderer(m.style, msg.Width-4)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case client.ConnectedMsg:
		m.connected = true
		m.synced = false
		return m, tea.Batch(m.ws.ReadLoop(m.ctx), m.http.FetchKPIs())

	case client.DisconnectedMsg:
		m.connected = false
		return m, m.ws.Listen(m.ctx)

	case client.RenderMsg:
		cmds := []tea.Cmd{m.ws.ReadLoop(m.ctx)}
		// The first push on a connection wins even if its version is lower;
		// the dashboard may have restarted.
		if m.synced && msg.Payload.Version < m.version {
			return m, tea.Batch(cmds...)
		}
		first := !m.synced
		m.synced = true
		m.stale = msg.Payload.Stale
		m.note = msg.Payload.Note
		if first || msg.Payload.Version != m.version {
			m.version = msg.Payload.Version
			cmds = append(cmds, m.http.FetchKPIs())
		}
		return m, tea.Batch(cmds...)

	case client.KPIsMsg:
		if msg.Err != nil {
			m.err = msg.Err
			return m, nil
		}
		m.err = nil
		m.devices = msg.Devices
		if m.selected >= len(m.devices) {
			m.selected = 0
		}
		return m, m.retarget()

	case frameMsg:
		if m.gauge.Step() {
			m.animating = false
			return m, nil
		}
		return m, frame()
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Down):
		if len(m.devices) > 0 {
			m.selected = (m.selected + 1) % len(m.devices)
		}
		return m, m.retarget()

	case key.Matches(msg, m.keys.Up):
		if len(m.devices) > 0 {
			m.selected = (m.selected - 1 + len(m.devices)) % len(m.devices)
		}
		return m, m.retarget()

	case key.Matches(msg, m.keys.Refresh):
		return m, m.http.FetchKPIs()

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	}
	return m, nil
}

// retarget points the gauge at the selected device and starts the
// animation if it is not already running.
func (m *Model) retarget() tea.Cmd {
	var target float64
	if m.selected < len(m.devices) {
		target = latest(m.devices[m.selected])
	}
	m.gauge.SetTarget(target)
	if m.animating || m.gauge.Settled() {
		return nil
	}
	m.animating = true
	return frame()
}

// View renders the full viewer.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	sections := []string{m.statusView()}
	if m.note != "" {
		sections = append(sections, theme.StyleDanger.Render("  "+m.note))
	}
	if m.err != nil {
		sections = append(sections, theme.StyleWarning.Render("  fetch failed: "+m.err.Error()))
	}

	if len(m.devices) == 0 {
		sections = append(sections, theme.StyleDimmed.Render("  No KPI data yet"))
	} else {
		d := m.devices[m.selected]
		sections = append(sections,
			m.tabsView(),
			"  "+m.gauge.View(),
			renderMarkdown(m.md, deviceMarkdown(d)),
		)
	}

	sections = append(sections, m.help.View(m.keys))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) statusView() string {
	width := m.width
	if width < 40 {
		width = 40
	}

	var conn string
	if m.connected {
		conn = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected")
	} else {
		conn = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ DISCONNECTED  Reconnecting...")
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := conn + sep + fmt.Sprintf("%d devices  v%d", len(m.devices), m.version)
	if m.stale {
		content += sep + theme.StyleWarning.Render("STALE")
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func (m Model) tabsView() string {
	parts := make([]string, 0, len(m.devices))
	for i, d := range m.devices {
		label := d.Label()
		if i == m.selected {
			parts = append(parts, theme.StyleSelected.Render("["+label+"]"))
			continue
		}
		parts = append(parts, theme.StyleDimmed.Render(" "+label+" "))
	}
	return "  " + strings.Join(parts, " ")
}
