package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/cfkit/internal/appconfig"
	"github.com/treykane/cfkit/internal/history"
	"github.com/treykane/cfkit/internal/model"
	"github.com/treykane/cfkit/internal/registry"
	"github.com/treykane/cfkit/internal/security"
	"github.com/treykane/cfkit/internal/store"
	"github.com/treykane/cfkit/internal/tunnel"
	"github.com/treykane/cfkit/internal/util"
)

// Backend is the slice of tunnel.Manager the dashboard drives.
type Backend interface {
	StatusAll() ([]model.ProcessStatus, error)
	Saved() (store.ListResult, error)
	Stop(slot string) (registry.StopResult, error)
	QuickRandom(ctx context.Context, req tunnel.QuickRequest) (tunnel.Result, error)
}

type tickMsg time.Time

type statusMsg string

type quickStartedMsg struct {
	res tunnel.Result
	err error
}

type dashboardModel struct {
	ctx         context.Context
	backend     Backend
	history     *history.Tracker
	cfg         appconfig.Config
	slots       []model.ProcessStatus
	saved       []model.TunnelIdentity
	lastUsed    map[string]int64
	sel         int
	recentFirst bool
	showHelp    bool
	starting    bool
	status      string
	warnings    []string
	form        *quickForm
	width       int
	height      int
}

func initialModel(ctx context.Context, backend Backend, cfg appconfig.Config) dashboardModel {
	m := dashboardModel{ctx: ctx, backend: backend, cfg: cfg, recentFirst: true}
	if h, err := history.NewDefault(); err == nil {
		m.history = h
	}
	m.refresh()
	m.status = "Ready. s stops the selected tunnel, n starts a quick tunnel."
	return m
}

func (m *dashboardModel) refresh() {
	slots, err := m.backend.StatusAll()
	if err != nil {
		m.status = "status error: " + security.UserMessage(err, true)
		return
	}
	m.slots = slots
	res, err := m.backend.Saved()
	if err == nil {
		m.saved = res.Tunnels
		m.warnings = res.Warnings
	}
	if m.history != nil {
		if lu, err := m.history.LastUsed(); err == nil {
			m.lastUsed = lu
		}
	}
	m.applySort()
	if m.sel >= len(m.slots) {
		m.sel = len(m.slots) - 1
	}
	if m.sel < 0 {
		m.sel = 0
	}
}

func (m *dashboardModel) applySort() {
	if m.recentFirst {
		m.saved = history.SortTunnelsRecent(m.saved, m.lastUsed)
	}
}

func tickCmd(seconds int) tea.Cmd {
	return tea.Tick(time.Duration(clampRefresh(seconds))*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashboardModel) Init() tea.Cmd {
	return tickCmd(m.cfg.UI.RefreshSeconds)
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.refresh()
		return m, tickCmd(m.cfg.UI.RefreshSeconds)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case quickStartedMsg:
		m.starting = false
		if msg.err != nil {
			m.status = "Quick tunnel failed: " + security.UserMessage(msg.err, true)
		} else {
			m.status = fmt.Sprintf("Quick tunnel started (pid=%d) %s", msg.res.PID, util.EmptyDash(msg.res.URL))
			if len(msg.res.Warnings) > 0 {
				m.status += " | " + strings.Join(msg.res.Warnings, " | ")
			}
		}
		m.refresh()
		return m, nil
	case statusMsg:
		m.status = string(msg)
		return m, nil
	case tea.KeyMsg:
		if m.form != nil {
			if msg.String() == "esc" {
				m.form = nil
				m.status = "Cancelled"
				return m, nil
			}
			req, cmd := m.form.update(msg)
			if req == nil {
				return m, cmd
			}
			m.form = nil
			m.starting = true
			m.status = fmt.Sprintf("Starting quick tunnel to %s ...", util.ServiceURL(req.Protocol, req.Port))
			return m, m.startQuick(*req)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "j", "down":
			if m.sel < len(m.slots)-1 {
				m.sel++
			}
		case "k", "up":
			if m.sel > 0 {
				m.sel--
			}
		case "?":
			m.showHelp = !m.showHelp
		case "o":
			m.recentFirst = !m.recentFirst
			m.refresh()
		case "r":
			m.refresh()
			m.status = "Refreshed tunnel status"
		case "n":
			if m.starting {
				m.status = "A quick tunnel is already starting"
				break
			}
			m.form = newForm(m.cfg.Tunnel.Protocol)
		case "s":
			if len(m.slots) == 0 {
				m.status = "No running tunnel selected"
				break
			}
			slot := m.slots[m.sel].Slot
			if res, err := m.backend.Stop(slot); err != nil {
				m.status = "Stop failed: " + security.UserMessage(err, true)
			} else {
				m.status = fmt.Sprintf("Stopped %s (pid=%d)", registry.SlotLabel(slot), res.PID)
			}
			m.refresh()
		}
	}
	return m, nil
}

func (m dashboardModel) startQuick(req tunnel.QuickRequest) tea.Cmd {
	return func() tea.Msg {
		res, err := m.backend.QuickRandom(m.ctx, req)
		return quickStartedMsg{res: res, err: err}
	}
}

func (m dashboardModel) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("cfkit Dashboard")
	subhead := fmt.Sprintf("running=%d saved=%d refresh=%ds", len(m.slots), len(m.saved), clampRefresh(m.cfg.UI.RefreshSeconds))

	running := strings.Builder{}
	running.WriteString(fmt.Sprintf("  %-20s %-8s %s\n", "NAME", "PID", "URL"))
	for i, st := range m.slots {
		cursor := " "
		if i == m.sel {
			cursor = ">"
		}
		running.WriteString(fmt.Sprintf("%s %-20s %-8d %s\n", cursor, registry.SlotLabel(st.Slot), st.PID, util.EmptyDash(st.URL)))
	}
	if len(m.slots) == 0 {
		running.WriteString("  (no tunnels running; press n for a quick tunnel)\n")
	}

	saved := strings.Builder{}
	order := "name"
	if m.recentFirst {
		order = "recent"
	}
	saved.WriteString(fmt.Sprintf("Sorted by %s (o to toggle)\n", order))
	for _, t := range m.saved {
		mark := " "
		if m.isRunning(t.Name) {
			mark = "R"
		}
		saved.WriteString(fmt.Sprintf("[%s] %-20s %-10s %s\n", mark, t.Name, util.ShortID(t.RemoteID), util.EmptyDash(t.FQDN())))
	}
	if len(m.saved) == 0 {
		saved.WriteString("(none)\n")
	}

	warn := ""
	if len(m.warnings) > 0 {
		warn = "Warnings: " + strings.Join(m.warnings, " | ") + "\n"
	}

	quickHelp := "Keys: s stop | n new quick tunnel | r refresh | o sort | ? help | q quit"
	width := m.effectiveWidth()
	main := m.renderMainPanels(running.String(), saved.String())
	form := ""
	if m.form != nil {
		form = m.form.view(m.renderPanel, width)
	}
	status := m.renderPanel("Status", m.status, width, lipgloss.Color("205"))
	help := ""
	if m.showHelp {
		help = m.renderPanel("Help", m.helpBlock(), width, lipgloss.Color("244"))
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		head,
		subhead,
		quickHelp,
		main,
		form,
		help,
		warn,
		status,
	)
}

// Run opens the dashboard. Quitting leaves background tunnels running.
func Run(ctx context.Context, backend Backend, cfg appconfig.Config) error {
	p := tea.NewProgram(initialModel(ctx, backend, cfg), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func clampRefresh(seconds int) int {
	if seconds <= 0 {
		return util.DefaultRefreshSeconds
	}
	return seconds
}

func (m dashboardModel) isRunning(slot string) bool {
	for _, st := range m.slots {
		if st.Slot == slot && st.Running() {
			return true
		}
	}
	return false
}

func (m dashboardModel) renderMainPanels(runningPanel, savedPanel string) string {
	width := m.effectiveWidth()
	if width < 96 {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderPanel("Running", runningPanel, width, lipgloss.Color("39")),
			m.renderPanel("Saved Tunnels", savedPanel, width, lipgloss.Color("69")),
		)
	}
	leftWidth := width / 2
	rightWidth := width - leftWidth
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderPanel("Running", runningPanel, leftWidth, lipgloss.Color("39")),
		m.renderPanel("Saved Tunnels", savedPanel, rightWidth, lipgloss.Color("69")),
	)
}

func (m dashboardModel) helpBlock() string {
	return strings.Join([]string{
		"  Navigation: j/k or arrow keys move the running-tunnel selection.",
		"  Stop: press s to stop the selected tunnel and remove its records.",
		"  Quick tunnel: press n, enter a port and protocol, then Enter.",
		"  Sort: press o to toggle recent-first ordering of saved tunnels.",
		"  Refresh: press r to re-read tunnel status now.",
		"  Quit: press q (or Ctrl+C); background tunnels keep running.",
	}, "\n")
}

func (m dashboardModel) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m dashboardModel) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}
