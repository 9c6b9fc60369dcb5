// Package ui renders the live fleet monitor.
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fieldpoll/fieldpoll/engine"
	"github.com/fieldpoll/fieldpoll/model"
)

type healthMsg model.DeviceHealth

type obsMsg model.Observation

type streamClosedMsg struct{}

// Model is the bubbletea model for the fleet monitor. It consumes the
// engine's two streams and keeps the latest state per device.
type Model struct {
	eng    *engine.Engine
	health *engine.Subscription[model.DeviceHealth]
	obs    *engine.Subscription[model.Observation]

	width  int
	height int

	devices map[string]model.DeviceHealth
	// latest observation per (device, channel) key
	readings map[string]model.Observation
	closed   bool
}

// NewModel attaches a monitor to a running engine.
func NewModel(eng *engine.Engine) Model {
	m := Model{
		eng:      eng,
		health:   eng.HealthStream(),
		obs:      eng.Observations(),
		devices:  make(map[string]model.DeviceHealth),
		readings: make(map[string]model.Observation),
	}
	for _, h := range eng.AllDeviceHealth() {
		m.devices[h.DeviceID] = h
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitHealth(), m.waitObs())
}

func (m Model) waitHealth() tea.Cmd {
	return func() tea.Msg {
		h, ok := <-m.health.C
		if !ok {
			return streamClosedMsg{}
		}
		return healthMsg(h)
	}
}

func (m Model) waitObs() tea.Cmd {
	return func() tea.Msg {
		o, ok := <-m.obs.C
		if !ok {
			return streamClosedMsg{}
		}
		return obsMsg(o)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.health.Cancel()
			m.obs.Cancel()
			return m, tea.Quit
		}
	case healthMsg:
		m.devices[msg.DeviceID] = model.DeviceHealth(msg)
		return m, m.waitHealth()
	case obsMsg:
		o := model.Observation(msg)
		m.readings[fmt.Sprintf("%s/%d", o.DeviceID, o.ChannelNumber)] = o
		return m, m.waitObs()
	case streamClosedMsg:
		m.closed = true
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("fieldpoll fleet monitor"))
	if m.closed {
		b.WriteString("  " + critStyle.Render("[engine stopped]"))
	}
	b.WriteString("\n\n")
	b.WriteString(m.fleetTable())
	b.WriteString("\n")
	b.WriteString(m.readingsTable())
	b.WriteString("\n" + dimStyle.Render("q quit"))
	return b.String()
}

func (m Model) fleetTable() string {
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := []string{headerStyle.Render(fmt.Sprintf(
		"%-14s %-8s %-6s %8s %8s %6s %9s  %s",
		"DEVICE", "STATUS", "CONN", "READS", "OK%", "CF", "LAT(ms)", "LAST ERROR"))}
	for _, id := range ids {
		h := m.devices[id]
		conn := "no"
		if h.Connected {
			conn = "yes"
		}
		lastErr := h.LastError
		if len(lastErr) > 40 {
			lastErr = lastErr[:37] + "..."
		}
		rows = append(rows, fmt.Sprintf(
			"%-14s %s %-6s %8d %7.1f%% %6d %9.1f  %s",
			h.DeviceID,
			statusStyle(h.Status).Render(fmt.Sprintf("%-8s", h.Status)),
			conn,
			h.TotalReads,
			h.SuccessRate()*100,
			h.ConsecutiveFailures,
			h.AvgLatencyMs,
			dimStyle.Render(lastErr)))
	}
	if len(ids) == 0 {
		rows = append(rows, dimStyle.Render("no devices"))
	}
	return panelStyle.Render(strings.Join(rows, "\n"))
}

func (m Model) readingsTable() string {
	keys := make([]string, 0, len(m.readings))
	for k := range m.readings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := []string{headerStyle.Render(fmt.Sprintf(
		"%-16s %12s %-6s %-12s %10s  %s",
		"CHANNEL", "VALUE", "UNIT", "QUALITY", "RATE/s", "AGE"))}
	for _, k := range keys {
		o := m.readings[k]
		rate := "-"
		if o.Rate != nil {
			rate = fmt.Sprintf("%.2f", *o.Rate)
		}
		qStyle := valueStyle
		switch o.Quality {
		case model.QualityGood:
			qStyle = okStyle
		case model.QualityUncertain, model.QualityOverflow:
			qStyle = warnStyle
		default:
			qStyle = critStyle
		}
		rows = append(rows, fmt.Sprintf(
			"%-16s %12.3f %-6s %s %10s  %s",
			k, o.Value, o.Unit,
			qStyle.Render(fmt.Sprintf("%-12s", o.Quality)),
			rate,
			dimStyle.Render(time.Since(o.Timestamp).Truncate(time.Second).String())))
	}
	if len(keys) == 0 {
		rows = append(rows, dimStyle.Render("no readings yet"))
	}
	return panelStyle.Render(strings.Join(rows, "\n"))
}

// Run starts the monitor UI and blocks until the user quits.
func Run(eng *engine.Engine) error {
	p := tea.NewProgram(NewModel(eng), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
