// Package tui is a terminal dashboard that polls the status API.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/san-kum/cryostat/internal/supervisor"
)

const historyCapacity = 120

var (
	cyan    = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	white   = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	dim     = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	green   = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	yellow  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	red     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	magenta = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))

	header = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#ffffff")).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(lipgloss.Color("#444466"))
	selected = lipgloss.NewStyle().Bold(true).Background(lipgloss.Color("#1a001a"))
)

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "Running":
		return green
	case "Overridden":
		return yellow
	case "Faulted":
		return red
	}
	return dim
}

type history struct {
	measurement []float64
	setpoint    []float64
}

func (h *history) push(s supervisor.Snapshot) {
	h.measurement = append(h.measurement, s.Measurement)
	h.setpoint = append(h.setpoint, s.Setpoint)
	if len(h.measurement) > historyCapacity {
		h.measurement = h.measurement[1:]
		h.setpoint = h.setpoint[1:]
	}
}

type model struct {
	client   *http.Client
	base     string
	interval time.Duration

	loops   []supervisor.Snapshot
	history map[string]*history
	cursor  int
	err     error
	fetched time.Time

	width  int
	height int
}

func newModel(addr string, interval time.Duration) model {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		if strings.HasPrefix(base, ":") {
			base = "localhost" + base
		}
		base = "http://" + base
	}
	return model{
		client:   &http.Client{Timeout: 5 * time.Second},
		base:     strings.TrimSuffix(base, "/"),
		interval: interval,
		history:  make(map[string]*history),
		width:    100,
		height:   30,
	}
}

type loopsMsg []supervisor.Snapshot

type errMsg struct{ err error }

type tickMsg time.Time

func (m model) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), m.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.base+"/api/loops", nil)
	if err != nil {
		return errMsg{err}
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return errMsg{err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errMsg{fmt.Errorf("status api: %s", resp.Status)}
	}
	var loops []supervisor.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&loops); err != nil {
		return errMsg{err}
	}
	return loopsMsg(loops)
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd { return m.fetch }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.loops)-1 {
				m.cursor++
			}
		case "r":
			return m, m.fetch
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case loopsMsg:
		m.loops = msg
		m.err = nil
		m.fetched = time.Now()
		for _, s := range msg {
			h, ok := m.history[s.ID]
			if !ok {
				h = &history{}
				m.history[s.ID] = h
			}
			h.push(s)
		}
		if m.cursor >= len(m.loops) {
			m.cursor = max(len(m.loops)-1, 0)
		}
		return m, m.tick()
	case errMsg:
		m.err = msg.err
		return m, m.tick()
	case tickMsg:
		return m, m.fetch
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(header.Render("cryostat supervisory control") + "\n")
	b.WriteString(dim.Render(m.base) + "\n\n")

	if m.err != nil {
		b.WriteString(red.Render("error: "+m.err.Error()) + "\n\n")
	}

	b.WriteString(dim.Render(fmt.Sprintf("%-16s %-11s %10s %10s %10s  %s", "LOOP", "STATE", "OUTPUT", "MEAS", "SETPOINT", "STATUS")) + "\n")
	for i, s := range m.loops {
		row := fmt.Sprintf("%-16s %s %10.2f %10.2f %10.2f  %s",
			s.ID,
			stateStyle(s.StateName).Render(fmt.Sprintf("%-11s", s.StateName)),
			s.Output, s.Measurement, s.Setpoint,
			s.Status)
		if i == m.cursor {
			row = selected.Render(row)
		}
		b.WriteString(row + "\n")
	}

	if len(m.loops) > 0 {
		s := m.loops[m.cursor]
		b.WriteString("\n" + cyan.Render(s.ID) + " " + white.Render(s.TargetPV) + dim.Render(" <- ") + white.Render(s.ControlPV))
		if s.Policy != "" && s.Policy != "none" {
			b.WriteString(magenta.Render("  [" + s.Policy + "]"))
		}
		b.WriteString("\n\n")
		if h := m.history[s.ID]; h != nil && len(h.measurement) > 1 {
			width := m.width - 12
			if width < 20 {
				width = 20
			}
			chart := asciigraph.PlotMany([][]float64{h.measurement, h.setpoint},
				asciigraph.Height(8),
				asciigraph.Width(width),
				asciigraph.SeriesColors(asciigraph.Cyan, asciigraph.Yellow),
				asciigraph.Caption("measurement / setpoint"))
			b.WriteString(chart + "\n")
		}
	}

	if !m.fetched.IsZero() {
		b.WriteString("\n" + dim.Render("updated "+m.fetched.Format(time.TimeOnly)))
	}
	b.WriteString("\n" + dim.Render("↑/↓ select  r refresh  q quit") + "\n")
	return b.String()
}

// Run shows the dashboard for the status server at addr until the user
// quits.
func Run(addr string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	_, err := tea.NewProgram(newModel(addr, interval), tea.WithAltScreen()).Run()
	return err
}
