package cmd

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/edwingeng/hotreload"
	"github.com/edwingeng/hotreload/internal/hctx"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB")).
			Width(10)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// lineBuffer keeps the most recent lines printed by the module or produced
// by reloads.
type lineBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newLineBuffer(max int) *lineBuffer {
	return &lineBuffer{max: max}
}

func (lb *lineBuffer) add(line string) {
	line = strings.TrimRight(line, "\n")
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.lines = append(lb.lines, line)
	if n := len(lb.lines); n > lb.max {
		lb.lines = append(lb.lines[:0], lb.lines[n-lb.max:]...)
	}
}

func (lb *lineBuffer) addReport(r hotreload.Report, err error) {
	if err != nil {
		lb.add(fmt.Sprintf("%s. err: %v", r, err))
		return
	}
	lb.add(r.String())
}

func (lb *lineBuffer) snapshot() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return append([]string(nil), lb.lines...)
}

type tickMsg time.Time

type dashboardModel struct {
	hc       *hctx.Context
	s        *session
	lines    *lineBuffer
	interval time.Duration
	maxTicks int

	ticks   int
	last    interface{}
	lastErr error
}

func (m *dashboardModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *dashboardModel) Init() tea.Cmd {
	return m.tick()
}

func (m *dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			r, err := m.s.engine.Reload()
			m.lines.addReport(r, err)
		}

	case tickMsg:
		if m.hc.Err() != nil {
			return m, tea.Quit
		}
		q, v, err := m.s.tick()
		m.last, m.lastErr = v, err
		if errors.Is(err, hotreload.ErrNotLoaded) {
			m.lastErr = nil
		}
		m.ticks++
		if q == hotreload.Quit || m.maxTicks > 0 && m.ticks >= m.maxTicks {
			return m, tea.Quit
		}
		return m, m.tick()
	}
	return m, nil
}

func (m *dashboardModel) row(b *strings.Builder, label string, value interface{}) {
	b.WriteString(labelStyle.Render(label))
	b.WriteString(valueStyle.Render(fmt.Sprint(value)))
	b.WriteString("\n")
}

func (m *dashboardModel) View() string {
	var b strings.Builder
	e := m.s.engine
	b.WriteString(titleStyle.Render("hotreload"))
	b.WriteString("\n\n")

	m.row(&b, "File", e.File())
	m.row(&b, "Phase", e.Phase())
	if cur := e.Current(); cur != nil {
		m.row(&b, "Module", cur)
		m.row(&b, "Version", cur.Version)
		m.row(&b, "Entries", strings.Join(cur.EntryNames(), " "))
		m.row(&b, "InFlight", cur.InFlight())
	} else {
		m.row(&b, "Module", "-")
	}
	m.row(&b, "Reloads", e.ReloadCounter())
	m.row(&b, "Ticks", m.ticks)
	if m.last != nil {
		m.row(&b, m.s.entry, m.last)
	}
	if m.lastErr != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.lastErr)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	for _, line := range m.lines.snapshot() {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("r reload • q quit"))
	return b.String()
}

func runDashboard(hc *hctx.Context, s *session, lines *lineBuffer, interval time.Duration, maxTicks int) error {
	m := &dashboardModel{
		hc:       hc,
		s:        s,
		lines:    lines,
		interval: interval,
		maxTicks: maxTicks,
	}
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(hc))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}
