// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/metermate/pkg/pda"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// monitorQueries are sent in turn on every refresh tick
var monitorQueries = []string{pda.CmdStatus, pda.CmdRealtime, pda.CmdPreset, pda.CmdTemperature}

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// Last values reported by the bridge
type meterView struct {
	status      *pda.StatusBody
	realtime    *int
	preset      *int
	temperature *float64
	tranCount   *int16
	version     string
	updated     time.Time
}

// TUI model
type model struct {
	connInfo      string
	connectedAt   time.Time
	meter         meterView
	eventLog      []eventLogEntry
	maxLogEntries int
	sent          int
	replies       int
	failures      int
	queryIdx      int
	input         textinput.Model
	send          func(text string) error
	width         int
	height        int
	quitting      bool
	connLost      bool
}

// Messages
type tickMsg time.Time
type replyMsg struct {
	reply pda.Reply
	raw   string
}
type connLostMsg struct {
	err error
}
type errMsg struct {
	what string
	err  error
}

// formatUptime formats a duration in milliseconds to a human-friendly string
func formatUptime(ms uint64) string {
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	parts := []string{}
	for _, p := range []struct {
		n    uint64
		unit string
	}{
		{days, "day"},
		{hours, "hour"},
		{minutes, "minute"},
	} {
		if p.n == 1 {
			parts = append(parts, "1 "+p.unit)
		} else if p.n > 1 {
			parts = append(parts, fmt.Sprintf("%d %ss", p.n, p.unit))
		}
	}
	if seconds > 0 || len(parts) == 0 {
		if seconds == 1 {
			parts = append(parts, "1 second")
		} else {
			parts = append(parts, fmt.Sprintf("%d seconds", seconds))
		}
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func initialModel(connInfo string, send func(text string) error) model {
	ti := textinput.New()
	ti.Placeholder = "command, e.g. Sp,2000"
	ti.CharLimit = pda.MaxMessageSize
	ti.Width = 40
	ti.Focus()

	return model{
		connInfo:      connInfo,
		connectedAt:   time.Now(),
		maxLogEntries: 100,
		input:         ti,
		send:          send,
		width:         80,
		height:        24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.sendCmd(pda.CmdVersion),
		m.sendCmd(pda.CmdTransactionCount),
		tickCmd(monitorInterval),
		textinput.Blink,
	)
}

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// sendCmd writes text on the link outside the update loop
func (m model) sendCmd(text string) tea.Cmd {
	send := m.send
	return func() tea.Msg {
		if err := send(text); err != nil {
			return errMsg{what: "SEND FAILED", err: err}
		}
		return nil
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if text == "" {
				return m, nil
			}
			m.sent++
			m.addLogEntry("> "+text, false)
			return m, m.sendCmd(text)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		if m.connLost {
			return m, nil
		}
		query := monitorQueries[m.queryIdx]
		m.queryIdx = (m.queryIdx + 1) % len(monitorQueries)
		m.sent++
		return m, tea.Batch(m.sendCmd(query), tickCmd(monitorInterval))

	case replyMsg:
		m.replies++
		m.applyReply(msg.reply)
		if msg.reply.Result != pda.ResultOK {
			m.failures++
			m.addLogEntry(msg.raw, true)
		} else if !isMonitorQuery(msg.reply.Command) {
			m.addLogEntry(msg.raw, false)
		}

	case errMsg:
		m.addLogEntry(fmt.Sprintf("%s: %v", msg.what, msg.err), true)

	case connLostMsg:
		m.connLost = true
		m.addLogEntry(fmt.Sprintf("CONNECTION LOST: %v", msg.err), true)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func isMonitorQuery(command string) bool {
	for _, q := range monitorQueries {
		if q == command {
			return true
		}
	}
	return false
}

// applyReply folds a successful reply into the dashboard values
func (m *model) applyReply(r pda.Reply) {
	if r.Result != pda.ResultOK {
		return
	}
	switch r.Command {
	case pda.CmdStatus:
		m.meter.status = r.StatusBody
	case pda.CmdRealtime:
		if r.VolumeBody != nil {
			litres := r.Litres
			m.meter.realtime = &litres
		}
	case pda.CmdPreset:
		if r.VolumeBody != nil {
			litres := r.Litres
			m.meter.preset = &litres
		}
	case pda.CmdTemperature:
		if r.TemperatureBody != nil {
			temp := float64(r.Temp)
			m.meter.temperature = &temp
		}
	case pda.CmdTransactionCount:
		if r.TranCountBody != nil {
			count := r.TranCount
			m.meter.tranCount = &count
		}
	case pda.CmdVersion:
		if r.VersionBody != nil {
			m.meter.version = fmt.Sprintf("%s %.1f", r.Model, float64(r.Version))
		}
	default:
		return
	}
	m.meter.updated = time.Now()
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	infoStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	unknown := headerStyle.Render("--")
	flag := func(on bool) string {
		if on {
			return valueStyle.Render("yes")
		}
		return headerStyle.Render("no")
	}

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("METERMATE - MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Connected %s | Enter sends, Esc quits",
		m.connInfo, formatUptime(uint64(time.Since(m.connectedAt).Milliseconds())))))
	s.WriteString("\n\n")

	if m.connLost {
		s.WriteString(errorStyle.Render("✗ Connection lost"))
		s.WriteString("\n\n")
	}

	// Meter values
	meter := strings.Builder{}
	version := unknown
	if m.meter.version != "" {
		version = valueStyle.Render(m.meter.version)
	}
	tranCount := unknown
	if m.meter.tranCount != nil {
		tranCount = valueStyle.Render(fmt.Sprintf("%d", *m.meter.tranCount))
	}
	updated := unknown
	if !m.meter.updated.IsZero() {
		updated = valueStyle.Render(m.meter.updated.Format("15:04:05"))
	}
	meter.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Bridge:"), version,
		labelStyle.Render("Tickets:"), tranCount,
		labelStyle.Render("Updated:"), updated,
	))

	if st := m.meter.status; st != nil {
		errFlag := flag(st.Error)
		if st.Error {
			errFlag = errorStyle.Render("YES")
		}
		meter.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n",
			labelStyle.Render("Delivery:"), flag(st.InDeliveryMode),
			labelStyle.Render("Flowing:"), flag(st.ProductFlowing),
			labelStyle.Render("Error:"), errFlag,
			labelStyle.Render("Calibration:"), flag(st.InCalibration),
		))
	} else {
		meter.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Status:"), unknown))
	}

	realtime, preset, temp := unknown, unknown, unknown
	if m.meter.realtime != nil {
		realtime = valueStyle.Render(fmt.Sprintf("%d L", *m.meter.realtime))
	}
	if m.meter.preset != nil {
		preset = valueStyle.Render(fmt.Sprintf("%d L", *m.meter.preset))
	}
	if m.meter.temperature != nil {
		temp = valueStyle.Render(fmt.Sprintf("%.1f°C", *m.meter.temperature))
	}
	meter.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Delivered:"), realtime,
		labelStyle.Render("Preset:"), preset,
		labelStyle.Render("Temp:"), temp,
	))

	meter.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
		labelStyle.Render("Sent:"), valueStyle.Render(fmt.Sprintf("%d", m.sent)),
		labelStyle.Render("Replies:"), valueStyle.Render(fmt.Sprintf("%d", m.replies)),
		labelStyle.Render("Failed:"), func() string {
			if m.failures > 0 {
				return errorStyle.Render(fmt.Sprintf("%d", m.failures))
			}
			return valueStyle.Render("0")
		}(),
	))

	s.WriteString(boxStyle.Render(meter.String()))
	s.WriteString("\n\n")

	// Command input
	s.WriteString(m.input.View())
	s.WriteString("\n\n")

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - 16 // Reserve space for header, values and input
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					infoStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
