// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/Thermoquad/metermate/pkg/pda"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var (
	monitorInterval time.Duration
	monitorConn     *connFlags
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive TUI showing live meter values through a bridge",
	Long: `Watch a running bridge the way a handheld sees it.

The monitor connects to the bridge's host link and cycles Gs, Grl, Gpl and
Gt every --interval, showing the last value of each. Any other command can
be typed into the input line; its reply is shown in the event log.

Note that on a serial host link the monitor takes the handheld's place.

Supports both serial and WebSocket connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorConn = addConnFlags(monitorCmd, 38400, true)
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 500*time.Millisecond, "Refresh interval per query")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := monitorConn.open(cmd.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	send := func(text string) error {
		_, err := conn.Write(pda.ParseMessage(text).Encode())
		return err
	}

	p := tea.NewProgram(initialModel(connInfo, send), tea.WithAltScreen())

	go readReplies(conn, p)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// readReplies forwards every framed reply to the TUI until the link fails
func readReplies(conn io.Reader, p *tea.Program) {
	framer := pda.NewFramer()
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		for _, text := range framer.Write(buf[:n]) {
			reply, perr := pda.ParseReply(text)
			if perr != nil {
				p.Send(errMsg{what: "BAD REPLY", err: perr})
				continue
			}
			p.Send(replyMsg{reply: reply, raw: text})
		}
		if err != nil {
			p.Send(connLostMsg{err: err})
			return
		}
	}
}
