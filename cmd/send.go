// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Thermoquad/metermate/pkg/pda"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	sendTimeout time.Duration
	sendConn    *connFlags
)

var sendCmd = &cobra.Command{
	Use:   "send COMMAND[,ARG...]",
	Short: "Send one handheld command to a bridge and print the reply",
	Long: `Send one comma-separated handheld command to a running bridge, exactly as
a handheld would, and print the JSON reply.

Examples:
  metermate send --port /dev/ttyUSB1 Gs
  metermate send --url ws://bridge:8081/pda Sp,2000
  metermate send --url ws://bridge:8081/pda Gtr,0

The reply is pretty-printed when stdout is a terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendConn = addConnFlags(sendCmd, 38400, true)
	// Sp may negotiate with the meter for several seconds
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "How long to wait for the reply")
}

func runSend(cmd *cobra.Command, args []string) error {
	conn, _, err := sendConn.open(cmd.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	msg := pda.ParseMessage(args[0])
	if _, err := conn.Write(msg.Encode()); err != nil {
		return fmt.Errorf("failed to send %q: %w", args[0], err)
	}

	text, err := awaitReply(cmd.Context(), conn, msg.Command, sendTimeout)
	if err != nil {
		return err
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, []byte(text), "", "  "); err == nil {
			text = pretty.String()
		}
	}
	fmt.Println(text)
	return nil
}

// awaitReply reads framed messages from conn until one answers command.
// The application-mode hello a bridge sends on connect is skipped, as is
// anything else that does not match, except the default reply, which
// carries no command name.
func awaitReply(ctx context.Context, conn io.Reader, command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)

	go func() {
		framer := pda.NewFramer()
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			for _, text := range framer.Write(buf[:n]) {
				if replyMatches(text, command) {
					done <- result{text: text}
					return
				}
			}
			if err != nil {
				done <- result{err: fmt.Errorf("read failed: %w", err)}
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("no reply to %q within %s", command, timeout)
	}
}

func replyMatches(text, command string) bool {
	reply, err := pda.ParseReply(text)
	if err != nil {
		return false
	}
	if reply.Command == command {
		return true
	}
	return reply.Command == "" && command != pda.CmdHello
}
