// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/Thermoquad/metermate/pkg/emr3"
	"github.com/spf13/cobra"
)

var rawLogConn *connFlags

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display meter line frames in human-readable format",
	Long: `Continuously decode and display EMR3 frames as they arrive on a serial port.

Attach a spare port to the meter line (or to a simulator) to watch requests
and replies. Each frame is shown with timestamp, opcode, addresses, checksum
status and decoded fields. Checksums are reported but never enforced, so
frames the bridge would accept are shown even when the checksum is wrong.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogConn = addConnFlags(rawLogCmd, 9600, false)
}

func runRawLog(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := rawLogConn.open(cmd.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("MeterMate - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	reader := emr3.NewFrameReader()
	buf := make([]byte, 128)

	for {
		n, err := conn.Read(buf)
		frames, ferr := reader.Feed(buf[:n])
		if ferr != nil {
			fmt.Printf("[ERROR] %v\n", ferr)
		}
		for _, frame := range frames {
			fmt.Print(emr3.FormatFrame(frame, time.Now()))
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				printPartial(reader)
				log.Printf("Connection closed")
				return nil
			}
			log.Printf("Read error: %v", err)
		}
	}
}

// printPartial shows an unterminated frame left in the reader
func printPartial(reader *emr3.FrameReader) {
	if pending := reader.Pending(); len(pending) > 0 {
		fmt.Printf("[PARTIAL] %d bytes: %s\n", len(pending), emr3.FormatHex(pending))
	}
}
