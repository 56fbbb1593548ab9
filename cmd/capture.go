// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/Thermoquad/metermate/pkg/capture"
	"github.com/spf13/cobra"
)

var captureErrorsOnly bool

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Work with meter transaction capture files",
}

var captureDumpCmd = &cobra.Command{
	Use:   "dump FILE",
	Short: "Print a capture file written by run --capture",
	Long: `Print every meter transaction stored in a capture file.

Each record shows when the request was sent, how long the meter took to
answer, the raw request bytes and the decoded reply, or the error when the
meter did not answer.`,
	Args: cobra.ExactArgs(1),
	RunE: runCaptureDump,
}

func init() {
	rootCmd.AddCommand(captureCmd)
	captureCmd.AddCommand(captureDumpCmd)
	captureDumpCmd.Flags().BoolVar(&captureErrorsOnly, "errors", false, "Only show failed transactions")
}

func runCaptureDump(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	reader := capture.NewReader(f)
	total, failed := 0, 0
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		total++
		if rec.Error != "" {
			failed++
		} else if captureErrorsOnly {
			continue
		}
		fmt.Print(rec.String())
	}

	fmt.Printf("\n--- %d transactions, %d failed ---\n", total, failed)
	return nil
}
