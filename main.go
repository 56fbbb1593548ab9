// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// MeterMate - EMR3 fuel meter to handheld terminal bridge
//
// Owns the meter's serial line, answers a handheld terminal's
// comma-separated commands with JSON replies, and polls the meter in the
// background.

package main

import (
	"os"

	"github.com/Thermoquad/metermate/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
