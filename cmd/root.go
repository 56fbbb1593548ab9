// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/Thermoquad/metermate/pkg/bridge"
	"github.com/Thermoquad/metermate/pkg/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string

	// v layers config file, METERMATE_* env vars and bound flags
	v = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "metermate",
	Short: "EMR3 fuel meter to handheld terminal bridge",
	Long: `MeterMate - Bridges a handheld terminal to an EMR3 fuel meter.

The run command owns the meter's serial line and answers the handheld's
comma-separated commands with JSON replies. The remaining commands are
tools for talking to a running bridge, watching the meter line, and
simulating a meter on a spare serial port.

Client connection modes (send, ping, monitor):
  Serial:    --port /dev/ttyUSB0 [--baud 38400]
  WebSocket: --url ws://host/pda [--username user]

For WebSocket authentication, the password is read from the METERMATE_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:       fmt.Sprintf("%d.%d", bridge.VersionMajor, bridge.VersionMinor),
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (YAML, TOML or JSON)")
	rootCmd.PersistentFlags().String("log-level", config.Default().Log.Level, "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", config.Default().Log.Format, "Log format (text or json)")
	rootCmd.PersistentFlags().String("log-file", "", "Also log to this file, rotated by size")

	bindFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	bindFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	bindFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file"))
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
