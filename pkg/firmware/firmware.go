// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package firmware switches the bridge into its firmware update mode.
package firmware

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Action enters the firmware update mode. It is one-way: callers do not
// expect the bridge to keep serving afterwards.
type Action interface {
	EnterBootloader(ctx context.Context) error
}

// Command runs an external program to reach the bootloader. An empty
// command line only logs the request.
type Command struct {
	Line    string
	Timeout time.Duration
	Log     logrus.FieldLogger
}

// NewCommand creates an action that runs line, split on whitespace, with
// a 30 second timeout
func NewCommand(line string, log logrus.FieldLogger) *Command {
	return &Command{Line: line, Timeout: 30 * time.Second, Log: log}
}

// EnterBootloader runs the configured command
func (c *Command) EnterBootloader(ctx context.Context) error {
	argv := strings.Fields(c.Line)
	if len(argv) == 0 {
		c.Log.Warn("bootloader requested but no bootloader command is configured")
		return nil
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	c.Log.WithField("command", c.Line).Info("entering bootloader")
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("bootloader command %q failed: %w (output: %s)", c.Line, err, strings.TrimSpace(string(out)))
	}
	return nil
}
