// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/Thermoquad/metermate/pkg/config"
	"github.com/Thermoquad/metermate/pkg/logging"
	"github.com/Thermoquad/metermate/pkg/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

// connFlags are the client connection flags shared by the tool commands.
// Each command owns its own set so defaults can differ.
type connFlags struct {
	port           string
	baud           int
	timeout        time.Duration
	url            string
	username       string
	noSSLVerify    bool
	allowWebSocket bool
}

func addConnFlags(cmd *cobra.Command, defaultBaud int, allowWebSocket bool) *connFlags {
	f := &connFlags{allowWebSocket: allowWebSocket}
	cmd.Flags().StringVarP(&f.port, "port", "p", "", "Serial port device")
	cmd.Flags().IntVarP(&f.baud, "baud", "b", defaultBaud, "Baud rate (serial only)")
	cmd.Flags().DurationVar(&f.timeout, "read-timeout", 100*time.Millisecond, "Serial read timeout")
	if allowWebSocket {
		cmd.Flags().StringVarP(&f.url, "url", "u", "", "WebSocket URL (ws:// or wss://)")
		cmd.Flags().StringVar(&f.username, "username", "", "Username for HTTP Basic auth")
		cmd.Flags().BoolVar(&f.noSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
	}
	return f
}

// open opens either a serial or WebSocket connection based on flags
func (f *connFlags) open(ctx context.Context) (transport.Conn, string, error) {
	if f.url != "" {
		password := ""
		if f.username != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, "", err
			}
		}

		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		conn, err := transport.DialWebSocket(ctx, transport.DialConfig{
			URL:           f.url,
			Username:      f.username,
			Password:      password,
			SkipSSLVerify: f.noSSLVerify,
		})
		if err != nil {
			return nil, "", err
		}
		return conn, conn.String(), nil
	}

	if f.port != "" {
		conn, err := transport.OpenSerial(transport.SerialConfig{
			Port:        f.port,
			BaudRate:    f.baud,
			ReadTimeout: f.timeout,
		})
		if err != nil {
			return nil, "", err
		}
		return conn, conn.String(), nil
	}

	if f.allowWebSocket {
		return nil, "", fmt.Errorf("either --port or --url must be specified")
	}
	return nil, "", fmt.Errorf("--port must be specified")
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv(config.EnvPrefix + "_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// bindFlag binds a flag to a config key. Binding only fails for a nil
// flag, which is a programming error.
func bindFlag(key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind %s: %v", key, err))
	}
}

// loadConfig merges defaults, the config file, env vars and flags, and
// builds the logger
func loadConfig() (*config.Config, *logrus.Entry, io.Closer, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}

	logger, closer, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logging.WithSession(logger), closer, nil
}
