// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport opens the byte streams the bridge talks over: serial
// ports for the meter and the handheld, and WebSocket links for handhelds
// and tools on the network.
package transport

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Conn is a bidirectional byte stream
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// SerialConfig describes a serial port. Both links run 8N1.
type SerialConfig struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
}

// Serial wraps a serial port. A read that times out returns 0 bytes and
// no error.
type Serial struct {
	port serial.Port
	name string
}

func (s *Serial) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *Serial) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *Serial) Close() error {
	return s.port.Close()
}

// Flush discards anything waiting in the input buffer
func (s *Serial) Flush() error {
	return s.port.ResetInputBuffer()
}

// String describes the port for logs
func (s *Serial) String() string {
	return s.name
}

// OpenSerial opens and configures a serial port
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}

	if cfg.ReadTimeout > 0 {
		if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout on %s: %w", cfg.Port, err)
		}
	}

	return &Serial{
		port: port,
		name: fmt.Sprintf("Serial: %s @ %d baud", cfg.Port, cfg.BaudRate),
	}, nil
}

// ListSerialPorts returns the serial ports present on the system
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
