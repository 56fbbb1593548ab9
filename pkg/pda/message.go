// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pda

import "strings"

// Message is a parsed host request: a mnemonic and its comma separated
// arguments.
type Message struct {
	Command string
	Args    []string
}

// ParseMessage splits host text on commas. The first field is the mnemonic;
// no trimming is applied.
func ParseMessage(text string) Message {
	parts := strings.Split(text, ",")
	return Message{Command: parts[0], Args: parts[1:]}
}

// String renders the message back into host text
func (m Message) String() string {
	if len(m.Args) == 0 {
		return m.Command
	}
	return m.Command + "," + strings.Join(m.Args, ",")
}

// NewMessage builds a request for sending over the host link
func NewMessage(command string, args ...string) Message {
	return Message{Command: command, Args: args}
}

// Encode returns the STX/ETX framed request
func (m Message) Encode() []byte {
	return EncodeMessage([]byte(m.String()))
}
