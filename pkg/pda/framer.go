// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pda

// Framer states (internal)
const (
	stateIdle = iota
	stateCollecting
)

// Framer assembles STX/ETX delimited messages from a byte stream.
//
// Bytes outside a message are discarded. An STX seen while collecting
// drops the partial message and starts a new one.
type Framer struct {
	state  int
	buffer []byte

	// Dropped counts messages abandoned by a restart or an overflow
	Dropped int
}

// NewFramer creates a new host message framer
func NewFramer() *Framer {
	return &Framer{
		state:  stateIdle,
		buffer: make([]byte, 0, 64),
	}
}

// Reset discards any partial message
func (f *Framer) Reset() {
	f.state = stateIdle
	f.buffer = f.buffer[:0]
}

// Feed processes a single byte and returns the message text once its ETX
// arrives.
func (f *Framer) Feed(b byte) (string, bool) {
	switch f.state {
	case stateIdle:
		if b == STX {
			f.buffer = f.buffer[:0]
			f.state = stateCollecting
		}
		return "", false

	case stateCollecting:
		switch b {
		case STX:
			if len(f.buffer) > 0 {
				f.Dropped++
			}
			f.buffer = f.buffer[:0]
			return "", false

		case ETX:
			msg := string(f.buffer)
			f.Reset()
			return msg, true
		}

		if len(f.buffer) >= MaxMessageSize {
			f.Dropped++
			f.Reset()
			return "", false
		}
		f.buffer = append(f.buffer, b)
		return "", false
	}

	f.Reset()
	return "", false
}

// Write feeds p through the framer and returns every message completed
func (f *Framer) Write(p []byte) []string {
	var msgs []string
	for _, b := range p {
		if msg, ok := f.Feed(b); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// EncodeMessage wraps text in STX/ETX for the host link
func EncodeMessage(text []byte) []byte {
	out := make([]byte, 0, len(text)+2)
	out = append(out, STX)
	out = append(out, text...)
	out = append(out, ETX)
	return out
}
