// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package emr3

import (
	"encoding/binary"
	"math"
)

// Command is an unframed meter request: opcode bytes followed by any
// argument bytes.
type Command struct {
	Name    string // short name used in logs and captures
	Payload []byte
}

// Opcode returns the leading two bytes of the request
func (c Command) Opcode() [2]byte {
	var op [2]byte
	copy(op[:], c.Payload)
	return op
}

// Command builder functions create Command values ready for encoding.

// NewStatusQuery creates a "T 0x01" meter status request.
func NewStatusQuery() Command {
	return Command{Name: "status", Payload: []byte{OpStatus, SubStatus}}
}

// NewTemperatureQuery creates a "G t" request for the product temperature.
func NewTemperatureQuery() Command {
	return Command{Name: "temperature", Payload: []byte{OpGet, SubTemperature}}
}

// NewPresetQuery creates a "G c" request for the preset volume.
func NewPresetQuery() Command {
	return Command{Name: "preset", Payload: []byte{OpGet, SubPreset}}
}

// NewRealtimeQuery creates a "G K" request for the volume delivered so far.
func NewRealtimeQuery() Command {
	return Command{Name: "realtime", Payload: []byte{OpGet, SubRealtime}}
}

// NewTransactionCountQuery creates an "H 0x00" request.
func NewTransactionCountQuery() Command {
	return Command{Name: "transaction_count", Payload: []byte{OpHistory, SubTransactionCount}}
}

// NewTransactionQuery creates an "H 0x01" request for the ticket stored at
// index. The index is sent as a 2-byte little-endian value.
func NewTransactionQuery(index uint16) Command {
	payload := []byte{OpHistory, SubTransaction, 0, 0}
	binary.LittleEndian.PutUint16(payload[2:], index)
	return Command{Name: "transaction", Payload: payload}
}

// NewDisplayModeQuery creates a "G k 0x02" request for the current display mode.
func NewDisplayModeQuery() Command {
	return Command{Name: "display_mode", Payload: []byte{OpGet, SubDisplayMode, KeyMode}}
}

// NewModeKeyPress creates an "S u 0x02" request that presses the MODE
// button on the meter head.
func NewModeKeyPress() Command {
	return Command{Name: "mode_key", Payload: []byte{OpSet, SubKey, KeyMode}}
}

// NewSetPreset creates an "S c" request carrying litres as a 4-byte
// little-endian float. The meter only accepts it in security mode.
func NewSetPreset(litres float32) Command {
	payload := []byte{OpSet, SubPreset, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(payload[2:], math.Float32bits(litres))
	return Command{Name: "set_preset", Payload: payload}
}
