// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package emr3

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ReplyError reports a meter reply that does not have the layout expected
// for the request that produced it.
type ReplyError struct {
	Command string
	Reply   []byte
	Reason  string
}

// Error implements the error interface
func (e *ReplyError) Error() string {
	return fmt.Sprintf("emr3: unexpected %s reply % X: %s", e.Command, e.Reply, e.Reason)
}

// expect checks the opcode echo and minimum length of a reply.
func expect(command string, reply []byte, op0, op1 byte, minLen int) error {
	if len(reply) < 2 || reply[0] != op0 || reply[1] != op1 {
		return &ReplyError{Command: command, Reply: reply, Reason: fmt.Sprintf("want echo %c 0x%02X", op0, op1)}
	}
	if len(reply) < minLen {
		return &ReplyError{Command: command, Reply: reply, Reason: fmt.Sprintf("want at least %d bytes", minLen)}
	}
	return nil
}

// Status is the meter state carried by the status byte of a "T 0x01" reply
type Status struct {
	InDeliveryMode bool
	ProductFlowing bool
	MeterError     bool
	InCalibration  bool
}

// DecodeStatusByte interprets a status byte.
//
// Bits 0x01, 0x02, 0x04 and 0x08 select the delivery/flow pair and are
// tested in that order, so when several are set the highest one wins.
// Bits 0x40 and 0x80 are independent flags.
func DecodeStatusByte(b byte) Status {
	var s Status

	if b&StatusIdle != 0 {
		s.InDeliveryMode = false
		s.ProductFlowing = false
	}
	if b&StatusDeliveryFlowing != 0 {
		s.InDeliveryMode = true
		s.ProductFlowing = true
	}
	if b&StatusDeliveryStopped != 0 {
		s.InDeliveryMode = true
		s.ProductFlowing = false
	}
	if b&StatusFlowingNoDelivery != 0 {
		s.InDeliveryMode = false
		s.ProductFlowing = true
	}

	s.MeterError = b&StatusError != 0
	s.InCalibration = b&StatusCalibration != 0
	return s
}

// ParseStatus decodes a status reply. The meter answers with exactly three
// bytes; only the length is checked.
func ParseStatus(reply []byte) (Status, error) {
	if len(reply) != 3 {
		return Status{}, &ReplyError{Command: "status", Reply: reply, Reason: "want 3 bytes"}
	}
	return DecodeStatusByte(reply[2]), nil
}

// FahrenheitToCelsius converts a meter temperature to Celsius
func FahrenheitToCelsius(f float32) float32 {
	return (f - 32) * (5.0 / 9.0)
}

// ParseTemperature decodes an "F t" reply and returns degrees Celsius.
func ParseTemperature(reply []byte) (float32, error) {
	if err := expect("temperature", reply, OpField, SubTemperature, 6); err != nil {
		return 0, err
	}
	return FahrenheitToCelsius(float32At(reply, 2)), nil
}

// ParsePreset decodes an "F c" reply. The preset is a 4-byte float,
// truncated to whole litres.
func ParsePreset(reply []byte) (int, error) {
	if err := expect("preset", reply, OpField, SubPreset, 6); err != nil {
		return 0, err
	}
	return int(float32At(reply, 2)), nil
}

// ParseRealtime decodes an "F K" reply. Unlike the preset reply the
// volume is read as an 8-byte float, truncated to whole litres.
func ParseRealtime(reply []byte) (int, error) {
	if err := expect("realtime", reply, OpField, SubRealtime, 10); err != nil {
		return 0, err
	}
	return int(float64At(reply, 2)), nil
}

// ParseTransactionCount decodes an "I 0x00" reply.
func ParseTransactionCount(reply []byte) (int16, error) {
	if err := expect("transaction_count", reply, OpHistoryReply, SubTransactionCount, 4); err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(reply[2:])), nil
}

// ParseDisplayMode decodes a display mode reply. The mode is the third
// byte; the echo is not checked.
func ParseDisplayMode(reply []byte) (DisplayMode, error) {
	if len(reply) < 3 {
		return 0, &ReplyError{Command: "display_mode", Reply: reply, Reason: "want at least 3 bytes"}
	}
	return DisplayMode(reply[2]), nil
}

func float32At(b []byte, offset int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[offset:]))
}

func float64At(b []byte, offset int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b[offset:]))
}

func putFloat32(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

func putFloat64(b []byte, v float64) {
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
}

// Reply builders produce the payloads a meter sends back. They are the
// counterpart of the parsers above and back the meter simulator.

// StatusReply builds a status reply carrying status byte b
func StatusReply(b byte) []byte {
	return []byte{OpStatus, SubStatus, b}
}

// TemperatureReply builds an "F t" reply for a Fahrenheit reading
func TemperatureReply(fahrenheit float32) []byte {
	reply := []byte{OpField, SubTemperature, 0, 0, 0, 0}
	putFloat32(reply[2:], fahrenheit)
	return reply
}

// PresetReply builds an "F c" reply
func PresetReply(litres float32) []byte {
	reply := []byte{OpField, SubPreset, 0, 0, 0, 0}
	putFloat32(reply[2:], litres)
	return reply
}

// RealtimeReply builds an "F K" reply
func RealtimeReply(litres float64) []byte {
	reply := make([]byte, 10)
	reply[0] = OpField
	reply[1] = SubRealtime
	putFloat64(reply[2:], litres)
	return reply
}

// TransactionCountReply builds an "I 0x00" reply
func TransactionCountReply(count int16) []byte {
	reply := []byte{OpHistoryReply, SubTransactionCount, 0, 0}
	binary.LittleEndian.PutUint16(reply[2:], uint16(count))
	return reply
}

// DisplayModeReply builds a display mode reply
func DisplayModeReply(mode DisplayMode) []byte {
	return []byte{OpGet, SubDisplayMode, byte(mode)}
}

// AckReply builds an 'A' reply
func AckReply(code AckCode) []byte {
	return []byte{OpAck, byte(code)}
}
