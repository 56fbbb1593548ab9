// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package emr3

import (
	"fmt"
	"strings"
	"time"
)

// FormatFrame formats a raw frame into a human-readable string
func FormatFrame(raw []byte, at time.Time) string {
	timestamp := at.Format("15:04:05.000")

	payload, err := Decode(raw)
	if err != nil {
		return fmt.Sprintf("[%s] INVALID %v\n%s", timestamp, err, FormatHex(raw))
	}

	chk := "ok"
	if !VerifyChecksum(raw) {
		chk = "BAD"
	}

	result := fmt.Sprintf("[%s] %s dst=0x%02X src=0x%02X len=%d chk=0x%02X (%s)\n",
		timestamp, FormatOpcode(payload), raw[1], raw[2], len(payload), raw[len(raw)-2], chk)
	result += FormatPayload(payload)
	return result
}

// FormatOpcode returns the human-readable name for the opcode at the start
// of a request or reply payload
func FormatOpcode(payload []byte) string {
	if len(payload) < 2 {
		if len(payload) == 1 && payload[0] == OpAck {
			return "ACK"
		}
		return "UNKNOWN"
	}

	switch [2]byte{payload[0], payload[1]} {
	case [2]byte{OpStatus, SubStatus}:
		return "STATUS"
	case [2]byte{OpGet, SubTemperature}:
		return "GET_TEMPERATURE"
	case [2]byte{OpField, SubTemperature}:
		return "TEMPERATURE"
	case [2]byte{OpGet, SubPreset}:
		return "GET_PRESET"
	case [2]byte{OpField, SubPreset}:
		return "PRESET"
	case [2]byte{OpSet, SubPreset}:
		return "SET_PRESET"
	case [2]byte{OpGet, SubRealtime}:
		return "GET_REALTIME"
	case [2]byte{OpField, SubRealtime}:
		return "REALTIME"
	case [2]byte{OpGet, SubDisplayMode}:
		return "DISPLAY_MODE"
	case [2]byte{OpSet, SubKey}:
		return "KEY_PRESS"
	case [2]byte{OpHistory, SubTransactionCount}:
		return "GET_TRANSACTION_COUNT"
	case [2]byte{OpHistoryReply, SubTransactionCount}:
		return "TRANSACTION_COUNT"
	case [2]byte{OpHistory, SubTransaction}:
		return "GET_TRANSACTION"
	case [2]byte{OpHistoryReply, SubTransactionReply}:
		return "TRANSACTION"
	}

	if payload[0] == OpAck {
		return "ACK"
	}
	return "UNKNOWN"
}

// FormatPayload formats the decoded fields of a payload, falling back to a
// hex dump for anything it does not recognise
func FormatPayload(payload []byte) string {
	switch FormatOpcode(payload) {
	case "STATUS":
		if len(payload) == 3 {
			s := DecodeStatusByte(payload[2])
			return fmt.Sprintf("  Status: 0x%02X delivery=%t flowing=%t error=%t calibration=%t\n",
				payload[2], s.InDeliveryMode, s.ProductFlowing, s.MeterError, s.InCalibration)
		}

	case "TEMPERATURE":
		if c, err := ParseTemperature(payload); err == nil {
			return fmt.Sprintf("  Temperature: %.1f°C\n", c)
		}

	case "PRESET":
		if l, err := ParsePreset(payload); err == nil {
			return fmt.Sprintf("  Preset: %d L\n", l)
		}

	case "SET_PRESET":
		if len(payload) >= 6 {
			return fmt.Sprintf("  Preset: %.1f L\n", float32At(payload, 2))
		}

	case "REALTIME":
		if l, err := ParseRealtime(payload); err == nil {
			return fmt.Sprintf("  Realtime: %d L\n", l)
		}

	case "DISPLAY_MODE", "KEY_PRESS":
		if len(payload) >= 3 {
			return fmt.Sprintf("  Value: 0x%02X\n", payload[2])
		}

	case "TRANSACTION_COUNT":
		if n, err := ParseTransactionCount(payload); err == nil {
			return fmt.Sprintf("  Transactions: %d\n", n)
		}

	case "TRANSACTION":
		if t, err := ParseTransaction(payload); err == nil {
			return fmt.Sprintf("  Ticket: %d Product: %q Volume: %.2f L Start: %s Finish: %s\n",
				t.TicketNo, t.ProductDesc, t.Volume, t.Start, t.Finish)
		}

	case "ACK":
		if len(payload) >= 2 {
			return fmt.Sprintf("  Result: %s\n", formatAck(AckCode(payload[1])))
		}
	}

	if len(payload) <= 2 {
		return ""
	}
	return FormatHex(payload[2:])
}

func formatAck(code AckCode) string {
	switch code {
	case AckOK:
		return "OK"
	case AckNotUnderstood:
		return "NOT_UNDERSTOOD"
	case AckRejected:
		return "REJECTED"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(code))
	}
}

// FormatHex returns a 16-bytes-per-line hex dump
func FormatHex(data []byte) string {
	var sb strings.Builder
	sb.WriteString("  Payload: ")
	for i, b := range data {
		if i > 0 && i%16 == 0 {
			sb.WriteString("\n           ")
		}
		sb.WriteString(fmt.Sprintf("%02X ", b))
	}
	sb.WriteString("\n")
	return sb.String()
}
