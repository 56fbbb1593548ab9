// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package emr3

import (
	"errors"
	"fmt"
)

// ErrShortFrame is returned by Decode when a frame holds no payload bytes.
var ErrShortFrame = errors.New("emr3: frame too short")

// Checksum computes the frame checksum over the unescaped header and payload:
// 0x100 - ((destination + source + sum(payload)) & 0xFF), taken mod 256.
func Checksum(destination, source byte, payload []byte) byte {
	sum := int(destination) + int(source)
	for _, b := range payload {
		sum += int(b)
	}
	return byte(0x100 - (sum & 0xFF))
}

// Encode builds a complete wire frame for payload, addressed from the
// bridge to the meter.
func Encode(payload []byte) []byte {
	return EncodeFrame(Destination, Source, payload)
}

// EncodeFrame builds a wire frame with explicit addresses.
//
// Header bytes are never escaped. The checksum byte is appended unescaped
// even when it collides with the delimiter or escape byte.
func EncodeFrame(destination, source byte, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)*2+HeaderSize+TrailerSize)
	frame = append(frame, Delimiter, destination, source)
	frame = append(frame, stuffBytes(payload)...)
	frame = append(frame, Checksum(destination, source, payload))
	frame = append(frame, Delimiter)
	return frame
}

// stuffBytes replaces delimiter and escape bytes with EscByte + (byte XOR EscXor).
func stuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)

	for _, b := range data {
		if b == Delimiter || b == EscByte {
			result = append(result, EscByte, b^EscXor)
		} else {
			result = append(result, b)
		}
	}

	return result
}

// Decode extracts the payload from a raw frame as read from the meter.
//
// The 3 header bytes and the trailing checksum and delimiter are stripped
// and escape sequences in between are undone. The checksum is not checked;
// use VerifyChecksum for diagnostics.
func Decode(raw []byte) ([]byte, error) {
	n := len(raw)
	if n-HeaderSize-TrailerSize <= 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, n)
	}

	payload := make([]byte, 0, n-HeaderSize-TrailerSize)
	for i := HeaderSize; i < n-TrailerSize; i++ {
		if raw[i] == EscByte {
			// An escape in the last payload position pairs with the checksum.
			i++
			payload = append(payload, raw[i]^EscXor)
			continue
		}
		payload = append(payload, raw[i])
	}

	return payload, nil
}

// VerifyChecksum reports whether the checksum carried by raw matches its
// decoded header and payload.
func VerifyChecksum(raw []byte) bool {
	payload, err := Decode(raw)
	if err != nil {
		return false
	}
	return raw[len(raw)-2] == Checksum(raw[1], raw[2], payload)
}
