// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package emr3 implements the EMR3 fuel meter serial protocol.
//
// Every frame on the meter link has the shape
//
//	0x7E destination source payload... checksum 0x7E
//
// where payload bytes equal to the delimiter or the escape byte are
// stuffed as 0x7D (b XOR 0x20). This package provides frame encoding and
// decoding, request builders for the meter commands used by the bridge,
// and parsers for their replies.
package emr3

// Protocol framing bytes
const (
	Delimiter = 0x7E
	EscByte   = 0x7D
	EscXor    = 0x20
)

// Addresses used on the meter link
const (
	Destination = 0x01 // meter
	Source      = 0xFF // bridge
)

// Frame layout
const (
	HeaderSize   = 3 // delimiter, destination, source
	TrailerSize  = 2 // checksum, delimiter
	MaxFrameSize = 1024
)

// Request opcodes (first byte of a request payload)
const (
	OpGet          = 'G'
	OpSet          = 'S'
	OpStatus       = 'T'
	OpHistory      = 'H'
	OpAck          = 'A'
	OpField        = 'F'
	OpHistoryReply = 'I'
)

// Sub-opcodes (second byte)
const (
	SubTemperature = 't'
	SubPreset      = 'c'
	SubRealtime    = 'K'
	SubDisplayMode = 'k'
	SubKey         = 'u'

	SubStatus           = 0x01
	SubTransactionCount = 0x00
	SubTransaction      = 0x01
	SubTransactionReply = 0x03
)

// KeyMode is the argument of a key press that presses the MODE button.
// The same value selects the display mode register in a display query.
const KeyMode = 0x02

// DisplayMode is the mode shown on the meter display
type DisplayMode byte

// Display mode values
const (
	DisplayVolume   DisplayMode = 0x00
	DisplaySecurity DisplayMode = 0x03
)

// AckCode is the result byte of an 'A' reply
type AckCode byte

// Ack code values
const (
	AckOK            AckCode = 0x00
	AckNotUnderstood AckCode = 0x01
	AckRejected      AckCode = 0x02
)

// Status byte bits
const (
	StatusIdle              = 0x01
	StatusDeliveryFlowing   = 0x02
	StatusDeliveryStopped   = 0x04
	StatusFlowingNoDelivery = 0x08
	StatusError             = 0x40
	StatusCalibration       = 0x80
)

// TransactionRecordSize is the number of ticket bytes following the
// 'I' 0x03 reply header.
const TransactionRecordSize = 146
