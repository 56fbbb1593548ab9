// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pda

// Host link framing bytes
const (
	STX = 0x02 // Start of message
	ETX = 0x03 // End of message
)

// MaxMessageSize bounds the text collected between STX and ETX
const MaxMessageSize = 512

// Reply result codes
const (
	ResultOK      = 0
	ResultFailed  = -1
	ResultUnknown = -99
)

// Mnemonics understood by the bridge
const (
	CmdHello            = "AP"
	CmdBootloader       = "BL"
	CmdVersion          = "Gv"
	CmdFeatures         = "Gf"
	CmdTemperature      = "Gt"
	CmdStatus           = "Gs"
	CmdPreset           = "Gpl"
	CmdRealtime         = "Grl"
	CmdTransactionCount = "Gtc"
	CmdTransaction      = "Gtr"
	CmdSetPolling       = "Spl"
	CmdSetPreset        = "Sp"
	CmdNOP              = "NOP"
)
