// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pda

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Decimal1 is a number written to JSON with exactly one decimal place
type Decimal1 float64

// MarshalJSON implements json.Marshaler
func (d Decimal1) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, float64(d), 'f', 1, 64), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Decimal1) UnmarshalJSON(data []byte) error {
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("decimal: %w", err)
	}
	*d = Decimal1(v)
	return nil
}

// Reply is the JSON envelope sent back for every host message.
//
// Command and Result are always present. At most one of the embedded
// bodies is set, and its fields are flattened into the envelope.
type Reply struct {
	Command string `json:"Command"`
	Result  int    `json:"Result"`

	*VersionBody
	*FeaturesBody
	*StatusBody
	*TemperatureBody
	*VolumeBody
	*TranCountBody
	*TransactionBody
}

// VersionBody answers Gv
type VersionBody struct {
	Version Decimal1 `json:"Version"`
	Model   string   `json:"Model"`
}

// FeaturesBody answers Gf
type FeaturesBody struct {
	Features string `json:"Features"`
}

// StatusBody answers Gs
type StatusBody struct {
	InDeliveryMode bool `json:"InDeliveryMode"`
	ProductFlowing bool `json:"ProductFlowing"`
	Error          bool `json:"Error"`
	InCalibration  bool `json:"InCalibration"`
}

// TemperatureBody answers Gt, in degrees Celsius
type TemperatureBody struct {
	Temp Decimal1 `json:"Temp"`
}

// VolumeBody answers Gpl and Grl, in whole litres
type VolumeBody struct {
	Litres int `json:"Litres"`
}

// TranCountBody answers Gtc
type TranCountBody struct {
	TranCount int16 `json:"TranCount"`
}

// TransactionBody answers Gtr
type TransactionBody struct {
	TicketNo            uint32   `json:"TicketNo"`
	TranType            uint16   `json:"TranType"`
	Index               uint8    `json:"Index"`
	NoSummaryRecords    uint8    `json:"NoSummaryRecords"`
	NoRecordsSummarised uint8    `json:"NoRecordsSummarised"`
	ProductID           uint8    `json:"ProductID"`
	ProductDesc         string   `json:"ProductDesc"`
	Start               string   `json:"Start"`
	Finish              string   `json:"Finish"`
	TotaliserStart      float64  `json:"totaliserStart"`
	TotaliserEnd        float64  `json:"totaliserEnd"`
	GrossVolume         float64  `json:"grossVolume"`
	Volume              float64  `json:"volume"`
	Temperature         Decimal1 `json:"temperature"`
	Flags               uint16   `json:"flags"`
}

// DefaultReply is sent when a message cannot be matched to a handler:
// a known mnemonic with the wrong number of arguments, or an empty message.
func DefaultReply() Reply {
	return Reply{Command: "", Result: ResultUnknown}
}

// UnknownReply is sent for an unrecognised mnemonic
func UnknownReply(command string) Reply {
	return Reply{Command: command, Result: ResultUnknown}
}

// FailedReply is sent when the meter does not answer or answers badly
func FailedReply(command string) Reply {
	return Reply{Command: command, Result: ResultFailed}
}

// OKReply is a bare success reply
func OKReply(command string) Reply {
	return Reply{Command: command, Result: ResultOK}
}

// HelloReply announces that the bridge is in application mode
func HelloReply() Reply {
	return OKReply(CmdHello)
}

// Marshal renders the reply as JSON
func (r Reply) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %q reply: %w", r.Command, err)
	}
	return data, nil
}

// Encode renders the reply as a framed host message
func (r Reply) Encode() ([]byte, error) {
	data, err := r.Marshal()
	if err != nil {
		return nil, err
	}
	return EncodeMessage(data), nil
}

// ParseReply decodes the JSON text of a reply
func ParseReply(text string) (Reply, error) {
	var r Reply
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		return Reply{}, fmt.Errorf("invalid reply %q: %w", text, err)
	}
	return r, nil
}
