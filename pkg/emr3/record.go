// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package emr3

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Offsets into an "I 0x03" reply (reply header included)
const (
	recTicketNo            = 2
	recTranType            = 6
	recIndex               = 8
	recNoSummaryRecords    = 9
	recNoRecordsSummarised = 10
	recProductID           = 11
	recProductDesc         = 12
	recProductDescLen      = 16
	recStart               = 28
	recFinish              = 34
	recTotaliserStart      = 48
	recTotaliserEnd        = 56
	recGrossVolume         = 64
	recVolume              = 72
	recTemperature         = 80
	recFlags               = 126

	// Last byte read by ParseTransaction
	recMinLen = recFlags + 2
)

// Timestamp is a packed meter date. The year is stored as an offset from 2000.
type Timestamp struct {
	Year   int
	Month  int
	Day    int
	Hour   int
	Minute int
	Second int
}

// decodeTimestamp reads the six packed bytes: minute, hour, day, second,
// month, year.
func decodeTimestamp(b []byte) Timestamp {
	return Timestamp{
		Minute: int(b[0]),
		Hour:   int(b[1]),
		Day:    int(b[2]),
		Second: int(b[3]),
		Month:  int(b[4]),
		Year:   int(b[5]) + 2000,
	}
}

// String formats the timestamp as d/m/yyyy h:m:s without padding
func (t Timestamp) String() string {
	return fmt.Sprintf("%d/%d/%d %d:%d:%d", t.Day, t.Month, t.Year, t.Hour, t.Minute, t.Second)
}

// Transaction is one delivery ticket stored in the meter
type Transaction struct {
	TicketNo            uint32
	TranType            uint16
	Index               uint8
	NoSummaryRecords    uint8
	NoRecordsSummarised uint8
	ProductID           uint8
	ProductDesc         string
	Start               Timestamp
	Finish              Timestamp
	TotaliserStart      float64
	TotaliserEnd        float64
	GrossVolume         float64
	Volume              float64
	Temperature         float32 // Celsius
	Flags               uint16
}

// ParseTransaction decodes an "I 0x03" ticket reply.
func ParseTransaction(reply []byte) (*Transaction, error) {
	if err := expect("transaction", reply, OpHistoryReply, SubTransactionReply, recMinLen); err != nil {
		return nil, err
	}

	desc := reply[recProductDesc : recProductDesc+recProductDescLen]

	return &Transaction{
		TicketNo:            binary.LittleEndian.Uint32(reply[recTicketNo:]),
		TranType:            binary.LittleEndian.Uint16(reply[recTranType:]),
		Index:               reply[recIndex],
		NoSummaryRecords:    reply[recNoSummaryRecords],
		NoRecordsSummarised: reply[recNoRecordsSummarised],
		ProductID:           reply[recProductID],
		ProductDesc:         string(bytes.TrimRight(desc, "\x00")),
		Start:               decodeTimestamp(reply[recStart : recStart+6]),
		Finish:              decodeTimestamp(reply[recFinish : recFinish+6]),
		TotaliserStart:      float64At(reply, recTotaliserStart),
		TotaliserEnd:        float64At(reply, recTotaliserEnd),
		GrossVolume:         float64At(reply, recGrossVolume),
		Volume:              float64At(reply, recVolume),
		Temperature:         FahrenheitToCelsius(float32At(reply, recTemperature)),
		Flags:               binary.LittleEndian.Uint16(reply[recFlags:]),
	}, nil
}

// EncodeTransaction builds the "I 0x03" reply a meter sends for t. It is
// the inverse of ParseTransaction, with the temperature converted back to
// Fahrenheit, and is used by the meter simulator.
func EncodeTransaction(t *Transaction) []byte {
	reply := make([]byte, 2+TransactionRecordSize)
	reply[0] = OpHistoryReply
	reply[1] = SubTransactionReply

	binary.LittleEndian.PutUint32(reply[recTicketNo:], t.TicketNo)
	binary.LittleEndian.PutUint16(reply[recTranType:], t.TranType)
	reply[recIndex] = t.Index
	reply[recNoSummaryRecords] = t.NoSummaryRecords
	reply[recNoRecordsSummarised] = t.NoRecordsSummarised
	reply[recProductID] = t.ProductID
	copy(reply[recProductDesc:recProductDesc+recProductDescLen], t.ProductDesc)

	putTimestamp(reply[recStart:], t.Start)
	putTimestamp(reply[recFinish:], t.Finish)

	putFloat64(reply[recTotaliserStart:], t.TotaliserStart)
	putFloat64(reply[recTotaliserEnd:], t.TotaliserEnd)
	putFloat64(reply[recGrossVolume:], t.GrossVolume)
	putFloat64(reply[recVolume:], t.Volume)
	putFloat32(reply[recTemperature:], t.Temperature*9.0/5.0+32)
	binary.LittleEndian.PutUint16(reply[recFlags:], t.Flags)

	return reply
}

func putTimestamp(b []byte, ts Timestamp) {
	b[0] = byte(ts.Minute)
	b[1] = byte(ts.Hour)
	b[2] = byte(ts.Day)
	b[3] = byte(ts.Second)
	b[4] = byte(ts.Month)
	b[5] = byte(ts.Year - 2000)
}
