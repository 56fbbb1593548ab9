// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture records meter transactions to a file as a sequence of
// CBOR items and reads them back.
package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Thermoquad/metermate/pkg/emr3"
	"github.com/Thermoquad/metermate/pkg/meter"
	"github.com/fxamacker/cbor/v2"
)

// Record is one captured transaction
type Record struct {
	At       int64  `cbor:"1,keyasint"` // unix nanoseconds
	Command  string `cbor:"2,keyasint"`
	Request  []byte `cbor:"3,keyasint"`
	Response []byte `cbor:"4,keyasint,omitempty"`
	Reply    []byte `cbor:"5,keyasint,omitempty"`
	Error    string `cbor:"6,keyasint,omitempty"`
	Micros   int64  `cbor:"7,keyasint"`
}

// Time returns when the transaction started
func (r *Record) Time() time.Time {
	return time.Unix(0, r.At)
}

// Duration returns how long the transaction took
func (r *Record) Duration() time.Duration {
	return time.Duration(r.Micros) * time.Microsecond
}

// String formats the record for capture dump
func (r *Record) String() string {
	s := fmt.Sprintf("[%s] %s %s\n", r.Time().Format("15:04:05.000"), r.Command, r.Duration())
	s += "  Request:\n" + emr3.FormatHex(r.Request)
	if r.Error != "" {
		return s + "  Error: " + r.Error + "\n"
	}
	return s + fmt.Sprintf("  Reply: %s\n", emr3.FormatOpcode(r.Reply)) + emr3.FormatPayload(r.Reply)
}

// NewRecord converts a session exchange
func NewRecord(ex meter.Exchange) Record {
	rec := Record{
		At:       ex.Started.UnixNano(),
		Command:  ex.Command.Name,
		Request:  ex.Request,
		Response: ex.Response,
		Reply:    ex.Reply,
		Micros:   ex.Duration.Microseconds(),
	}
	if ex.Err != nil {
		rec.Error = ex.Err.Error()
	}
	return rec
}

// Recorder appends exchanges to a writer. It implements meter.Observer.
type Recorder struct {
	mu     sync.Mutex
	enc    *cbor.Encoder
	closer io.Closer
	count  int
	err    error
}

// NewRecorder records to w
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{enc: cbor.NewEncoder(w)}
}

// Create opens path for appending and records to it
func Create(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	r := NewRecorder(f)
	r.closer = f
	return r, nil
}

// ObserveTransaction writes ex. After the first write error the recorder
// stops writing; the error is available from Err.
func (r *Recorder) ObserveTransaction(ex meter.Exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	if err := r.enc.Encode(NewRecord(ex)); err != nil {
		r.err = fmt.Errorf("write capture record: %w", err)
		return
	}
	r.count++
}

// Count returns the number of records written
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Err returns the first write error
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close closes the underlying file, if the recorder opened one
func (r *Recorder) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Reader reads records back
type Reader struct {
	dec *cbor.Decoder
}

// NewReader reads records from r
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(r)}
}

// Next returns the next record, or io.EOF at the end of the capture
func (r *Reader) Next() (*Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read capture record: %w", err)
	}
	return &rec, nil
}

// ReadAll returns every record in r
func ReadAll(r io.Reader) ([]Record, error) {
	reader := NewReader(r)
	var records []Record
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, *rec)
	}
}
