// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package meter

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/Thermoquad/metermate/pkg/emr3"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// scriptedMeter answers each request payload with a canned reply
type scriptedMeter struct {
	requests [][]byte
	answer   func(payload []byte) []byte
}

func (s *scriptedMeter) HandleFrame(raw []byte) []byte {
	payload, err := emr3.Decode(raw)
	if err != nil {
		return nil
	}
	s.requests = append(s.requests, payload)
	reply := s.answer(payload)
	if reply == nil {
		return nil
	}
	return emr3.EncodeFrame(emr3.Source, emr3.Destination, reply)
}

func newTestSession(t Transport) *Session {
	logger, _ := test.NewNullLogger()
	s := NewSession(t, logger)
	s.Start()
	return s
}

func opcodes(requests [][]byte) []string {
	var out []string
	for _, r := range requests {
		out = append(out, emr3.FormatOpcode(r))
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ============================================================
// Transact Tests
// ============================================================

func TestTransact_ReturnsDecodedReply(t *testing.T) {
	sim := NewSimulator()
	sim.SetStatus(emr3.StatusDeliveryFlowing)
	s := newTestSession(NewLoopback(sim))

	reply, err := s.Transact(emr3.NewStatusQuery())
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
	want := []byte{emr3.OpStatus, emr3.SubStatus, emr3.StatusDeliveryFlowing}
	if !bytes.Equal(reply, want) {
		t.Errorf("reply = % X, want % X", reply, want)
	}
}

func TestTransact_NoReply(t *testing.T) {
	sim := NewSimulator()
	sim.SetSilent(true)
	s := newTestSession(NewLoopback(sim))

	_, err := s.Transact(emr3.NewStatusQuery())
	if !errors.Is(err, ErrNoReply) {
		t.Fatalf("expected ErrNoReply, got %v", err)
	}
}

func TestTransact_MalformedReplyReturnedAsIs(t *testing.T) {
	meter := &scriptedMeter{answer: func([]byte) []byte { return []byte{'Z', 'z', 0x01} }}
	s := newTestSession(NewLoopback(meter))

	reply, err := s.Transact(emr3.NewTemperatureQuery())
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
	if !bytes.Equal(reply, []byte{'Z', 'z', 0x01}) {
		t.Errorf("reply = % X", reply)
	}

	var replyErr *emr3.ReplyError
	if _, err := s.Temperature(); !errors.As(err, &replyErr) {
		t.Errorf("Temperature() expected ReplyError, got %v", err)
	}
}

func TestTransact_ReplyChecksumCollisions(t *testing.T) {
	tests := []struct {
		name     string
		reply    []byte
		checksum byte
		want     int
	}{
		// 46 63 00 00 98 41 sums to 0x82
		{"checksum is delimiter", emr3.PresetReply(19), emr3.Delimiter, 19},
		// 19.125 is 00 00 99 41
		{"checksum is escape byte", emr3.PresetReply(19.125), emr3.EscByte, 19},
		{"plain checksum", emr3.PresetReply(2000), 0, 2000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum := emr3.Checksum(emr3.Source, emr3.Destination, tt.reply)
			if tt.checksum != 0 && sum != tt.checksum {
				t.Fatalf("reply checksum = %#02x, test needs %#02x", sum, tt.checksum)
			}

			meter := &scriptedMeter{answer: func([]byte) []byte { return tt.reply }}
			s := newTestSession(NewLoopback(meter))

			got, err := s.PresetLitres()
			if err != nil {
				t.Fatalf("PresetLitres failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("PresetLitres = %d, want %d", got, tt.want)
			}

			// The session is still in step for the next transaction
			if got, err := s.PresetLitres(); err != nil || got != tt.want {
				t.Errorf("second PresetLitres = %d, %v", got, err)
			}
		})
	}
}

func TestLoopback_RequestChecksumIsDelimiter(t *testing.T) {
	sim := NewSimulator()
	sim.SetDisplayModes(emr3.DisplaySecurity)
	s := newTestSession(NewLoopback(sim))

	// 53 63 00 00 88 44 sums to 0x82
	cmd := emr3.NewSetPreset(1088)
	if sum := emr3.Checksum(emr3.Destination, emr3.Source, cmd.Payload); sum != emr3.Delimiter {
		t.Fatalf("request checksum = %#02x, test needs 0x7e", sum)
	}
	reply, err := s.Transact(cmd)
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
	if !bytes.Equal(reply, emr3.AckReply(emr3.AckOK)) {
		t.Errorf("reply = % X", reply)
	}
	if sim.Preset() != 1088 {
		t.Errorf("simulator preset = %v, want 1088", sim.Preset())
	}
}

type shortWriter struct{}

func (shortWriter) Read(p []byte) (int, error)  { return 0, nil }
func (shortWriter) Write(p []byte) (int, error) { return len(p) - 1, nil }

type failingWriter struct{}

func (failingWriter) Read(p []byte) (int, error)  { return 0, io.EOF }
func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("port closed") }

func TestTransact_PartialWrite(t *testing.T) {
	for _, tr := range []Transport{shortWriter{}, failingWriter{}} {
		s := newTestSession(tr)
		if _, err := s.Transact(emr3.NewStatusQuery()); !errors.Is(err, ErrPartialWrite) {
			t.Errorf("%T: expected ErrPartialWrite, got %v", tr, err)
		}
	}
}

// chunkedReader hands out one byte per read
type chunkedReader struct {
	data []byte
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	p[0] = c.data[0]
	c.data = c.data[1:]
	return 1, nil
}

func (c *chunkedReader) Write(p []byte) (int, error) { return len(p), nil }

func TestTransact_ReplySplitAcrossReads(t *testing.T) {
	frame := emr3.EncodeFrame(emr3.Source, emr3.Destination, emr3.AckReply(emr3.AckOK))
	tr := &chunkedReader{data: append([]byte{0x00, 0x13}, frame...)}
	s := NewSession(tr, logrus.New())

	reply, err := s.Transact(emr3.NewModeKeyPress())
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
	if !bytes.Equal(reply, []byte{emr3.OpAck, 0x00}) {
		t.Errorf("reply = % X", reply)
	}
}

func TestStart_FlushesAndSignalsReady(t *testing.T) {
	tr := NewLoopback(NewSimulator())
	tr.pending = []byte{0x7E, 0xFF, 0x01, 0x41}

	logger, _ := test.NewNullLogger()
	s := NewSession(tr, logger)

	select {
	case <-s.Ready():
		t.Fatal("session ready before Start")
	default:
	}

	s.Start()

	select {
	case <-s.Ready():
	default:
		t.Fatal("session not ready after Start")
	}
	if len(tr.pending) != 0 {
		t.Errorf("stale input not flushed: % X", tr.pending)
	}

	// A second Start must not panic on the closed channel
	s.Start()
}

func TestObserver_SeesEveryTransaction(t *testing.T) {
	sim := NewSimulator()
	s := newTestSession(NewLoopback(sim))

	var seen []Exchange
	s.AddObserver(ObserverFunc(func(ex Exchange) { seen = append(seen, ex) }))

	if _, err := s.RealtimeLitres(); err != nil {
		t.Fatalf("RealtimeLitres failed: %v", err)
	}
	sim.SetSilent(true)
	_, _ = s.PresetLitres()

	if len(seen) != 2 {
		t.Fatalf("observed %d transactions, want 2", len(seen))
	}
	if seen[0].Command.Name != "realtime" || seen[0].Err != nil || seen[0].Response == nil {
		t.Errorf("first exchange = %+v", seen[0])
	}
	if seen[1].Command.Name != "preset" || !errors.Is(seen[1].Err, ErrNoReply) {
		t.Errorf("second exchange = %+v", seen[1])
	}
}

// ============================================================
// Query Tests
// ============================================================

func TestQueries_AgainstSimulator(t *testing.T) {
	sim := NewSimulator()
	sim.SetTemperature(59)
	sim.SetRealtime(0)
	sim.AddTransaction(&emr3.Transaction{TicketNo: 7, ProductDesc: "ULP"})
	s := newTestSession(NewLoopback(sim))

	if c, err := s.Temperature(); err != nil || math.Abs(float64(c-15)) > 0.01 {
		t.Errorf("Temperature = (%v, %v), want 15", c, err)
	}
	if l, err := s.PresetLitres(); err != nil || l != 0 {
		t.Errorf("PresetLitres = (%v, %v), want 0", l, err)
	}
	if l, err := s.RealtimeLitres(); err != nil || l != 0 {
		t.Errorf("RealtimeLitres = (%v, %v), want 0", l, err)
	}
	if n, err := s.TransactionCount(); err != nil || n != 1 {
		t.Errorf("TransactionCount = (%v, %v), want 1", n, err)
	}
	if m, err := s.DisplayMode(); err != nil || m != emr3.DisplayVolume {
		t.Errorf("DisplayMode = (%v, %v), want volume", m, err)
	}
}

func TestStatus_UpdatesLastKnown(t *testing.T) {
	sim := NewSimulator()
	s := newTestSession(NewLoopback(sim))

	if !s.LastStatus().UpdatedAt.IsZero() {
		t.Fatal("last status set before any query")
	}

	sim.SetStatus(emr3.StatusDeliveryStopped | emr3.StatusError)
	if _, err := s.Status(); err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	last := s.LastStatus()
	if !last.InDeliveryMode || last.ProductFlowing || !last.MeterError || last.UpdatedAt.IsZero() {
		t.Errorf("last status = %+v", last)
	}

	// A failed query keeps the previous value
	sim.SetSilent(true)
	if _, err := s.Status(); err == nil {
		t.Fatal("expected error from silent meter")
	}
	if got := s.LastStatus(); got != last {
		t.Errorf("last status changed after failure: %+v", got)
	}
}

// ============================================================
// Preset Negotiation Tests
// ============================================================

func TestSetPreset_ImmediateSecurityMode(t *testing.T) {
	sim := NewSimulator() // volume, security
	s := newTestSession(NewLoopback(sim))

	result, err := s.SetPreset(2000)
	if err != nil {
		t.Fatalf("SetPreset failed: %v", err)
	}
	if result != 0 {
		t.Errorf("result = %d, want 0", result)
	}

	requests := sim.Requests()
	want := []string{"KEY_PRESS", "DISPLAY_MODE", "SET_PRESET", "KEY_PRESS"}
	if got := opcodes(requests); !equalStrings(got, want) {
		t.Fatalf("requests = %v, want %v", got, want)
	}
	if !bytes.Equal(requests[2], emr3.NewSetPreset(2000.0).Payload) {
		t.Errorf("preset write = % X", requests[2])
	}
	if sim.Preset() != 2000 {
		t.Errorf("simulator preset = %v, want 2000", sim.Preset())
	}
	if sim.DisplayMode() != emr3.DisplayVolume {
		t.Errorf("display left in mode %d", sim.DisplayMode())
	}
}

func TestSetPreset_NeverSecurityMode(t *testing.T) {
	sim := NewSimulator()
	sim.SetDisplayModes(emr3.DisplayVolume)
	s := newTestSession(NewLoopback(sim))

	result, err := s.SetPreset(2000)
	if !errors.Is(err, ErrNotSecurityMode) {
		t.Fatalf("expected ErrNotSecurityMode, got %v", err)
	}
	if result != PresetFailed {
		t.Errorf("result = %d, want %d", result, PresetFailed)
	}

	want := []string{
		"KEY_PRESS", "DISPLAY_MODE",
		"KEY_PRESS", "DISPLAY_MODE",
		"KEY_PRESS", "DISPLAY_MODE",
	}
	if got := opcodes(sim.Requests()); !equalStrings(got, want) {
		t.Errorf("requests = %v, want %v", got, want)
	}
}

func TestSetPreset_ReachesSecurityOnThirdAttempt(t *testing.T) {
	sim := NewSimulator()
	sim.SetDisplayModes(emr3.DisplayVolume, 1, 2, emr3.DisplaySecurity)
	s := newTestSession(NewLoopback(sim))

	result, err := s.SetPreset(450)
	if err != nil || result != 0 {
		t.Fatalf("SetPreset = (%d, %v), want (0, nil)", result, err)
	}
	if got := len(sim.Requests()); got != 8 {
		t.Errorf("sent %d requests, want 8", got)
	}
}

func TestSetPreset_ResultCodes(t *testing.T) {
	tests := []struct {
		name          string
		reply         []byte
		result        int
		restorePress  bool
		expectFailure bool
	}{
		{"accepted", []byte{'A', 0x00}, 0, true, false},
		{"not understood", []byte{'A', 0x01}, 1, false, false},
		{"rejected", []byte{'A', 0x02}, 2, false, false},
		{"not an ack, zero code", []byte{'X', 0x00}, PresetFailed, true, false},
		{"not an ack", []byte{'X', 0x02}, PresetFailed, false, false},
		{"too short", []byte{'A'}, PresetFailed, false, true},
		{"no answer", nil, PresetFailed, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meter := &scriptedMeter{answer: func(p []byte) []byte {
				switch emr3.FormatOpcode(p) {
				case "DISPLAY_MODE":
					return emr3.DisplayModeReply(emr3.DisplaySecurity)
				case "SET_PRESET":
					return tt.reply
				}
				return emr3.AckReply(emr3.AckOK)
			}}
			s := newTestSession(NewLoopback(meter))

			result, err := s.SetPreset(100)
			if (err != nil) != tt.expectFailure {
				t.Fatalf("err = %v, expectFailure %t", err, tt.expectFailure)
			}
			if result != tt.result {
				t.Errorf("result = %d, want %d", result, tt.result)
			}

			want := []string{"KEY_PRESS", "DISPLAY_MODE", "SET_PRESET"}
			if tt.restorePress {
				want = append(want, "KEY_PRESS")
			}
			if got := opcodes(meter.requests); !equalStrings(got, want) {
				t.Errorf("requests = %v, want %v", got, want)
			}
		})
	}
}

func TestSetPreset_MalformedDisplayReplyAborts(t *testing.T) {
	meter := &scriptedMeter{answer: func(p []byte) []byte {
		if emr3.FormatOpcode(p) == "DISPLAY_MODE" {
			return []byte{'G', 'k'}
		}
		return emr3.AckReply(emr3.AckOK)
	}}
	s := newTestSession(NewLoopback(meter))

	result, err := s.SetPreset(100)
	var replyErr *emr3.ReplyError
	if !errors.As(err, &replyErr) || result != PresetFailed {
		t.Fatalf("SetPreset = (%d, %v), want ReplyError", result, err)
	}
	if len(meter.requests) != 2 {
		t.Errorf("sent %d requests, want 2", len(meter.requests))
	}
}
