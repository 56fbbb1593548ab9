// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package meter

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/Thermoquad/metermate/pkg/emr3"
)

func TestSimulator_UnknownRequest(t *testing.T) {
	sim := NewSimulator()
	tests := [][]byte{
		{'Q'},
		{'Q', 'q'},
		{emr3.OpSet, emr3.SubPreset, 0x00},
	}
	for _, req := range tests {
		if got := sim.Handle(req); !bytes.Equal(got, emr3.AckReply(emr3.AckNotUnderstood)) {
			t.Errorf("Handle(% X) = % X, want not-understood ack", req, got)
		}
	}
}

func TestSimulator_PresetRejectedOutsideSecurityMode(t *testing.T) {
	sim := NewSimulator()
	got := sim.Handle(emr3.NewSetPreset(100).Payload)
	if !bytes.Equal(got, emr3.AckReply(emr3.AckRejected)) {
		t.Errorf("reply = % X, want rejected ack", got)
	}
	if sim.Preset() != 0 {
		t.Errorf("preset changed to %v", sim.Preset())
	}
}

func TestSimulator_Delivery(t *testing.T) {
	sim := NewSimulator()
	sim.SetDisplayModes(emr3.DisplaySecurity)
	sim.Handle(emr3.NewSetPreset(20).Payload)
	sim.SetFlowRate(10)

	sim.StartDelivery()
	sim.Advance(time.Second)

	status, _ := emr3.ParseStatus(sim.Handle(emr3.NewStatusQuery().Payload))
	if !status.InDeliveryMode || !status.ProductFlowing {
		t.Errorf("status mid delivery = %+v", status)
	}
	if l, _ := emr3.ParseRealtime(sim.Handle(emr3.NewRealtimeQuery().Payload)); l != 10 {
		t.Errorf("realtime = %d, want 10", l)
	}

	sim.Advance(5 * time.Second)

	status, _ = emr3.ParseStatus(sim.Handle(emr3.NewStatusQuery().Payload))
	if !status.InDeliveryMode || status.ProductFlowing {
		t.Errorf("status after preset reached = %+v", status)
	}
	if l, _ := emr3.ParseRealtime(sim.Handle(emr3.NewRealtimeQuery().Payload)); l != 20 {
		t.Errorf("realtime = %d, want 20", l)
	}

	count, _ := emr3.ParseTransactionCount(sim.Handle(emr3.NewTransactionCountQuery().Payload))
	if count != 1 {
		t.Fatalf("transaction count = %d, want 1", count)
	}
	tran, err := emr3.ParseTransaction(sim.Handle(emr3.NewTransactionQuery(0).Payload))
	if err != nil {
		t.Fatalf("ParseTransaction failed: %v", err)
	}
	if tran.Volume != 20 || tran.ProductDesc != "DIESEL" {
		t.Errorf("ticket = %+v", tran)
	}

	if got := sim.Handle(emr3.NewTransactionQuery(5).Payload); !bytes.Equal(got, emr3.AckReply(emr3.AckRejected)) {
		t.Errorf("out of range ticket reply = % X", got)
	}
}

func TestSimulator_Serve(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	sim := NewSimulator()
	done := make(chan error, 1)
	go func() { done <- sim.Serve(context.Background(), server) }()

	if _, err := client.Write(emr3.Encode(emr3.NewDisplayModeQuery().Payload)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	reader := emr3.NewFrameReader()
	buf := make([]byte, 64)
	var frame []byte
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for frame == nil {
		n, err := client.Read(buf)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		for _, b := range buf[:n] {
			if f, _ := reader.DecodeByte(b); f != nil {
				frame = f
			}
		}
	}

	if frame[1] != emr3.Source || frame[2] != emr3.Destination {
		t.Errorf("reply addressed dst=0x%02X src=0x%02X", frame[1], frame[2])
	}
	payload, err := emr3.Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(payload, emr3.DisplayModeReply(emr3.DisplayVolume)) {
		t.Errorf("reply = % X", payload)
	}

	client.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after close")
	}
}
