// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pda

import "testing"

func TestReply_Marshal(t *testing.T) {
	tests := []struct {
		name  string
		reply Reply
		want  string
	}{
		{
			name:  "default fallback",
			reply: DefaultReply(),
			want:  `{"Command":"","Result":-99}`,
		},
		{
			name:  "unknown",
			reply: UnknownReply("Xx"),
			want:  `{"Command":"Xx","Result":-99}`,
		},
		{
			name:  "failed status",
			reply: FailedReply(CmdStatus),
			want:  `{"Command":"Gs","Result":-1}`,
		},
		{
			name:  "hello",
			reply: HelloReply(),
			want:  `{"Command":"AP","Result":0}`,
		},
		{
			name:  "version",
			reply: Reply{Command: CmdVersion, VersionBody: &VersionBody{Version: 1.3, Model: "EMR3"}},
			want:  `{"Command":"Gv","Result":0,"Version":1.3,"Model":"EMR3"}`,
		},
		{
			name:  "status",
			reply: Reply{Command: CmdStatus, StatusBody: &StatusBody{InDeliveryMode: true, ProductFlowing: true}},
			want:  `{"Command":"Gs","Result":0,"InDeliveryMode":true,"ProductFlowing":true,"Error":false,"InCalibration":false}`,
		},
		{
			name:  "temperature has one decimal",
			reply: Reply{Command: CmdTemperature, TemperatureBody: &TemperatureBody{Temp: 15}},
			want:  `{"Command":"Gt","Result":0,"Temp":15.0}`,
		},
		{
			name:  "volume",
			reply: Reply{Command: CmdRealtime, VolumeBody: &VolumeBody{Litres: 1234}},
			want:  `{"Command":"Grl","Result":0,"Litres":1234}`,
		},
		{
			name:  "set preset result",
			reply: Reply{Command: CmdSetPreset, Result: 2},
			want:  `{"Command":"Sp","Result":2}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.reply.Marshal()
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("Marshal = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestDecimal1(t *testing.T) {
	tests := []struct {
		in   Decimal1
		want string
	}{
		{0, "0.0"},
		{21.111111, "21.1"},
		{-17.78, "-17.8"},
		{100, "100.0"},
	}

	for _, tt := range tests {
		data, err := tt.in.MarshalJSON()
		if err != nil {
			t.Fatalf("MarshalJSON failed: %v", err)
		}
		if string(data) != tt.want {
			t.Errorf("Decimal1(%v) = %s, want %s", float64(tt.in), data, tt.want)
		}
	}
}

func TestParseReply(t *testing.T) {
	r, err := ParseReply(`{"Command":"Gtr","Result":0,"TicketNo":42,"ProductDesc":"DIESEL","temperature":15.0,"flags":3}`)
	if err != nil {
		t.Fatalf("ParseReply failed: %v", err)
	}
	if r.Command != CmdTransaction || r.Result != ResultOK {
		t.Errorf("envelope = (%q, %d)", r.Command, r.Result)
	}
	if r.TransactionBody == nil {
		t.Fatal("expected transaction body")
	}
	if r.TicketNo != 42 || r.ProductDesc != "DIESEL" || r.Flags != 3 {
		t.Errorf("body = %+v", *r.TransactionBody)
	}
	if r.StatusBody != nil {
		t.Error("unexpected status body")
	}

	if _, err := ParseReply("not json"); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
