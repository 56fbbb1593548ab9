// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Thermoquad/metermate/pkg/emr3"
	"github.com/Thermoquad/metermate/pkg/meter"
	"github.com/Thermoquad/metermate/pkg/pda"
	"github.com/sirupsen/logrus/hooks/test"
)

func newTestBridge(t *testing.T, tr meter.Transport, opts Options) *Bridge {
	t.Helper()
	logger, _ := test.NewNullLogger()
	if opts.Logger == nil {
		opts.Logger = logger
	}
	session := meter.NewSession(tr, logger)
	session.Start()
	return New(session, opts)
}

func replyJSON(t *testing.T, r pda.Reply) string {
	t.Helper()
	data, err := r.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return string(data)
}

// ============================================================
// Dispatch Tests
// ============================================================

func TestDispatch(t *testing.T) {
	sim := meter.NewSimulator()
	sim.SetStatus(emr3.StatusDeliveryFlowing)
	sim.SetTemperature(59)
	sim.SetRealtime(1234.9)
	b := newTestBridge(t, meter.NewLoopback(sim), Options{})

	tests := []struct {
		text string
		want string
	}{
		{"Gv", `{"Command":"Gv","Result":0,"Version":1.3,"Model":"EMR3"}`},
		{"Gf", `{"Command":"Gf","Result":0,"Features":"Preset,Realtime"}`},
		{"NOP", `{"Command":"NOP","Result":0}`},
		{"Gs", `{"Command":"Gs","Result":0,"InDeliveryMode":true,"ProductFlowing":true,"Error":false,"InCalibration":false}`},
		{"Gt", `{"Command":"Gt","Result":0,"Temp":15.0}`},
		{"Gpl", `{"Command":"Gpl","Result":0,"Litres":0}`},
		{"Grl", `{"Command":"Grl","Result":0,"Litres":1234}`},
		{"Gtc", `{"Command":"Gtc","Result":0,"TranCount":0}`},
		{"Spl,1", `{"Command":"Spl","Result":0}`},

		// Unknown mnemonics echo the token
		{"Xyz", `{"Command":"Xyz","Result":-99}`},
		{"gs", `{"Command":"gs","Result":-99}`},
		{"", `{"Command":"","Result":-99}`},

		// Wrong arity falls back to the default envelope
		{"Gs,1", `{"Command":"","Result":-99}`},
		{"Gtr", `{"Command":"","Result":-99}`},
		{"Sp", `{"Command":"","Result":-99}`},
		{"Spl,1,2", `{"Command":"","Result":-99}`},

		// Bad Gtr index
		{"Gtr,abc", `{"Command":"Gtr","Result":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := replyJSON(t, b.Dispatch(context.Background(), SourceHost, tt.text))
			if got != tt.want {
				t.Errorf("Dispatch(%q) = %s, want %s", tt.text, got, tt.want)
			}
		})
	}

	if !b.PollingEnabled() {
		t.Error("Spl,1 did not set the polling flag")
	}
	b.Dispatch(context.Background(), SourceHost, "Spl,0")
	if b.PollingEnabled() {
		t.Error("Spl,0 did not clear the polling flag")
	}
}

func TestDispatch_NoMeter(t *testing.T) {
	sim := meter.NewSimulator()
	sim.SetSilent(true)
	b := newTestBridge(t, meter.NewLoopback(sim), Options{})

	for _, cmd := range []string{"Gs", "Gt", "Gpl", "Grl", "Gtc", "Gtr,0", "Sp,100"} {
		reply := b.Dispatch(context.Background(), SourceHost, cmd)
		want := `{"Command":"` + pda.ParseMessage(cmd).Command + `","Result":-1}`
		if got := replyJSON(t, reply); got != want {
			t.Errorf("Dispatch(%q) = %s, want %s", cmd, got, want)
		}
	}
}

func TestDispatch_SetPreset(t *testing.T) {
	sim := meter.NewSimulator()
	b := newTestBridge(t, meter.NewLoopback(sim), Options{})

	got := replyJSON(t, b.Dispatch(context.Background(), SourceHost, "Sp,2000"))
	if got != `{"Command":"Sp","Result":0}` {
		t.Fatalf("Sp,2000 = %s", got)
	}
	if sim.Preset() != 2000 {
		t.Errorf("preset = %v, want 2000", sim.Preset())
	}

	// The restore press is the last request and is sent exactly once
	requests := sim.Requests()
	last := requests[len(requests)-1]
	if emr3.FormatOpcode(last) != "KEY_PRESS" || emr3.FormatOpcode(requests[len(requests)-2]) != "SET_PRESET" {
		t.Errorf("unexpected request tail: % X", requests[len(requests)-2:])
	}
}

func TestDispatch_SetPresetInvalidValue(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"fraction", "12.5"},
		{"not a number", "abc"},
		{"beyond int32", "3000000000"},
		{"below int32", "-2147483649"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := meter.NewSimulator()
			b := newTestBridge(t, meter.NewLoopback(sim), Options{})

			got := replyJSON(t, b.Dispatch(context.Background(), SourceHost, "Sp,"+tt.value))
			if got != `{"Command":"Sp","Result":0}` {
				t.Fatalf("Sp,%s = %s", tt.value, got)
			}

			var writes int
			for _, r := range sim.Requests() {
				if emr3.FormatOpcode(r) != "SET_PRESET" {
					continue
				}
				writes++
				if want := emr3.NewSetPreset(0).Payload; string(r) != string(want) {
					t.Errorf("preset write = % X, want % X", r, want)
				}
			}
			if writes != 1 {
				t.Errorf("preset written %d times, want 1", writes)
			}
		})
	}
}

func TestDispatch_TransactionInvalidIndex(t *testing.T) {
	sim := meter.NewSimulator()
	logger, hook := test.NewNullLogger()
	b := newTestBridge(t, meter.NewLoopback(sim), Options{Logger: logger})

	got := replyJSON(t, b.Dispatch(context.Background(), SourceHost, "Gtr,first"))
	if got != `{"Command":"Gtr","Result":-1}` {
		t.Fatalf("Gtr,first = %s", got)
	}
	if len(sim.Requests()) != 0 {
		t.Errorf("meter saw %d requests, want none", len(sim.Requests()))
	}

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Message == "meter request failed" {
			t.Errorf("bad index logged as a meter failure")
		}
		if e.Message == "invalid argument" && e.Data["argument"] == "first" {
			found = true
		}
	}
	if !found {
		t.Error("invalid argument not logged")
	}
}

func TestDispatch_Transaction(t *testing.T) {
	sim := meter.NewSimulator()
	tran := &emr3.Transaction{
		TicketNo:    42,
		ProductDesc: "DIESEL",
		Start:       emr3.Timestamp{Year: 2013, Month: 1, Day: 17, Hour: 9, Minute: 5, Second: 30},
		Finish:      emr3.Timestamp{Year: 2013, Month: 1, Day: 17, Hour: 9, Minute: 12, Second: 2},
		Volume:      1000,
		Temperature: 15,
	}
	sim.AddTransaction(tran)
	b := newTestBridge(t, meter.NewLoopback(sim), Options{})

	reply := b.Dispatch(context.Background(), SourceHost, "Gtr,0")
	if reply.Result != pda.ResultOK || reply.TransactionBody == nil {
		t.Fatalf("Gtr,0 = %s", replyJSON(t, reply))
	}
	if reply.TicketNo != 42 || reply.ProductDesc != "DIESEL" {
		t.Errorf("body = %+v", *reply.TransactionBody)
	}
	if reply.Start != "17/1/2013 9:5:30" || reply.Finish != "17/1/2013 9:12:2" {
		t.Errorf("timestamps = %q, %q", reply.Start, reply.Finish)
	}

	if got := b.Dispatch(context.Background(), SourceHost, "Gtr,3"); got.Result != pda.ResultFailed {
		t.Errorf("Gtr,3 result = %d, want -1", got.Result)
	}
}

type panickingFirmware struct{}

func (panickingFirmware) EnterBootloader(context.Context) error { panic("flash locked") }

type recordingFirmware struct{ calls int }

func (f *recordingFirmware) EnterBootloader(context.Context) error {
	f.calls++
	return errors.New("no bootloader")
}

func TestDispatch_Bootloader(t *testing.T) {
	fw := &recordingFirmware{}
	b := newTestBridge(t, meter.NewLoopback(meter.NewSimulator()), Options{Firmware: fw})

	got := replyJSON(t, b.Dispatch(context.Background(), SourceHost, "BL"))
	if got != `{"Command":"","Result":-99}` {
		t.Errorf("BL = %s", got)
	}
	if fw.calls != 1 {
		t.Errorf("firmware action called %d times, want 1", fw.calls)
	}
}

func TestDispatch_RecoversPanic(t *testing.T) {
	b := newTestBridge(t, meter.NewLoopback(meter.NewSimulator()), Options{Firmware: panickingFirmware{}})

	got := replyJSON(t, b.Dispatch(context.Background(), SourceHost, "BL"))
	if got != `{"Command":"BL","Result":-1}` {
		t.Errorf("BL = %s", got)
	}

	// The lock was released
	if got := replyJSON(t, b.Dispatch(context.Background(), SourceHost, "NOP")); got != `{"Command":"NOP","Result":0}` {
		t.Errorf("NOP after panic = %s", got)
	}
}

func TestDispatch_WaitsForReady(t *testing.T) {
	logger, _ := test.NewNullLogger()
	session := meter.NewSession(meter.NewLoopback(meter.NewSimulator()), logger)
	b := New(session, Options{Logger: logger})

	done := make(chan pda.Reply, 1)
	go func() { done <- b.Dispatch(context.Background(), SourceHost, "NOP") }()

	select {
	case <-done:
		t.Fatal("dispatch ran before the session started")
	case <-time.After(50 * time.Millisecond):
	}

	session.Start()
	select {
	case r := <-done:
		if r.Result != pda.ResultOK {
			t.Errorf("NOP result = %d", r.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("dispatch did not run after Start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	unstarted := New(meter.NewSession(meter.NewLoopback(meter.NewSimulator()), logger), Options{Logger: logger})
	if r := unstarted.Dispatch(ctx, SourceHost, "Gs"); r.Result != pda.ResultFailed {
		t.Errorf("cancelled dispatch result = %d, want -1", r.Result)
	}
}

func TestDispatch_Observer(t *testing.T) {
	var seen []string
	b := newTestBridge(t, meter.NewLoopback(meter.NewSimulator()), Options{
		OnDispatch: func(src Source, msg pda.Message, reply pda.Reply, _ time.Duration) {
			seen = append(seen, string(src)+":"+msg.Command)
		},
	})

	b.Dispatch(context.Background(), SourceHost, "NOP")
	b.Dispatch(context.Background(), SourceAPI, "Gv")

	if len(seen) != 2 || seen[0] != "host:NOP" || seen[1] != "api:Gv" {
		t.Errorf("observed %v", seen)
	}
}

// ============================================================
// Transaction Lock Tests
// ============================================================

// exclusiveTransport fails the test if two exchanges overlap
type exclusiveTransport struct {
	t        *testing.T
	inner    *meter.Loopback
	inFlight atomic.Bool
	overlaps atomic.Int32
}

func (e *exclusiveTransport) Write(p []byte) (int, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.overlaps.Add(1)
	}
	time.Sleep(100 * time.Microsecond)
	return e.inner.Write(p)
}

func (e *exclusiveTransport) Read(p []byte) (int, error) {
	n, err := e.inner.Read(p)
	e.inFlight.Store(false)
	return n, err
}

func TestTransactionLock_SerializesHostAndPoller(t *testing.T) {
	tr := &exclusiveTransport{t: t, inner: meter.NewLoopback(meter.NewSimulator())}
	b := newTestBridge(t, tr, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			b.Dispatch(ctx, SourceHost, "Sp,100")
		}
	}()
	go func() {
		defer wg.Done()
		p := NewPoller(b, time.Millisecond, nil)
		for i := 0; i < 100; i++ {
			p.Tick(ctx)
		}
	}()
	wg.Wait()

	if n := tr.overlaps.Load(); n != 0 {
		t.Errorf("%d overlapping meter exchanges", n)
	}
}

// ============================================================
// Host Link Tests
// ============================================================

func TestServeHost(t *testing.T) {
	b := newTestBridge(t, meter.NewLoopback(meter.NewSimulator()), Options{})

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- b.ServeHost(context.Background(), server) }()

	framer := pda.NewFramer()
	readMessage := func() string {
		t.Helper()
		buf := make([]byte, 1)
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, err := client.Read(buf); err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if msg, ok := framer.Feed(buf[0]); ok {
				return msg
			}
		}
	}

	if hello := readMessage(); hello != `{"Command":"AP","Result":0}` {
		t.Fatalf("hello = %s", hello)
	}

	// Noise, a restarted message, then one message split across writes
	for _, chunk := range []string{"zz\x02Gt", "\x02N", "O", "P\x03"} {
		if _, err := client.Write([]byte(chunk)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	if got := readMessage(); got != `{"Command":"NOP","Result":0}` {
		t.Errorf("reply = %s", got)
	}

	client.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeHost returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeHost did not return after close")
	}
}
