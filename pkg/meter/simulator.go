// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package meter

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/Thermoquad/metermate/pkg/emr3"
)

// Simulator answers EMR3 requests the way a meter head does. It backs the
// simulate command and the package tests.
type Simulator struct {
	mu sync.Mutex

	status       byte
	temperatureF float32
	preset       float32
	realtime     float64
	flowRate     float64 // litres per second while flowing
	transactions []*emr3.Transaction

	modes   []emr3.DisplayMode
	modeIdx int

	silent   bool
	requests [][]byte
	ticket   uint32
}

// NewSimulator creates an idle meter at 15°C whose MODE button toggles
// between volume and security display.
func NewSimulator() *Simulator {
	return &Simulator{
		status:       emr3.StatusIdle,
		temperatureF: 59,
		flowRate:     5,
		modes:        []emr3.DisplayMode{emr3.DisplayVolume, emr3.DisplaySecurity},
		ticket:       1000,
	}
}

// SetStatus sets the raw status byte
func (m *Simulator) SetStatus(b byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = b
}

// SetTemperature sets the product temperature in Fahrenheit
func (m *Simulator) SetTemperature(fahrenheit float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.temperatureF = fahrenheit
}

// SetRealtime sets the delivered volume
func (m *Simulator) SetRealtime(litres float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realtime = litres
}

// SetFlowRate sets the litres per second added by Advance while flowing
func (m *Simulator) SetFlowRate(rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flowRate = rate
}

// SetDisplayModes sets the display modes the MODE button cycles through,
// starting from the first
func (m *Simulator) SetDisplayModes(modes ...emr3.DisplayMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes = modes
	m.modeIdx = 0
}

// SetSilent makes the simulator ignore every request
func (m *Simulator) SetSilent(silent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silent = silent
}

// AddTransaction stores a ticket
func (m *Simulator) AddTransaction(t *emr3.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions = append(m.transactions, t)
}

// Preset returns the preset volume last accepted
func (m *Simulator) Preset() float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preset
}

// DisplayMode returns the mode currently shown
func (m *Simulator) DisplayMode() emr3.DisplayMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentMode()
}

// Requests returns copies of every request payload received
func (m *Simulator) Requests() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.requests))
	for i, r := range m.requests {
		out[i] = append([]byte(nil), r...)
	}
	return out
}

// StartDelivery resets the realtime volume and starts product flowing
func (m *Simulator) StartDelivery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realtime = 0
	m.status = emr3.StatusDeliveryFlowing
}

// Advance moves a running delivery forward by dt. Flow stops when the
// preset is reached and the delivery is stored as a ticket.
func (m *Simulator) Advance(dt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status&emr3.StatusDeliveryFlowing == 0 {
		return
	}
	m.realtime += m.flowRate * dt.Seconds()
	if m.preset > 0 && m.realtime >= float64(m.preset) {
		m.realtime = float64(m.preset)
		m.status = emr3.StatusDeliveryStopped
		m.recordDelivery()
	}
}

func (m *Simulator) recordDelivery() {
	now := time.Now()
	ts := emr3.Timestamp{
		Year: now.Year(), Month: int(now.Month()), Day: now.Day(),
		Hour: now.Hour(), Minute: now.Minute(), Second: now.Second(),
	}
	m.ticket++
	m.transactions = append(m.transactions, &emr3.Transaction{
		TicketNo:    m.ticket,
		TranType:    1,
		Index:       uint8(len(m.transactions)),
		ProductID:   1,
		ProductDesc: "DIESEL",
		Start:       ts,
		Finish:      ts,
		GrossVolume: m.realtime,
		Volume:      m.realtime,
		Temperature: emr3.FahrenheitToCelsius(m.temperatureF),
	})
}

func (m *Simulator) currentMode() emr3.DisplayMode {
	if len(m.modes) == 0 {
		return emr3.DisplayVolume
	}
	return m.modes[m.modeIdx]
}

// Handle answers one request payload. It returns nil when the simulator
// is silent.
func (m *Simulator) Handle(payload []byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, append([]byte(nil), payload...))
	if m.silent {
		return nil
	}
	if len(payload) < 2 {
		return emr3.AckReply(emr3.AckNotUnderstood)
	}

	switch [2]byte{payload[0], payload[1]} {
	case [2]byte{emr3.OpStatus, emr3.SubStatus}:
		return emr3.StatusReply(m.status)

	case [2]byte{emr3.OpGet, emr3.SubTemperature}:
		return emr3.TemperatureReply(m.temperatureF)

	case [2]byte{emr3.OpGet, emr3.SubPreset}:
		return emr3.PresetReply(m.preset)

	case [2]byte{emr3.OpGet, emr3.SubRealtime}:
		return emr3.RealtimeReply(m.realtime)

	case [2]byte{emr3.OpGet, emr3.SubDisplayMode}:
		return emr3.DisplayModeReply(m.currentMode())

	case [2]byte{emr3.OpSet, emr3.SubKey}:
		if len(m.modes) > 0 {
			m.modeIdx = (m.modeIdx + 1) % len(m.modes)
		}
		return emr3.AckReply(emr3.AckOK)

	case [2]byte{emr3.OpSet, emr3.SubPreset}:
		if len(payload) < 6 {
			return emr3.AckReply(emr3.AckNotUnderstood)
		}
		if m.currentMode() != emr3.DisplaySecurity {
			return emr3.AckReply(emr3.AckRejected)
		}
		m.preset = math.Float32frombits(binary.LittleEndian.Uint32(payload[2:]))
		return emr3.AckReply(emr3.AckOK)

	case [2]byte{emr3.OpHistory, emr3.SubTransactionCount}:
		return emr3.TransactionCountReply(int16(len(m.transactions)))

	case [2]byte{emr3.OpHistory, emr3.SubTransaction}:
		if len(payload) < 4 {
			return emr3.AckReply(emr3.AckNotUnderstood)
		}
		index := int(binary.LittleEndian.Uint16(payload[2:]))
		if index >= len(m.transactions) {
			return emr3.AckReply(emr3.AckRejected)
		}
		return emr3.EncodeTransaction(m.transactions[index])
	}

	return emr3.AckReply(emr3.AckNotUnderstood)
}

// HandleFrame answers one raw request frame with a raw reply frame
// addressed back to the bridge
func (m *Simulator) HandleFrame(raw []byte) []byte {
	payload, err := emr3.Decode(raw)
	if err != nil {
		return nil
	}
	reply := m.Handle(payload)
	if reply == nil {
		return nil
	}
	return emr3.EncodeFrame(emr3.Source, emr3.Destination, reply)
}

// Serve answers requests arriving on rw until ctx is cancelled or rw
// reaches end of stream. rw is expected to return from Read periodically
// (a serial port read timeout) so cancellation is noticed.
func (m *Simulator) Serve(ctx context.Context, rw io.ReadWriter) error {
	reader := emr3.NewFrameReader()
	buf := make([]byte, 256)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := rw.Read(buf)
		frames, _ := reader.Feed(buf[:n])
		for _, frame := range frames {
			if reply := m.HandleFrame(frame); reply != nil {
				if _, werr := rw.Write(reply); werr != nil {
					return werr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// FrameHandler answers a raw request frame with a raw reply frame, or nil
type FrameHandler interface {
	HandleFrame(raw []byte) []byte
}

// Loopback is an in-memory Transport wired straight to a frame handler,
// usually a Simulator. Reads return whatever replies are queued, or
// nothing, which the session treats as a timeout.
type Loopback struct {
	handler FrameHandler
	reader  *emr3.FrameReader
	mu      sync.Mutex
	pending []byte
}

// NewLoopback creates a transport whose requests are answered by h
func NewLoopback(h FrameHandler) *Loopback {
	return &Loopback{handler: h, reader: emr3.NewFrameReader()}
}

// Write hands complete request frames to the simulator
func (l *Loopback) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	frames, _ := l.reader.Feed(p)
	for _, frame := range frames {
		l.pending = append(l.pending, l.handler.HandleFrame(frame)...)
	}
	return len(p), nil
}

// Read returns queued reply bytes
func (l *Loopback) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := copy(p, l.pending)
	l.pending = l.pending[n:]
	return n, nil
}
