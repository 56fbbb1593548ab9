// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package indicator drives the bridge's status light.
package indicator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// State is what the light shows
type State int32

// Light states
const (
	Off State = iota
	FlashingData
	FlashingError
	On
)

func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case FlashingData:
		return "flashing_data"
	case FlashingError:
		return "flashing_error"
	case On:
		return "on"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Output switches the physical light
type Output interface {
	Set(on bool)
}

// step returns the next light level for state and how long to hold it
func step(state State, lit bool) (bool, time.Duration) {
	switch state {
	case FlashingData:
		return !lit, 500 * time.Millisecond
	case FlashingError:
		return !lit, 50 * time.Millisecond
	case On:
		return true, time.Second
	default:
		return false, time.Second
	}
}

// Blinker runs the light pattern for the current state
type Blinker struct {
	out   Output
	state atomic.Int32
	wake  chan struct{}
}

// NewBlinker creates a blinker that starts Off
func NewBlinker(out Output) *Blinker {
	return &Blinker{out: out, wake: make(chan struct{}, 1)}
}

// SetState changes the pattern. The new pattern starts immediately.
func (b *Blinker) SetState(s State) {
	if State(b.state.Swap(int32(s))) == s {
		return
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// State returns the current pattern
func (b *Blinker) State() State {
	return State(b.state.Load())
}

// Run drives the output until ctx is cancelled, then switches it off
func (b *Blinker) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	lit := false
	for {
		var hold time.Duration
		lit, hold = step(b.State(), lit)
		b.out.Set(lit)
		timer.Reset(hold)

		select {
		case <-ctx.Done():
			b.out.Set(false)
			return
		case <-b.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
	}
}

// LogOutput reports light changes through a logger, for hosts without a
// controllable light
type LogOutput struct {
	Log logrus.FieldLogger

	mu    sync.Mutex
	lit   bool
	known bool
}

// Set logs the level when it changes
func (o *LogOutput) Set(on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.known && o.lit == on {
		return
	}
	o.lit, o.known = on, true
	o.Log.WithField("lit", on).Trace("indicator")
}
