// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bridge connects the handheld terminal's host link to an EMR3
// meter session. Every meter transaction, whether it comes from the host
// or the poller, runs under one lock.
package bridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/metermate/pkg/firmware"
	"github.com/Thermoquad/metermate/pkg/meter"
	"github.com/Thermoquad/metermate/pkg/pda"
	"github.com/sirupsen/logrus"
)

// Reported by Gv and Gf
const (
	VersionMajor = 1
	VersionMinor = 3
	Model        = "EMR3"
	Features     = "Preset,Realtime"
)

// Version is VersionMajor.VersionMinor as a number
const Version = VersionMajor + VersionMinor/10.0

// Source identifies who issued a meter request
type Source string

// Request sources
const (
	SourceHost Source = "host"
	SourcePoll Source = "poll"
	SourceAPI  Source = "api"
)

// DispatchObserver is called after every host message has been handled
type DispatchObserver func(src Source, msg pda.Message, reply pda.Reply, elapsed time.Duration)

// Options configures a Bridge
type Options struct {
	Firmware   firmware.Action
	Logger     logrus.FieldLogger
	OnDispatch DispatchObserver
}

// Bridge owns the meter session and serializes access to it
type Bridge struct {
	mu      sync.Mutex // held for the whole of every meter transaction
	session *meter.Session

	firmware   firmware.Action
	log        logrus.FieldLogger
	onDispatch DispatchObserver

	pollEnabled atomic.Bool

	stateMu sync.RWMutex
	state   Snapshot
}

// Snapshot holds the most recent value read for each polled quantity
type Snapshot struct {
	Status         meter.Status
	RealtimeLitres int
	PresetLitres   int
	TemperatureC   float32
	UpdatedAt      time.Time
}

// New creates a bridge around session
func New(session *meter.Session, opts Options) *Bridge {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	fw := opts.Firmware
	if fw == nil {
		fw = firmware.NewCommand("", log)
	}
	return &Bridge{
		session:    session,
		firmware:   fw,
		log:        log,
		onDispatch: opts.OnDispatch,
	}
}

// Session returns the meter session
func (b *Bridge) Session() *meter.Session {
	return b.session
}

// PollingEnabled reports the flag last set by Spl
func (b *Bridge) PollingEnabled() bool {
	return b.pollEnabled.Load()
}

// Snapshot returns the last values read from the meter
func (b *Bridge) Snapshot() Snapshot {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	s := b.state
	s.Status = b.session.LastStatus()
	return s
}

func (b *Bridge) update(fn func(s *Snapshot)) {
	b.stateMu.Lock()
	fn(&b.state)
	b.state.UpdatedAt = time.Now()
	b.stateMu.Unlock()
}

// waitReady blocks until the session has started
func (b *Bridge) waitReady(ctx context.Context) error {
	select {
	case <-b.session.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch handles one host message and returns the reply envelope.
//
// The message is split on commas. An unknown mnemonic gets an unknown
// reply echoing it; a known mnemonic with the wrong number of arguments
// gets the default reply. Handler failures, including panics, are turned
// into a failed reply.
func (b *Bridge) Dispatch(ctx context.Context, src Source, text string) pda.Reply {
	start := time.Now()
	msg := pda.ParseMessage(text)

	if err := b.waitReady(ctx); err != nil {
		return pda.FailedReply(msg.Command)
	}

	b.mu.Lock()
	reply := b.dispatchLocked(ctx, msg)
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{
		"source":  src,
		"command": msg.Command,
		"result":  reply.Result,
	}).Debug("dispatched")

	if b.onDispatch != nil {
		b.onDispatch(src, msg, reply, time.Since(start))
	}
	return reply
}

func (b *Bridge) dispatchLocked(ctx context.Context, msg pda.Message) (reply pda.Reply) {
	cmd, ok := commands[msg.Command]
	if !ok {
		return pda.UnknownReply(msg.Command)
	}
	if len(msg.Args) != cmd.arity {
		return pda.DefaultReply()
	}

	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"command": msg.Command,
				"panic":   fmt.Sprint(r),
			}).Errorf("handler panicked\n%s", debug.Stack())
			reply = pda.FailedReply(msg.Command)
		}
	}()

	return cmd.handle(ctx, b, msg.Command, msg.Args)
}
