// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
)

// Query is a read-only meter request issued by the poller
type Query int

// Poll queries
const (
	QueryRealtime Query = iota
	QueryStatus
	QueryPreset
	QueryTemperature
)

func (q Query) String() string {
	switch q {
	case QueryRealtime:
		return "realtime"
	case QueryStatus:
		return "status"
	case QueryPreset:
		return "preset"
	case QueryTemperature:
		return "temperature"
	default:
		return fmt.Sprintf("query(%d)", int(q))
	}
}

// rotation is the secondary query sequence, one per tick
var rotation = [...]Query{QueryStatus, QueryPreset, QueryTemperature}

// Query runs q under the transaction lock. The value read only updates the
// bridge snapshot. A panic inside the query is logged and returned as an
// error.
func (b *Bridge) Query(ctx context.Context, q Query) (err error) {
	if err := b.waitReady(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"query": q,
				"panic": fmt.Sprint(r),
			}).Errorf("poll query panicked\n%s", debug.Stack())
			err = fmt.Errorf("%s query panicked: %v", q, r)
		}
	}()

	switch q {
	case QueryRealtime:
		litres, err := b.session.RealtimeLitres()
		if err != nil {
			return err
		}
		b.update(func(s *Snapshot) { s.RealtimeLitres = litres })

	case QueryStatus:
		if _, err := b.session.Status(); err != nil {
			return err
		}

	case QueryPreset:
		litres, err := b.session.PresetLitres()
		if err != nil {
			return err
		}
		b.update(func(s *Snapshot) { s.PresetLitres = litres })

	case QueryTemperature:
		c, err := b.session.Temperature()
		if err != nil {
			return err
		}
		b.update(func(s *Snapshot) { s.TemperatureC = c })

	default:
		return fmt.Errorf("unknown poll query %d", int(q))
	}
	return nil
}

// Querier runs poll queries
type Querier interface {
	Query(ctx context.Context, q Query) error
}

// PollObserver is told the outcome of every poll query
type PollObserver func(q Query, err error)

// Poller keeps the meter's counters fresh: every tick it reads the
// realtime volume, followed by the next of status, preset and temperature.
type Poller struct {
	querier  Querier
	interval time.Duration
	log      logrus.FieldLogger
	observe  PollObserver

	idx int
}

// NewPoller creates a poller ticking every interval
func NewPoller(q Querier, interval time.Duration, log logrus.FieldLogger) *Poller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Poller{querier: q, interval: interval, log: log}
}

// SetObserver registers fn to see every poll result
func (p *Poller) SetObserver(fn PollObserver) {
	p.observe = fn
}

// Tick issues one round: the realtime query, then the rotated query.
// Failures are logged and do not stop the round.
func (p *Poller) Tick(ctx context.Context) {
	p.run(ctx, QueryRealtime)
	p.run(ctx, rotation[p.idx])

	p.idx++
	if p.idx == len(rotation) {
		p.idx = 0
	}
}

func (p *Poller) run(ctx context.Context, q Query) {
	err := p.querier.Query(ctx, q)
	if err != nil && ctx.Err() == nil {
		p.log.WithError(err).WithField("query", q).Debug("poll failed")
	}
	if p.observe != nil {
		p.observe(q, err)
	}
}

// Run ticks until ctx is cancelled
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.WithField("interval", p.interval).Info("poller started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}
