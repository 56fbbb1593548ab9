// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package meter

import (
	"time"

	"github.com/Thermoquad/metermate/pkg/emr3"
)

// Exchange describes one completed meter transaction
type Exchange struct {
	Command  emr3.Command
	Request  []byte // encoded request frame
	Response []byte // raw reply frame, nil when nothing arrived
	Reply    []byte // decoded reply payload
	Err      error
	Started  time.Time
	Duration time.Duration
}

// Observer is notified after every transaction, successful or not.
// Observers run on the caller's goroutine while the transaction lock is
// held and must not call back into the session.
type Observer interface {
	ObserveTransaction(ex Exchange)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(ex Exchange)

// ObserveTransaction calls f(ex)
func (f ObserverFunc) ObserveTransaction(ex Exchange) {
	f(ex)
}
