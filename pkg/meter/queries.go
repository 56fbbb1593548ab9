// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package meter

import (
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/metermate/pkg/emr3"
	"github.com/sirupsen/logrus"
)

// negotiationAttempts is the number of mode presses tried before giving up
// on reaching security mode
const negotiationAttempts = 3

// PresetFailed is the result code reported when a preset was not written
// or the meter's answer was not an acknowledgement
const PresetFailed = -1

// Status is the last-known meter state
type Status struct {
	emr3.Status
	UpdatedAt time.Time // zero until the first successful status query
}

// Status queries the meter status and records it as the last-known status
func (s *Session) Status() (Status, error) {
	reply, err := s.Transact(emr3.NewStatusQuery())
	if err != nil {
		return Status{}, err
	}
	decoded, err := emr3.ParseStatus(reply)
	if err != nil {
		return Status{}, err
	}

	st := Status{Status: decoded, UpdatedAt: time.Now()}
	s.statusMu.Lock()
	s.lastStatus = st
	s.statusMu.Unlock()
	return st, nil
}

// Temperature returns the product temperature in degrees Celsius
func (s *Session) Temperature() (float32, error) {
	reply, err := s.Transact(emr3.NewTemperatureQuery())
	if err != nil {
		return 0, err
	}
	return emr3.ParseTemperature(reply)
}

// PresetLitres returns the preset volume in whole litres
func (s *Session) PresetLitres() (int, error) {
	reply, err := s.Transact(emr3.NewPresetQuery())
	if err != nil {
		return 0, err
	}
	return emr3.ParsePreset(reply)
}

// RealtimeLitres returns the volume delivered so far in whole litres
func (s *Session) RealtimeLitres() (int, error) {
	reply, err := s.Transact(emr3.NewRealtimeQuery())
	if err != nil {
		return 0, err
	}
	return emr3.ParseRealtime(reply)
}

// TransactionCount returns the number of tickets stored in the meter
func (s *Session) TransactionCount() (int16, error) {
	reply, err := s.Transact(emr3.NewTransactionCountQuery())
	if err != nil {
		return 0, err
	}
	return emr3.ParseTransactionCount(reply)
}

// Transaction reads the ticket stored at index
func (s *Session) Transaction(index uint16) (*emr3.Transaction, error) {
	reply, err := s.Transact(emr3.NewTransactionQuery(index))
	if err != nil {
		return nil, err
	}
	return emr3.ParseTransaction(reply)
}

// DisplayMode returns the mode currently shown on the meter head
func (s *Session) DisplayMode() (emr3.DisplayMode, error) {
	reply, err := s.Transact(emr3.NewDisplayModeQuery())
	if err != nil {
		return 0, err
	}
	return emr3.ParseDisplayMode(reply)
}

// PressMode presses the MODE button. The meter's answer is not checked.
func (s *Session) PressMode() error {
	_, err := s.Transact(emr3.NewModeKeyPress())
	return err
}

// SetPreset writes a new preset volume and returns the meter's result code
// (emr3.AckOK, AckNotUnderstood or AckRejected), or PresetFailed.
//
// The meter only accepts a preset in security mode. MODE is pressed and
// the display mode read back up to three times; the preset is written
// only when the last read shows security mode. After an accepted preset
// MODE is pressed once more to return the display to volume mode.
func (s *Session) SetPreset(litres float32) (int, error) {
	log := s.log.WithField("litres", litres)

	var (
		mode emr3.DisplayMode
		err  error
	)
	for attempt := 1; attempt <= negotiationAttempts; attempt++ {
		if perr := s.PressMode(); perr != nil {
			log.WithError(perr).WithField("attempt", attempt).Debug("mode press unanswered")
		}

		mode, err = s.DisplayMode()
		if err != nil {
			var replyErr *emr3.ReplyError
			if errors.As(err, &replyErr) {
				// Malformed display reply ends the negotiation
				return PresetFailed, err
			}
			log.WithError(err).WithField("attempt", attempt).Debug("display mode query failed")
			continue
		}
		if mode == emr3.DisplaySecurity {
			break
		}
	}

	if err != nil {
		return PresetFailed, fmt.Errorf("%w: %v", ErrNotSecurityMode, err)
	}
	if mode != emr3.DisplaySecurity {
		return PresetFailed, fmt.Errorf("%w: display mode 0x%02X after %d attempts",
			ErrNotSecurityMode, byte(mode), negotiationAttempts)
	}

	reply, err := s.Transact(emr3.NewSetPreset(litres))
	if err != nil {
		return PresetFailed, err
	}
	if len(reply) < 2 {
		return PresetFailed, &emr3.ReplyError{Command: "set_preset", Reply: reply, Reason: "want at least 2 bytes"}
	}

	result := PresetFailed
	if reply[0] == emr3.OpAck {
		result = int(reply[1])
	}

	// The restore press keys off the code byte alone
	if emr3.AckCode(reply[1]) == emr3.AckOK {
		if perr := s.PressMode(); perr != nil {
			log.WithError(perr).Debug("restore mode press unanswered")
		}
	}

	log.WithFields(logrus.Fields{"result": result}).Info("preset written")
	return result, nil
}
