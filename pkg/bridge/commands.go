// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"context"
	"strconv"

	"github.com/Thermoquad/metermate/pkg/pda"
	"github.com/sirupsen/logrus"
)

type handlerFunc func(ctx context.Context, b *Bridge, name string, args []string) pda.Reply

type command struct {
	arity  int
	handle handlerFunc
}

// commands maps host mnemonics to their handlers
var commands = map[string]command{
	pda.CmdBootloader:       {0, handleBootloader},
	pda.CmdVersion:          {0, handleVersion},
	pda.CmdFeatures:         {0, handleFeatures},
	pda.CmdTemperature:      {0, handleTemperature},
	pda.CmdStatus:           {0, handleStatus},
	pda.CmdPreset:           {0, handlePreset},
	pda.CmdRealtime:         {0, handleRealtime},
	pda.CmdTransactionCount: {0, handleTransactionCount},
	pda.CmdTransaction:      {1, handleTransaction},
	pda.CmdSetPolling:       {1, handleSetPolling},
	pda.CmdSetPreset:        {1, handleSetPreset},
	pda.CmdNOP:              {0, handleNOP},
}

// Arity returns the argument count of a mnemonic and whether it is known
func Arity(mnemonic string) (int, bool) {
	cmd, ok := commands[mnemonic]
	return cmd.arity, ok
}

func (b *Bridge) failed(name string, err error) pda.Reply {
	b.log.WithError(err).WithField("command", name).Warn("meter request failed")
	return pda.FailedReply(name)
}

func (b *Bridge) invalid(name, arg string, err error) pda.Reply {
	b.log.WithError(err).WithFields(logrus.Fields{
		"command":  name,
		"argument": arg,
	}).Warn("invalid argument")
	return pda.FailedReply(name)
}

// handleBootloader hands over to the firmware updater. The reply is the
// default envelope.
func handleBootloader(ctx context.Context, b *Bridge, name string, _ []string) pda.Reply {
	if err := b.firmware.EnterBootloader(ctx); err != nil {
		b.log.WithError(err).Error("failed to enter bootloader")
	}
	return pda.DefaultReply()
}

func handleVersion(_ context.Context, _ *Bridge, name string, _ []string) pda.Reply {
	r := pda.OKReply(name)
	r.VersionBody = &pda.VersionBody{Version: Version, Model: Model}
	return r
}

func handleFeatures(_ context.Context, _ *Bridge, name string, _ []string) pda.Reply {
	r := pda.OKReply(name)
	r.FeaturesBody = &pda.FeaturesBody{Features: Features}
	return r
}

func handleTemperature(_ context.Context, b *Bridge, name string, _ []string) pda.Reply {
	c, err := b.session.Temperature()
	if err != nil {
		return b.failed(name, err)
	}
	b.update(func(s *Snapshot) { s.TemperatureC = c })

	r := pda.OKReply(name)
	r.TemperatureBody = &pda.TemperatureBody{Temp: pda.Decimal1(c)}
	return r
}

func handleStatus(_ context.Context, b *Bridge, name string, _ []string) pda.Reply {
	st, err := b.session.Status()
	if err != nil {
		return b.failed(name, err)
	}

	r := pda.OKReply(name)
	r.StatusBody = &pda.StatusBody{
		InDeliveryMode: st.InDeliveryMode,
		ProductFlowing: st.ProductFlowing,
		Error:          st.MeterError,
		InCalibration:  st.InCalibration,
	}
	return r
}

func handlePreset(_ context.Context, b *Bridge, name string, _ []string) pda.Reply {
	litres, err := b.session.PresetLitres()
	if err != nil {
		return b.failed(name, err)
	}
	b.update(func(s *Snapshot) { s.PresetLitres = litres })

	r := pda.OKReply(name)
	r.VolumeBody = &pda.VolumeBody{Litres: litres}
	return r
}

func handleRealtime(_ context.Context, b *Bridge, name string, _ []string) pda.Reply {
	litres, err := b.session.RealtimeLitres()
	if err != nil {
		return b.failed(name, err)
	}
	b.update(func(s *Snapshot) { s.RealtimeLitres = litres })

	r := pda.OKReply(name)
	r.VolumeBody = &pda.VolumeBody{Litres: litres}
	return r
}

func handleTransactionCount(_ context.Context, b *Bridge, name string, _ []string) pda.Reply {
	n, err := b.session.TransactionCount()
	if err != nil {
		return b.failed(name, err)
	}

	r := pda.OKReply(name)
	r.TranCountBody = &pda.TranCountBody{TranCount: n}
	return r
}

func handleTransaction(_ context.Context, b *Bridge, name string, args []string) pda.Reply {
	// The index goes out as two bytes; larger values are truncated
	index, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return b.invalid(name, args[0], err)
	}

	t, err := b.session.Transaction(uint16(index))
	if err != nil {
		return b.failed(name, err)
	}

	r := pda.OKReply(name)
	r.TransactionBody = &pda.TransactionBody{
		TicketNo:            t.TicketNo,
		TranType:            t.TranType,
		Index:               t.Index,
		NoSummaryRecords:    t.NoSummaryRecords,
		NoRecordsSummarised: t.NoRecordsSummarised,
		ProductID:           t.ProductID,
		ProductDesc:         t.ProductDesc,
		Start:               t.Start.String(),
		Finish:              t.Finish.String(),
		TotaliserStart:      t.TotaliserStart,
		TotaliserEnd:        t.TotaliserEnd,
		GrossVolume:         t.GrossVolume,
		Volume:              t.Volume,
		Temperature:         pda.Decimal1(t.Temperature),
		Flags:               t.Flags,
	}
	return r
}

// handleSetPolling stores the polling flag. The poller does not consult it.
func handleSetPolling(_ context.Context, b *Bridge, name string, args []string) pda.Reply {
	b.pollEnabled.Store(args[0] == "1")
	return pda.OKReply(name)
}

// handleSetPreset commits a preset given in whole litres. A value that is
// not a 32-bit integer is sent as 0.
func handleSetPreset(_ context.Context, b *Bridge, name string, args []string) pda.Reply {
	litres, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		b.log.WithFields(logrus.Fields{"value": args[0]}).Warn("invalid preset, using 0 litres")
		litres = 0
	}

	result, err := b.session.SetPreset(float32(litres))
	if err != nil {
		b.log.WithError(err).WithField("litres", litres).Warn("preset not written")
	}
	return pda.Reply{Command: name, Result: result}
}

func handleNOP(_ context.Context, _ *Bridge, name string, _ []string) pda.Reply {
	return pda.OKReply(name)
}
