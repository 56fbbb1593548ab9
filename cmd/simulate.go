// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/metermate/pkg/emr3"
	"github.com/Thermoquad/metermate/pkg/meter"
	"github.com/spf13/cobra"
)

var (
	simConn        *connFlags
	simTemperature float32
	simFlowRate    float64
	simDeliver     bool
	simSecurity    bool
	simTickets     int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Simulate an EMR3 meter on a serial port",
	Long: `Answer EMR3 requests on a serial port as a meter would.

Connect the port to the bridge's --meter-port with a null-modem cable (or a
virtual pair such as socat pty,raw,echo=0 pty,raw,echo=0) to exercise the
bridge without a meter.

The simulator answers status, temperature, preset, realtime, ticket count,
ticket record, display mode, mode key and set preset requests. The mode key
cycles between volume and security display modes; a preset is only accepted
in security mode. During a delivery the realtime volume grows at --flow-rate
until the preset is reached, at which point a ticket is stored.

Examples:
  metermate simulate --port /dev/ttyUSB1 --deliver
  metermate simulate --port /dev/pts/4 --tickets 3 --temperature 68`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simConn = addConnFlags(simulateCmd, 9600, false)
	simulateCmd.Flags().Float32Var(&simTemperature, "temperature", 59, "Product temperature in Fahrenheit")
	simulateCmd.Flags().Float64Var(&simFlowRate, "flow-rate", 5, "Delivery flow rate in litres per second")
	simulateCmd.Flags().BoolVar(&simDeliver, "deliver", false, "Start a delivery immediately")
	simulateCmd.Flags().BoolVar(&simSecurity, "security", false, "Start in security display mode")
	simulateCmd.Flags().IntVar(&simTickets, "tickets", 0, "Number of stored tickets to start with")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := simConn.open(cmd.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	sim := meter.NewSimulator()
	sim.SetTemperature(simTemperature)
	sim.SetFlowRate(simFlowRate)
	if simSecurity {
		sim.SetDisplayModes(emr3.DisplaySecurity, emr3.DisplayVolume)
	}
	for i := 0; i < simTickets; i++ {
		sim.AddTransaction(sampleTicket(i))
	}
	if simDeliver {
		sim.StartDelivery()
	}

	fmt.Printf("MeterMate - Meter Simulator\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		const step = 100 * time.Millisecond
		ticker := time.NewTicker(step)
		defer ticker.Stop()
		seen := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sim.Advance(step)
				requests := sim.Requests()
				for _, r := range requests[seen:] {
					fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05.000"), emr3.FormatOpcode(r))
				}
				seen = len(requests)
			}
		}
	}()

	err = sim.Serve(ctx, conn)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// sampleTicket builds a plausible stored delivery
func sampleTicket(i int) *emr3.Transaction {
	day := time.Now().AddDate(0, 0, -(i + 1))
	start := emr3.Timestamp{Year: day.Year(), Month: int(day.Month()), Day: day.Day(), Hour: 8, Minute: 30}
	finish := start
	finish.Minute = 42
	litres := float64(1000 + 250*i)
	return &emr3.Transaction{
		TicketNo:         uint32(1000 + i),
		TranType:         1,
		Index:            uint8(i),
		NoSummaryRecords: 1,
		ProductID:        1,
		ProductDesc:      "DIESEL",
		Start:            start,
		Finish:           finish,
		TotaliserStart:   100000 + litres*float64(i),
		TotaliserEnd:     100000 + litres*float64(i+1),
		GrossVolume:      litres,
		Volume:           litres - 2.5,
		Temperature:      15,
	}
}
