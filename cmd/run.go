// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Thermoquad/metermate/pkg/api"
	"github.com/Thermoquad/metermate/pkg/bridge"
	"github.com/Thermoquad/metermate/pkg/capture"
	"github.com/Thermoquad/metermate/pkg/config"
	"github.com/Thermoquad/metermate/pkg/firmware"
	"github.com/Thermoquad/metermate/pkg/indicator"
	"github.com/Thermoquad/metermate/pkg/logging"
	"github.com/Thermoquad/metermate/pkg/meter"
	"github.com/Thermoquad/metermate/pkg/metrics"
	"github.com/Thermoquad/metermate/pkg/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge between a handheld terminal and an EMR3 meter",
	Long: `Run the bridge.

The meter is reached over --meter-port (9600 8N1). Handhelds connect over
--host-port (38400 8N1), or over WebSocket when --host-listen is set; both
may be used at once. Every meter transaction, whether from a handheld, the
HTTP API or the background poller, is serialized on a single lock.

On startup the status light flashes for --startup-flash, then stays on. The
handheld is sent {"Command":"AP","Result":0} as soon as its link is open.

Every flag can also be set in the config file or through METERMATE_*
environment variables (e.g. METERMATE_METER_PORT). The WebSocket password
is only read from METERMATE_HOST_PASSWORD or the config file.`,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(runCmd)

	d := config.Default()
	f := runCmd.Flags()

	f.String("meter-port", "", "Meter serial port device (required)")
	f.Int("meter-baud", d.Meter.Baud, "Meter baud rate")
	f.Duration("meter-timeout", d.Meter.Timeout, "Meter read timeout")

	f.String("host-port", "", "Handheld serial port device")
	f.Int("host-baud", d.Host.Baud, "Handheld baud rate")
	f.Duration("host-timeout", d.Host.Timeout, "Handheld read timeout")
	f.String("host-listen", "", "Serve handhelds over WebSocket on this address (e.g. :8081)")
	f.String("host-path", d.Host.Path, "WebSocket path for handhelds")
	f.String("host-username", "", "Require HTTP Basic auth with this username")

	f.Duration("poll-interval", d.Poll.Interval, "Background poll interval")
	f.Bool("no-poll", false, "Disable the background poller")
	f.String("api-listen", "", "Serve the HTTP API on this address (e.g. :8080)")
	f.String("capture", "", "Append every meter transaction to this CBOR file")
	f.Duration("startup-flash", d.Indicator.StartupFlash, "How long the status light flashes before the links start")
	f.String("bootloader-cmd", "", "Command run when the handheld sends BL")

	for key, flag := range map[string]string{
		"meter.port":              "meter-port",
		"meter.baud":              "meter-baud",
		"meter.timeout":           "meter-timeout",
		"host.port":               "host-port",
		"host.baud":               "host-baud",
		"host.timeout":            "host-timeout",
		"host.listen":             "host-listen",
		"host.path":               "host-path",
		"host.username":           "host-username",
		"poll.interval":           "poll-interval",
		"poll.disabled":           "no-poll",
		"api.listen":              "api-listen",
		"capture.file":            "capture",
		"indicator.startup_flash": "startup-flash",
		"firmware.bootloader_cmd": "bootloader-cmd",
	} {
		bindFlag(key, f.Lookup(flag))
	}
}

// workers runs the bridge's long-lived loops and remembers the first
// failure
type workers struct {
	wg     sync.WaitGroup
	once   sync.Once
	err    error
	cancel context.CancelFunc
}

func (w *workers) Go(name string, log logrus.FieldLogger, fn func() error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		err := fn()
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		log.WithError(err).Errorf("%s stopped", name)
		w.once.Do(func() {
			w.err = fmt.Errorf("%s: %w", name, err)
			w.cancel()
		})
	}()
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, log, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	if cfg.Meter.Port == "" {
		return fmt.Errorf("--meter-port is required")
	}
	if cfg.Host.Port == "" && cfg.Host.Listen == "" {
		return fmt.Errorf("either --host-port or --host-listen must be specified")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.WithField("version", rootCmd.Version).Info("MeterMate starting")

	// Status light
	light := indicator.NewBlinker(&indicator.LogOutput{Log: logging.Component(log, "indicator")})
	lightCtx, lightCancel := context.WithCancel(context.Background())
	defer lightCancel()
	go light.Run(lightCtx)
	light.SetState(indicator.FlashingData)
	select {
	case <-time.After(cfg.Indicator.StartupFlash):
	case <-ctx.Done():
		return nil
	}
	light.SetState(indicator.On)

	// Meter link
	meterPort, err := transport.OpenSerial(transport.SerialConfig{
		Port:        cfg.Meter.Port,
		BaudRate:    cfg.Meter.Baud,
		ReadTimeout: cfg.Meter.Timeout,
	})
	if err != nil {
		light.SetState(indicator.FlashingError)
		return err
	}
	defer meterPort.Close()
	log.WithField("meter", meterPort.String()).Info("meter link open")

	session := meter.NewSession(meterPort, logging.Component(log, "meter"))

	m := metrics.New()
	session.AddObserver(m)

	if cfg.Capture.File != "" {
		rec, err := capture.Create(cfg.Capture.File)
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Err(); err != nil {
				log.WithError(err).Warn("capture incomplete")
			}
			rec.Close()
		}()
		session.AddObserver(rec)
		log.WithField("file", cfg.Capture.File).Info("capturing meter transactions")
	}

	b := bridge.New(session, bridge.Options{
		Firmware:   firmware.NewCommand(cfg.Firmware.BootloaderCmd, logging.Component(log, "firmware")),
		Logger:     logging.Component(log, "bridge"),
		OnDispatch: m.ObserveDispatch,
	})

	w := &workers{cancel: cancel}

	// Handheld links
	if cfg.Host.Port != "" {
		hostPort, err := transport.OpenSerial(transport.SerialConfig{
			Port:        cfg.Host.Port,
			BaudRate:    cfg.Host.Baud,
			ReadTimeout: cfg.Host.Timeout,
		})
		if err != nil {
			light.SetState(indicator.FlashingError)
			return err
		}
		defer hostPort.Close()
		if err := hostPort.Flush(); err != nil {
			log.WithError(err).Warn("failed to flush host input")
		}
		log.WithField("host", hostPort.String()).Info("host link open")
		w.Go("host link", log, func() error { return b.ServeHost(ctx, hostPort) })
	}

	var hostHandler *transport.WebSocketHandler
	if cfg.Host.Listen != "" {
		wsLog := logging.Component(log, "host")
		hostHandler = transport.NewWebSocketHandler(cfg.Host.Username, cfg.Host.Password,
			func(ctx context.Context, conn *transport.WebSocket) {
				wsLog.WithField("peer", conn.String()).Info("handheld connected")
				if err := b.ServeHost(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
					wsLog.WithError(err).Warn("handheld link failed")
				}
			})
	}

	// HTTP surfaces. The WebSocket host route shares the API server when
	// both listen on the same address.
	apiLog := logging.Component(log, "api")
	switch {
	case cfg.API.Listen != "" && cfg.API.Listen == cfg.Host.Listen:
		srv := api.New(b, m, api.Options{Listen: cfg.API.Listen, Logger: apiLog, HostPath: cfg.Host.Path, HostHandler: hostHandler})
		w.Go("api", log, func() error { return srv.Run(ctx) })
	default:
		if cfg.API.Listen != "" {
			srv := api.New(b, m, api.Options{Listen: cfg.API.Listen, Logger: apiLog})
			w.Go("api", log, func() error { return srv.Run(ctx) })
		}
		if hostHandler != nil {
			srv := api.New(b, nil, api.Options{Listen: cfg.Host.Listen, Logger: apiLog, HostPath: cfg.Host.Path, HostHandler: hostHandler})
			w.Go("host listener", log, func() error { return srv.Run(ctx) })
		}
	}

	// Meter startup: flush stale input, then release waiting requests
	session.Start()
	log.Info("meter session ready")

	if !cfg.Poll.Disabled {
		poller := bridge.NewPoller(b, cfg.Poll.Interval, logging.Component(log, "poll"))
		poller.SetObserver(func(q bridge.Query, err error) {
			m.ObservePoll(q, err)
		})
		w.Go("poller", log, func() error { return poller.Run(ctx) })
	}

	<-ctx.Done()
	log.Info("shutting down")
	w.wg.Wait()

	if w.err != nil {
		// Leave the error pattern visible briefly before exiting
		light.SetState(indicator.FlashingError)
		time.Sleep(time.Second)
	}
	return w.err
}
