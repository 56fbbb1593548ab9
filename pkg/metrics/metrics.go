// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics exports bridge and meter activity as Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Thermoquad/metermate/pkg/bridge"
	"github.com/Thermoquad/metermate/pkg/meter"
	"github.com/Thermoquad/metermate/pkg/pda"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "metermate"

// Transaction outcomes
const (
	OutcomeOK         = "ok"
	OutcomeNoReply    = "no_reply"
	OutcomeWriteError = "write_error"
	OutcomeError      = "error"
)

// Metrics holds the collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	meterTransactions *prometheus.CounterVec
	meterDuration     *prometheus.HistogramVec
	hostMessages      *prometheus.CounterVec
	hostDuration      *prometheus.HistogramVec
	pollQueries       *prometheus.CounterVec
	statusFlags       *prometheus.GaugeVec
	realtimeLitres    prometheus.Gauge
	presetLitres      prometheus.Gauge
	temperature       prometheus.Gauge
	pollingEnabled    prometheus.Gauge
}

// New creates and registers every collector
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		meterTransactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "meter_transactions_total",
			Help:      "Meter transactions by command and outcome",
		}, []string{"command", "outcome"}),

		meterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "meter_transaction_duration_seconds",
			Help:      "Time from request write to reply frame",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
		}, []string{"command"}),

		hostMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_messages_total",
			Help:      "Host messages handled by source, command and result code",
		}, []string{"source", "command", "result"}),

		hostDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "host_message_duration_seconds",
			Help:      "Time to handle a host message, including waiting for the meter lock",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		pollQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_queries_total",
			Help:      "Background poll queries by query and outcome",
		}, []string{"query", "outcome"}),

		statusFlags: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "meter_status",
			Help:      "Last known meter status flags (1 = set)",
		}, []string{"flag"}),

		realtimeLitres: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "meter_realtime_litres",
			Help:      "Last polled delivered volume",
		}),

		presetLitres: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "meter_preset_litres",
			Help:      "Last polled preset volume",
		}),

		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "meter_temperature_celsius",
			Help:      "Last polled product temperature",
		}),

		pollingEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "polling_enabled",
			Help:      "Polling flag last set by the host (Spl)",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.meterTransactions,
		m.meterDuration,
		m.hostMessages,
		m.hostDuration,
		m.pollQueries,
		m.statusFlags,
		m.realtimeLitres,
		m.presetLitres,
		m.temperature,
		m.pollingEnabled,
	)
	return m
}

// Registry returns the registry the collectors live in
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Outcome classifies a meter error
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, meter.ErrNoReply):
		return OutcomeNoReply
	case errors.Is(err, meter.ErrPartialWrite):
		return OutcomeWriteError
	default:
		return OutcomeError
	}
}

// ObserveTransaction implements meter.Observer
func (m *Metrics) ObserveTransaction(ex meter.Exchange) {
	m.meterTransactions.WithLabelValues(ex.Command.Name, Outcome(ex.Err)).Inc()
	m.meterDuration.WithLabelValues(ex.Command.Name).Observe(ex.Duration.Seconds())
}

// ObserveDispatch matches bridge.DispatchObserver
func (m *Metrics) ObserveDispatch(src bridge.Source, msg pda.Message, reply pda.Reply, elapsed time.Duration) {
	command := msg.Command
	if reply.Result == pda.ResultUnknown {
		// keep label cardinality bounded for garbage input
		if _, ok := bridge.Arity(command); !ok {
			command = "unknown"
		}
	}
	m.hostMessages.WithLabelValues(string(src), command, strconv.Itoa(reply.Result)).Inc()
	m.hostDuration.WithLabelValues(string(src)).Observe(elapsed.Seconds())
}

// ObservePoll matches bridge.PollObserver
func (m *Metrics) ObservePoll(q bridge.Query, err error) {
	m.pollQueries.WithLabelValues(q.String(), Outcome(err)).Inc()
}

// UpdateSnapshot copies the bridge's last known values into the gauges
func (m *Metrics) UpdateSnapshot(s bridge.Snapshot, pollingEnabled bool) {
	m.statusFlags.WithLabelValues("in_delivery_mode").Set(boolGauge(s.Status.InDeliveryMode))
	m.statusFlags.WithLabelValues("product_flowing").Set(boolGauge(s.Status.ProductFlowing))
	m.statusFlags.WithLabelValues("meter_error").Set(boolGauge(s.Status.MeterError))
	m.statusFlags.WithLabelValues("in_calibration").Set(boolGauge(s.Status.InCalibration))
	m.realtimeLitres.Set(float64(s.RealtimeLitres))
	m.presetLitres.Set(float64(s.PresetLitres))
	m.temperature.Set(float64(s.TemperatureC))
	m.pollingEnabled.Set(boolGauge(pollingEnabled))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
