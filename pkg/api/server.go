// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package api serves the bridge's HTTP surface: health, last known meter
// values, Prometheus metrics, ad hoc host commands and, optionally, the
// WebSocket host link.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Thermoquad/metermate/pkg/bridge"
	"github.com/Thermoquad/metermate/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// Options configures a Server
type Options struct {
	Listen string
	Logger logrus.FieldLogger

	// HostPath and HostHandler mount the WebSocket host link. Both are
	// optional.
	HostPath    string
	HostHandler http.Handler
}

// Server is the HTTP server
type Server struct {
	server  *http.Server
	router  *gin.Engine
	bridge  *bridge.Bridge
	metrics *metrics.Metrics
	log     logrus.FieldLogger
	started time.Time
}

// CommandRequest is the body of POST /api/v1/command
type CommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// StatusResponse is the body of GET /api/v1/status
type StatusResponse struct {
	Ready          bool      `json:"ready"`
	PollingEnabled bool      `json:"polling_enabled"`
	InDeliveryMode bool      `json:"in_delivery_mode"`
	ProductFlowing bool      `json:"product_flowing"`
	MeterError     bool      `json:"meter_error"`
	InCalibration  bool      `json:"in_calibration"`
	StatusAt       time.Time `json:"status_at"`
	RealtimeLitres int       `json:"realtime_litres"`
	PresetLitres   int       `json:"preset_litres"`
	TemperatureC   float32   `json:"temperature_c"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// New builds the server and its routes. m may be nil, in which case
// /metrics is not served.
func New(b *bridge.Bridge, m *metrics.Metrics, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	s := &Server{
		router:  router,
		bridge:  b,
		metrics: m,
		log:     log,
		started: time.Now(),
	}
	s.server = &http.Server{
		Addr:              opts.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	router.GET("/health", s.handleHealth)
	if m != nil {
		router.GET("/metrics", s.handleMetrics)
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.POST("/command", s.handleCommand)
	}

	if opts.HostHandler != nil && opts.HostPath != "" {
		router.GET(opts.HostPath, gin.WrapH(opts.HostHandler))
	}

	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("listen", s.server.Addr).Info("HTTP API listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) ready() bool {
	select {
	case <-s.bridge.Session().Ready():
		return true
	default:
		return false
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if !s.ready() {
		status = "starting"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.bridge.Snapshot()
	c.JSON(http.StatusOK, StatusResponse{
		Ready:          s.ready(),
		PollingEnabled: s.bridge.PollingEnabled(),
		InDeliveryMode: snap.Status.InDeliveryMode,
		ProductFlowing: snap.Status.ProductFlowing,
		MeterError:     snap.Status.MeterError,
		InCalibration:  snap.Status.InCalibration,
		StatusAt:       snap.Status.UpdatedAt,
		RealtimeLitres: snap.RealtimeLitres,
		PresetLitres:   snap.PresetLitres,
		TemperatureC:   snap.TemperatureC,
		UpdatedAt:      snap.UpdatedAt,
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	s.metrics.UpdateSnapshot(s.bridge.Snapshot(), s.bridge.PollingEnabled())
	s.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// handleCommand runs one host message through the bridge. The body is
// either {"command":"Gtr,3"} or the plain message text.
func (s *Server) handleCommand(c *gin.Context) {
	var text string
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req CommandRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		text = req.Command
	} else {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		text = strings.TrimSpace(string(body))
	}

	reply := s.bridge.Dispatch(c.Request.Context(), bridge.SourceAPI, text)
	data, err := reply.Marshal()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
			"client":  c.ClientIP(),
		}).Debug("http request")
	}
}
