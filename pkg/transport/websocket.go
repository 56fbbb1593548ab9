// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned when reading from a closed WebSocket
// connection. It matches io.EOF.
var ErrConnectionClosed = fmt.Errorf("websocket connection closed: %w", io.EOF)

// WebSocket carries a byte stream over WebSocket binary messages. Each
// Write is sent as one message; Read hands out message bytes in order.
type WebSocket struct {
	conn      *websocket.Conn
	name      string
	buf       []byte
	bufOffset int
	closed    bool // Track if connection has failed/closed

	writeMu sync.Mutex
}

// NewWebSocket wraps an established connection
func NewWebSocket(conn *websocket.Conn, name string) *WebSocket {
	return &WebSocket{conn: conn, name: name}
}

func (w *WebSocket) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}

	// If we have buffered data, return it first
	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, ErrConnectionClosed
			}
			return 0, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}

		// Text frames are accepted too so browser tools can type commands
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}

		w.buf = data
		w.bufOffset = 0
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

func (w *WebSocket) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocket) Close() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.conn.Close()
}

// SetReadDeadline bounds the next Read
func (w *WebSocket) SetReadDeadline(t time.Time) error {
	return w.conn.SetReadDeadline(t)
}

// String describes the link for logs
func (w *WebSocket) String() string {
	return w.name
}

// DialConfig describes a WebSocket client connection
type DialConfig struct {
	URL           string
	Username      string
	Password      string
	SkipSSLVerify bool
}

// DialWebSocket opens a WebSocket connection with optional HTTP Basic auth
func DialWebSocket(ctx context.Context, cfg DialConfig) (*WebSocket, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: cfg.SkipSSLVerify,
		}
	}

	headers := http.Header{}
	if cfg.Username != "" && cfg.Password != "" {
		headers.Set("Authorization", "Basic "+basicCredentials(cfg.Username, cfg.Password))
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return NewWebSocket(conn, "WebSocket: "+cfg.URL), nil
}

func basicCredentials(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// WebSocketHandler upgrades HTTP requests to WebSocket links and hands
// each one to serve. serve owns the link until it returns; the link is
// closed afterwards.
type WebSocketHandler struct {
	Username string
	Password string
	Serve    func(ctx context.Context, conn *WebSocket)

	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a handler. When username is empty no
// authentication is required.
func NewWebSocketHandler(username, password string, serve func(ctx context.Context, conn *WebSocket)) *WebSocketHandler {
	return &WebSocketHandler{
		Username: username,
		Password: password,
		Serve:    serve,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *WebSocketHandler) authorized(r *http.Request) bool {
	if h.Username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.Password)) == 1
	return userOK && passOK
}

// ServeHTTP implements http.Handler
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="metermate"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		return
	}

	ws := NewWebSocket(conn, "WebSocket peer: "+r.RemoteAddr)
	defer ws.Close()
	h.Serve(r.Context(), ws)
}
