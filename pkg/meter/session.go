// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package meter

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Thermoquad/metermate/pkg/emr3"
	"github.com/sirupsen/logrus"
)

// Transaction failures
var (
	ErrNoReply         = errors.New("meter: no reply")
	ErrPartialWrite    = errors.New("meter: partial write")
	ErrNotSecurityMode = errors.New("meter: display did not reach security mode")
)

// Transport is the byte stream to the meter. A read that returns no bytes
// and no error, a timeout error, or EOF all mean the meter did not answer
// within the transport's read timeout.
type Transport interface {
	io.Reader
	io.Writer
}

// maxReplyReads bounds the reads spent on one reply when the line keeps
// delivering bytes that never close a frame.
const maxReplyReads = 64

// Session performs request/reply exchanges with one EMR3 meter.
//
// A Session is not safe for concurrent use; callers serialize access
// (the bridge holds its transaction lock around every call).
type Session struct {
	transport Transport
	reader    *emr3.FrameReader
	readBuf   []byte
	log       logrus.FieldLogger

	observers []Observer

	ready     chan struct{}
	readyOnce sync.Once

	statusMu   sync.RWMutex
	lastStatus Status
}

// NewSession creates a session over transport. Call Start before use.
func NewSession(transport Transport, log logrus.FieldLogger) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{
		transport: transport,
		reader:    emr3.NewFrameReader(),
		readBuf:   make([]byte, 256),
		log:       log,
		ready:     make(chan struct{}),
	}
}

// AddObserver registers o to be told about every transaction
func (s *Session) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// Start discards anything already waiting on the meter line and marks the
// session ready.
func (s *Session) Start() {
	n, err := s.transport.Read(s.readBuf)
	if n > 0 {
		s.log.WithField("bytes", n).Debug("flushed stale meter input")
	}
	if err != nil && !isNoReply(err) {
		s.log.WithError(err).Warn("meter flush read failed")
	}
	s.readyOnce.Do(func() { close(s.ready) })
}

// Ready is closed once Start has completed
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// LastStatus returns the status recorded by the most recent successful
// status query
func (s *Session) LastStatus() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.lastStatus
}

// Transact sends cmd and returns the decoded reply payload.
//
// Only transport failures are reported as errors. Replies are returned
// as-is; callers validate the opcode echo and length themselves.
func (s *Session) Transact(cmd emr3.Command) ([]byte, error) {
	start := time.Now()
	frame := emr3.Encode(cmd.Payload)

	ex := Exchange{Command: cmd, Request: frame, Started: start}
	reply, raw, err := s.exchange(frame)
	ex.Response = raw
	ex.Reply = reply
	ex.Err = err
	ex.Duration = time.Since(start)

	for _, o := range s.observers {
		o.ObserveTransaction(ex)
	}

	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Name, err)
	}
	return reply, nil
}

func (s *Session) exchange(frame []byte) (reply, raw []byte, err error) {
	n, err := s.transport.Write(frame)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPartialWrite, err)
	}
	if n != len(frame) {
		return nil, nil, fmt.Errorf("%w: wrote %d of %d bytes", ErrPartialWrite, n, len(frame))
	}

	raw, err = s.readFrame()
	if err != nil {
		return nil, nil, err
	}

	reply, err = emr3.Decode(raw)
	if err != nil {
		// A frame with no payload is as good as no answer
		return nil, raw, fmt.Errorf("%w: %v", ErrNoReply, err)
	}
	return reply, raw, nil
}

// readFrame reads until the frame reader yields one complete raw frame.
// Each read is fed as one burst so a reply whose checksum is the delimiter
// is kept whole.
func (s *Session) readFrame() ([]byte, error) {
	s.reader.Reset()

	for i := 0; i < maxReplyReads; i++ {
		n, err := s.transport.Read(s.readBuf)
		frames, ferr := s.reader.Feed(s.readBuf[:n])
		if ferr != nil {
			s.log.WithError(ferr).Debug("discarding meter bytes")
		}
		if len(frames) > 0 {
			return frames[0], nil
		}

		if err != nil {
			if isNoReply(err) {
				return nil, fmt.Errorf("%w: %v", ErrNoReply, err)
			}
			return nil, fmt.Errorf("meter read: %w", err)
		}
		if n == 0 {
			return nil, ErrNoReply
		}
	}

	return nil, fmt.Errorf("%w: no frame after %d reads", ErrNoReply, maxReplyReads)
}

// isNoReply reports whether a read error is a timeout or end of stream
func isNoReply(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
