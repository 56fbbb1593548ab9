// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package emr3

import (
	"errors"
	"fmt"
)

// Reader states (internal)
const (
	stateIdle = iota
	stateFrame
)

// FrameReader splits a byte stream into raw frames.
//
// It only looks at delimiters: everything from an opening delimiter up to
// and including the next delimiter is returned as one raw frame, to be
// handed to Decode. Escaped payload bytes never contain a delimiter, but
// the checksum is sent unescaped. Feed uses the shape of a read burst to
// recover frames whose checksum equals the delimiter; DecodeByte alone
// cannot tell them apart.
type FrameReader struct {
	state  int
	buffer []byte
}

// NewFrameReader creates a new frame reader
func NewFrameReader() *FrameReader {
	return &FrameReader{
		state:  stateIdle,
		buffer: make([]byte, 0, 64),
	}
}

// Reset discards any partial frame
func (r *FrameReader) Reset() {
	r.state = stateIdle
	r.buffer = r.buffer[:0]
}

// Pending returns the bytes of the frame currently being collected
func (r *FrameReader) Pending() []byte {
	return r.buffer
}

// DecodeByte processes a single byte.
// Returns the raw frame once its closing delimiter is seen, or nil while
// the frame is incomplete. Returns an error if the frame overflows
// MaxFrameSize.
func (r *FrameReader) DecodeByte(b byte) ([]byte, error) {
	switch r.state {
	case stateIdle:
		// Waiting for the opening delimiter
		if b == Delimiter {
			r.buffer = append(r.buffer[:0], b)
			r.state = stateFrame
		}
		return nil, nil

	case stateFrame:
		if b == Delimiter {
			if len(r.buffer) == 1 {
				// Back-to-back delimiters: treat the second as the opener
				return nil, nil
			}
			r.buffer = append(r.buffer, b)
			frame := make([]byte, len(r.buffer))
			copy(frame, r.buffer)
			r.Reset()
			return frame, nil
		}

		if len(r.buffer) >= MaxFrameSize-1 {
			r.Reset()
			return nil, fmt.Errorf("frame overflow: exceeds %d bytes", MaxFrameSize)
		}
		r.buffer = append(r.buffer, b)
		return nil, nil

	default:
		r.Reset()
		return nil, fmt.Errorf("invalid state: %d", r.state)
	}
}

// Feed processes one read burst and returns the frames completed in it.
//
// A frame whose checksum is the delimiter is closed one byte early by
// DecodeByte. The real closing delimiter then follows straight away, at
// the end of the burst or just before the next opener, and is taken into
// the frame. Errors are collected; the remaining bytes are still read.
func (r *FrameReader) Feed(p []byte) ([][]byte, error) {
	var frames [][]byte
	var errs []error

	for i := 0; i < len(p); i++ {
		frame, err := r.DecodeByte(p[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if frame == nil {
			continue
		}
		if i+1 < len(p) && p[i+1] == Delimiter && (i+2 == len(p) || p[i+2] == Delimiter) {
			frame = append(frame, Delimiter)
			i++
		}
		frames = append(frames, frame)
	}
	return frames, errors.Join(errs...)
}
