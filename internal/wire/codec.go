// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	json "github.com/goccy/go-json"
)

// MaxFrameSize bounds a single decoded message, guarding against a
// corrupted or malicious length prefix causing an unbounded allocation.
const MaxFrameSize = 64 << 20 // 64 MiB

// Encoder writes length-prefixed JSON frames to an io.Writer. One Encoder
// per writer; Encode is safe for concurrent use since writes are
// serialized behind an internal mutex (the control channel and each slot
// socket can be written from more than one goroutine, e.g. a canceller
// racing the main send loop).
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder wraps w in a frame encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode serializes v to JSON and writes it as a single 4-byte-big-endian
// length-prefixed frame.
func (e *Encoder) Encode(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := e.w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := e.w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// Decoder reads length-prefixed JSON frames from an io.Reader. A Decoder
// is not safe for concurrent use; each control channel or slot socket has
// exactly one reader goroutine.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r in a frame decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next frame and unmarshals it into v. It returns
// io.EOF when the underlying reader is closed between frames, and an
// error wrapping io.EOF when it is closed mid-frame, matching the worker
// exiting or the connection dropping.
func (d *Decoder) Decode(v interface{}) error {
	var header [4]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return fmt.Errorf("wire: connection closed mid-frame: %w", io.EOF)
		}
		return err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds maximum of %d", length, MaxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if err == io.ErrUnexpectedEOF {
			return fmt.Errorf("wire: connection closed mid-frame: %w", io.EOF)
		}
		return err
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("wire: unmarshal frame: %w", err)
	}
	return nil
}
