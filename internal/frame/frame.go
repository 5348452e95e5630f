// Copyright 2024 The Microboot Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package frame reads and writes bootloader protocol frames over a byte
// link. A frame is a command byte, a big-endian payload length, the payload
// and a one byte integrity checksum. The framer performs no interpretation
// of payload contents beyond length enforcement.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/microboot-dev/microboot/api"
)

var (
	// ErrTimeout reports that no complete frame arrived within the
	// configured receive window.
	ErrTimeout = errors.New("transport timeout")
	// ErrFrameTooLarge reports a declared length exceeding api.MaxMsgLen.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrChecksum reports an integrity mismatch on a received frame.
	ErrChecksum = errors.New("frame checksum mismatch")
)

// Frame is a single protocol exchange unit.
type Frame struct {
	Cmd     byte
	Payload []byte
}

// deadliner is implemented by links supporting receive deadlines
// (net.Conn, net.Pipe, serial ports).
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Framer exchanges frames and status bytes over rw. If rw supports read
// deadlines, each frame read is bounded by the configured timeout.
type Framer struct {
	rw      io.ReadWriter
	timeout time.Duration
}

// New returns a framer over rw. A zero timeout disables the receive
// deadline.
func New(rw io.ReadWriter, timeout time.Duration) *Framer {
	return &Framer{
		rw:      rw,
		timeout: timeout,
	}
}

// checksum computes the two's complement sum of the frame header and
// payload, so that the bytes of a valid frame sum to zero.
func checksum(cmd byte, payload []byte) byte {
	sum := cmd + byte(len(payload)>>8) + byte(len(payload))

	for _, b := range payload {
		sum += b
	}

	return -sum
}

func (f *Framer) arm() {
	if f.timeout == 0 {
		return
	}

	if d, ok := f.rw.(deadliner); ok {
		if err := d.SetReadDeadline(time.Now().Add(f.timeout)); err != nil {
			klog.V(2).Infof("could not set read deadline: %v", err)
		}
	}
}

func mapTimeout(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// ReadFrame blocks until a full frame arrives or the receive window
// elapses.
func (f *Framer) ReadFrame() (*Frame, error) {
	f.arm()

	hdr := make([]byte, api.FrameHeaderLen)

	if _, err := io.ReadFull(f.rw, hdr); err != nil {
		return nil, mapTimeout(err)
	}

	length := binary.BigEndian.Uint16(hdr[1:])

	if length > api.MaxMsgLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	buf := make([]byte, int(length)+1)

	if _, err := io.ReadFull(f.rw, buf); err != nil {
		return nil, mapTimeout(err)
	}

	payload := buf[:length]
	sum := buf[length]

	if want := checksum(hdr[0], payload); sum != want {
		return nil, fmt.Errorf("%w: got %#02x, want %#02x", ErrChecksum, sum, want)
	}

	return &Frame{Cmd: hdr[0], Payload: payload}, nil
}

// WriteFrame writes a frame synchronously.
func (f *Framer) WriteFrame(fr *Frame) error {
	if len(fr.Payload) > api.MaxMsgLen {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(fr.Payload))
	}

	buf := make([]byte, 0, api.FrameHeaderLen+len(fr.Payload)+1)
	buf = append(buf, fr.Cmd)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(fr.Payload)))
	buf = append(buf, fr.Payload...)
	buf = append(buf, checksum(fr.Cmd, fr.Payload))

	_, err := f.rw.Write(buf)
	return err
}

// WriteStatus writes a single status byte.
func (f *Framer) WriteStatus(status byte) error {
	_, err := f.rw.Write([]byte{status})
	return err
}

// ReadStatus blocks until a status byte arrives, used by the host side of
// the exchange.
func (f *Framer) ReadStatus() (byte, error) {
	f.arm()

	b := make([]byte, 1)

	if _, err := io.ReadFull(f.rw, b); err != nil {
		return api.StatusError, mapTimeout(err)
	}

	return b[0], nil
}
