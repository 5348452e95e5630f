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

package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/microboot-dev/microboot/api"
)

func TestRoundTrip(t *testing.T) {
	for _, test := range []struct {
		name string
		fr   Frame
	}{
		{
			name: "command only",
			fr:   Frame{Cmd: api.CmdUpdate, Payload: []byte{}},
		}, {
			name: "with payload",
			fr:   Frame{Cmd: api.CmdData, Payload: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
		}, {
			name: "payload at limit",
			fr:   Frame{Cmd: api.CmdData, Payload: bytes.Repeat([]byte{0xA5}, api.MaxMsgLen)},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			f := New(buf, 0)

			if err := f.WriteFrame(&test.fr); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}

			got, err := f.ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if diff := cmp.Diff(&test.fr, got); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}
		})
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	f := New(&bytes.Buffer{}, 0)

	fr := &Frame{Cmd: api.CmdData, Payload: make([]byte, api.MaxMsgLen+1)}

	if err := f.WriteFrame(fr); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("WriteFrame: got %v, want %v", err, ErrFrameTooLarge)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteByte(api.CmdData)

	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], api.MaxMsgLen+1)
	buf.Write(hdr[:])

	if _, err := New(buf, 0).ReadFrame(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("ReadFrame: got %v, want %v", err, ErrFrameTooLarge)
	}
}

func TestReadFrameBadChecksum(t *testing.T) {
	buf := &bytes.Buffer{}
	f := New(buf, 0)

	if err := f.WriteFrame(&Frame{Cmd: api.CmdData, Payload: []byte("abc")}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	// Flip a payload bit, leaving the checksum stale.
	raw := buf.Bytes()
	raw[api.FrameHeaderLen] ^= 0x01

	if _, err := New(bytes.NewBuffer(raw), 0).ReadFrame(); !errors.Is(err, ErrChecksum) {
		t.Fatalf("ReadFrame: got %v, want %v", err, ErrChecksum)
	}
}

func TestReadFrameTimeout(t *testing.T) {
	host, dev := net.Pipe()
	defer host.Close()
	defer dev.Close()

	f := New(dev, 20*time.Millisecond)

	if _, err := f.ReadFrame(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("ReadFrame: got %v, want %v", err, ErrTimeout)
	}
}

func TestStatusExchange(t *testing.T) {
	buf := &bytes.Buffer{}
	f := New(buf, 0)

	if err := f.WriteStatus(api.StatusOK); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}

	status, err := f.ReadStatus()
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if status != api.StatusOK {
		t.Fatalf("ReadStatus: got %#02x, want %#02x", status, api.StatusOK)
	}
}
