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

// Package api defines the bootloader wire protocol: command and status
// bytes, frame layout, cryptographic framing constants and the firmware
// metadata record shared between the device and the host tools.
package api

// Protocol commands, one byte each.
const (
	// CmdUpdate begins a firmware update transaction.
	CmdUpdate byte = 'U'
	// CmdBoot requests launch of the installed firmware.
	CmdBoot byte = 'B'
	// CmdData carries a continuation payload within a transaction.
	CmdData byte = 'D'
)

// Status bytes, sent after every transactional step.
const (
	StatusOK    byte = 0x00
	StatusError byte = 0x01
)

const (
	// MaxMsgLen is the maximum frame payload size, and also bounds the
	// firmware release message.
	MaxMsgLen = 256

	// IVLen is the initialization vector length accompanying each
	// encrypted unit. The IV is supplied by the sender, never generated
	// on the device.
	IVLen = 16

	// TagLen is the authentication tag length of each encrypted unit.
	TagLen = 16
)

// Flash geometry. Erasure happens in full pages, programming in aligned
// words.
const (
	PageSize  = 1024
	WriteSize = 4
)

// Frame header/trailer sizes: command byte, big-endian length, payload,
// one checksum byte.
const (
	FrameHeaderLen = 3
	FrameMax       = FrameHeaderLen + MaxMsgLen + 1
)

// UnitHeaderLen is the payload size of the frame opening an encrypted unit
// transfer: IV, tag and a big-endian ciphertext length.
const UnitHeaderLen = IVLen + TagLen + 2
