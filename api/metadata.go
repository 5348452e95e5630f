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

package api

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// MetaMagic is the metadata validity marker. It occupies the last word of
// the metadata page and is written only after every other field, so a
// commit interrupted by power loss is detectable.
const MetaMagic = "MBT1"

// Metadata flags. FlagDebug marks a debug build: it may bypass the
// anti-rollback floor but never raises it.
const FlagDebug uint16 = 1 << 0

// metaFixedLen is the size of the fixed fields preceding the message.
const metaFixedLen = 10

// MaxMetadataLen bounds the plaintext metadata unit.
const MaxMetadataLen = metaFixedLen + MaxMsgLen

var (
	// ErrMessageTooLong reports a release message exceeding MaxMsgLen.
	ErrMessageTooLong = errors.New("metadata message exceeds maximum length")
	// ErrMetadataShort reports a truncated metadata record.
	ErrMetadataShort = errors.New("metadata record truncated")
)

// Metadata identifies an installed or in-flight firmware image.
//
// Version and MinVersion are only ever committed together, after a fully
// successful update transaction.
type Metadata struct {
	// Version is the build identifier of the image.
	Version uint16
	// MinVersion is the anti-rollback floor: later updates carrying a
	// version below it are refused.
	MinVersion uint16
	// Chunks is the image length in flash pages.
	Chunks uint16
	// Flags carries build attributes, see FlagDebug.
	Flags uint16
	// Message is the human readable release note, at most MaxMsgLen bytes.
	Message []byte
}

// Debug reports whether the image is flagged as a debug build.
func (m *Metadata) Debug() bool {
	return m.Flags&FlagDebug != 0
}

// Encode serializes the metadata record: four little-endian uint16 fields,
// a message length and the message bytes.
func (m *Metadata) Encode() ([]byte, error) {
	if len(m.Message) > MaxMsgLen {
		return nil, ErrMessageTooLong
	}

	buf := make([]byte, metaFixedLen+len(m.Message))
	binary.LittleEndian.PutUint16(buf[0:], m.Version)
	binary.LittleEndian.PutUint16(buf[2:], m.MinVersion)
	binary.LittleEndian.PutUint16(buf[4:], m.Chunks)
	binary.LittleEndian.PutUint16(buf[6:], m.Flags)
	binary.LittleEndian.PutUint16(buf[8:], uint16(len(m.Message)))
	copy(buf[metaFixedLen:], m.Message)

	return buf, nil
}

// DecodeMetadata deserializes a metadata record produced by Encode.
// Trailing bytes beyond the declared message length are ignored, which
// allows decoding directly from a zero-padded flash page.
func DecodeMetadata(buf []byte) (*Metadata, error) {
	if len(buf) < metaFixedLen {
		return nil, ErrMetadataShort
	}

	m := &Metadata{
		Version:    binary.LittleEndian.Uint16(buf[0:]),
		MinVersion: binary.LittleEndian.Uint16(buf[2:]),
		Chunks:     binary.LittleEndian.Uint16(buf[4:]),
		Flags:      binary.LittleEndian.Uint16(buf[6:]),
	}

	msgLen := int(binary.LittleEndian.Uint16(buf[8:]))

	if msgLen > MaxMsgLen {
		return nil, ErrMessageTooLong
	}

	if metaFixedLen+msgLen > len(buf) {
		return nil, ErrMetadataShort
	}

	m.Message = make([]byte, msgLen)
	copy(m.Message, buf[metaFixedLen:])

	return m, nil
}

// Print returns the metadata in textual format.
func (m *Metadata) Print() string {
	var s bytes.Buffer

	s.WriteString("------------------------------------------------------------- Firmware ----\n")
	s.WriteString(fmt.Sprintf("Version ................: %d\n", m.Version))
	s.WriteString(fmt.Sprintf("Rollback floor .........: %d\n", m.MinVersion))
	s.WriteString(fmt.Sprintf("Size ...................: %d pages\n", m.Chunks))
	s.WriteString(fmt.Sprintf("Debug build ............: %v\n", m.Debug()))
	s.WriteString(fmt.Sprintf("Release note ...........: %s", m.Message))

	return s.String()
}
