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

// Package update implements the firmware update transaction: metadata
// reception and validation, anti-rollback enforcement, chunk-by-chunk
// decryption and flash programming, and the atomic metadata commit.
//
// Any failure aborts the transaction wholesale; the previously committed
// firmware remains authoritative. The metadata validity marker is written
// last, so a commit interrupted by power loss is detectable at boot.
package update

import (
	"encoding/binary"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/microboot-dev/microboot/api"
	"github.com/microboot-dev/microboot/internal/boot"
	"github.com/microboot-dev/microboot/internal/crypt"
	"github.com/microboot-dev/microboot/internal/flash"
	"github.com/microboot-dev/microboot/internal/frame"
)

// State enumerates the update transaction states.
type State int

const (
	Idle State = iota
	AwaitMetadata
	ValidateVersion
	ReceiveChunk
	ProgramChunk
	Commit
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitMetadata:
		return "await-metadata"
	case ValidateVersion:
		return "validate-version"
	case ReceiveChunk:
		return "receive-chunk"
	case ProgramChunk:
		return "program-chunk"
	case Commit:
		return "commit"
	case Aborted:
		return "aborted"
	}
	panic(fmt.Errorf("unknown state %d", int(s)))
}

// VersionRejectedError reports a rollback attempt: an image version below
// the committed floor without the debug flag.
type VersionRejectedError struct {
	Got   uint16
	Floor uint16
}

func (e *VersionRejectedError) Error() string {
	return fmt.Sprintf("version %d rejected: rollback floor is %d", e.Got, e.Floor)
}

// Machine runs firmware update transactions over a framed link, driving
// the crypto gateway and the flash driver. It is single threaded: flash
// and crypto operations block until complete, and the machine does not
// advance to the next chunk until the current erase/write/verify cycle is
// done.
type Machine struct {
	fr    *frame.Framer
	gw    crypt.Gateway
	drv   *flash.Driver
	state State
}

// New returns an update machine over the given link, gateway and driver.
func New(fr *frame.Framer, gw crypt.Gateway, drv *flash.Driver) *Machine {
	return &Machine{
		fr:  fr,
		gw:  gw,
		drv: drv,
	}
}

// State returns the current transaction state.
func (m *Machine) State() State {
	return m.state
}

// Run executes one full update transaction, the UPDATE command byte having
// already been consumed by the dispatcher. On failure a single ERROR
// status is reported and the transaction is abandoned; the host is
// expected to restart the exchange from scratch.
func (m *Machine) Run() error {
	err := m.run()

	if err != nil {
		klog.Errorf("update aborted in state %v: %v", m.state, err)
		m.state = Aborted

		// Best effort: the link itself may be the failure.
		if werr := m.fr.WriteStatus(api.StatusError); werr != nil {
			klog.V(1).Infof("could not report abort: %v", werr)
		}
	}

	m.state = Idle

	return err
}

func (m *Machine) run() error {
	m.state = AwaitMetadata

	iv, tag, ct, err := m.recvUnit(api.MaxMetadataLen)
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}

	pt, err := m.gw.DecryptAndVerify(ct, iv, tag)
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}

	meta, err := api.DecodeMetadata(pt)
	if err != nil {
		if errors.Is(err, api.ErrMessageTooLong) {
			return fmt.Errorf("%w: metadata message", frame.ErrFrameTooLarge)
		}
		return fmt.Errorf("metadata: %w", err)
	}

	m.state = ValidateVersion

	// The rollback gate runs before any flash write occurs.
	floor := m.floor()

	if meta.Version < floor && !meta.Debug() {
		return &VersionRejectedError{Got: meta.Version, Floor: floor}
	}

	if meta.Chunks == 0 || uint32(meta.Chunks) > flash.FirmwarePages {
		return fmt.Errorf("image of %d pages outside firmware region of %d pages", meta.Chunks, flash.FirmwarePages)
	}

	if meta.Debug() {
		klog.Warningf("debug build v%d accepted, rollback floor stays at %d", meta.Version, floor)
	}

	klog.Infof("receiving firmware v%d (%d pages)", meta.Version, meta.Chunks)

	if err := m.fr.WriteStatus(api.StatusOK); err != nil {
		return err
	}

	// Every chunk is received and authenticated before a single flash
	// write occurs: an image failing authentication at any chunk must
	// leave the previously committed firmware untouched and bootable.
	staged := make([][]byte, 0, meta.Chunks)

	for i := uint16(0); i < meta.Chunks; i++ {
		m.state = ReceiveChunk

		iv, tag, ct, err := m.recvUnit(api.PageSize)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}

		code, err := m.gw.DecryptAndVerify(ct, iv, tag)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}

		staged = append(staged, flash.Pad(code))

		if err := m.fr.WriteStatus(api.StatusOK); err != nil {
			return err
		}
	}

	m.state = ProgramChunk
	m.drv.Begin()

	// Invalidate the committed metadata before touching the firmware
	// region: a fault or power loss mid-programming must never leave
	// metadata addressing partially written code. The erased page is
	// detected at boot and recovered by a fresh update.
	if err := m.drv.ErasePage(flash.MetaPage); err != nil {
		return err
	}

	for i, code := range staged {
		addr := flash.FirmwareStart + uint32(i)*api.PageSize

		if err := m.drv.ErasePage(addr); err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}

		if err := m.drv.Write(addr, code); err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}

		klog.V(1).Infof("programmed chunk %d/%d @ %#x (%d bytes)", i+1, meta.Chunks, addr, len(code))
	}

	m.state = Commit

	if err := m.commit(meta, floor); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	klog.Infof("committed firmware v%d, rollback floor %d", meta.Version, meta.MinVersion)

	return m.fr.WriteStatus(api.StatusOK)
}

// floor returns the committed anti-rollback floor. A device with no valid
// committed metadata, including one recovering from a torn commit, has no
// floor.
func (m *Machine) floor() uint16 {
	prev, err := boot.ReadMetadata(m.drv)

	switch {
	case err == nil:
		return prev.MinVersion
	case errors.Is(err, boot.ErrNoFirmware):
		return 0
	default:
		klog.Warningf("no usable rollback floor: %v", err)
		return 0
	}
}

// commit atomically replaces the committed metadata, the page having been
// erased earlier in this transaction. Version and MinVersion change
// together, here only; debug builds never raise the stored floor.
func (m *Machine) commit(meta *api.Metadata, floor uint16) error {
	committed := *meta

	if meta.Debug() {
		committed.MinVersion = floor
	}

	rec, err := committed.Encode()
	if err != nil {
		return err
	}

	if err := m.drv.Write(flash.MetaPage, flash.Pad(rec)); err != nil {
		return err
	}

	// The validity marker goes in last: a crash before this write leaves
	// the commit detectably incomplete.
	return m.drv.Write(flash.MetaPage+api.PageSize-uint32(len(api.MetaMagic)), []byte(api.MetaMagic))
}

// recvUnit receives one encrypted unit: a header frame carrying IV, tag
// and ciphertext length, then as many continuation frames as the length
// requires. Every accepted frame is acknowledged with OK.
func (m *Machine) recvUnit(max int) (iv, tag, ct []byte, err error) {
	hdr, err := m.readData()
	if err != nil {
		return nil, nil, nil, err
	}

	if len(hdr) != api.UnitHeaderLen {
		return nil, nil, nil, fmt.Errorf("unit header of %d bytes, want %d", len(hdr), api.UnitHeaderLen)
	}

	iv = hdr[:api.IVLen]
	tag = hdr[api.IVLen : api.IVLen+api.TagLen]
	clen := int(binary.BigEndian.Uint16(hdr[api.IVLen+api.TagLen:]))

	if clen > max {
		return nil, nil, nil, fmt.Errorf("%w: unit of %d bytes", frame.ErrFrameTooLarge, clen)
	}

	if clen == 0 {
		return nil, nil, nil, errors.New("empty unit")
	}

	if err := m.fr.WriteStatus(api.StatusOK); err != nil {
		return nil, nil, nil, err
	}

	ct = make([]byte, 0, clen)

	for len(ct) < clen {
		data, err := m.readData()
		if err != nil {
			return nil, nil, nil, err
		}

		if len(ct)+len(data) > clen {
			return nil, nil, nil, fmt.Errorf("unit overflow: %d bytes after %d of %d", len(data), len(ct), clen)
		}

		ct = append(ct, data...)

		if err := m.fr.WriteStatus(api.StatusOK); err != nil {
			return nil, nil, nil, err
		}
	}

	return iv, tag, ct, nil
}

func (m *Machine) readData() ([]byte, error) {
	fr, err := m.fr.ReadFrame()
	if err != nil {
		return nil, err
	}

	if fr.Cmd != api.CmdData {
		return nil, fmt.Errorf("unexpected command %#02x mid-transaction", fr.Cmd)
	}

	return fr.Payload, nil
}
