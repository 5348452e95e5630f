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

// Package flash provides access to the firmware flash array: a capability
// interface implemented once per hardware target, and a driver enforcing
// the erase-before-write and word-alignment discipline on top of it.
package flash

import (
	"bytes"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/microboot-dev/microboot/api"
)

// Flash layout. The bootloader region is never writable through the
// driver; the metadata record occupies a single dedicated page.
const (
	// Size is the flash array size in bytes.
	Size uint32 = 0x40000

	// MetaPage is the address of the metadata page.
	MetaPage uint32 = 0xFC00

	// FirmwareStart is the base address of the firmware region.
	FirmwareStart uint32 = 0x10000

	// FirmwarePages is the number of pages reserved for firmware storage.
	FirmwarePages = (Size - FirmwareStart) / api.PageSize
)

// Device is the hardware capability consumed by the driver: page erase,
// word-granular programming and read-back. Implementations exist for the
// simulated in-memory array and for a persistent image file.
type Device interface {
	// ErasePage erases the page at the given page-aligned address.
	ErasePage(addr uint32) error
	// Program writes data at addr. data must be word-aligned in both
	// address and length. Programming can only clear bits on NOR-style
	// hardware; success of the operation does not imply the expected
	// bytes were stored, callers verify by read-back.
	Program(addr uint32, data []byte) error
	// Read reads len(b) bytes at addr into b.
	Read(addr uint32, b []byte) error
	// Size returns the array size in bytes.
	Size() uint32
}

// FaultError reports a flash programming fault: misalignment, an address
// outside the writable region, a write to unerased memory, or a read-back
// verification mismatch.
type FaultError struct {
	Op     string
	Addr   uint32
	Reason string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("flash fault: %s @ %#x: %s", e.Op, e.Addr, e.Reason)
}

// Driver enforces the flash programming discipline over a Device. It
// tracks which pages were erased within the current transaction and
// refuses writes outside of them.
//
// Driver is not safe for concurrent use; the bootloader has a single
// thread of control and write ordering is the sole correctness
// discipline.
type Driver struct {
	dev    Device
	erased map[uint32]bool
}

// NewDriver returns a driver over dev.
func NewDriver(dev Device) *Driver {
	return &Driver{
		dev:    dev,
		erased: make(map[uint32]bool),
	}
}

// Begin starts a new programming transaction, discarding erase state
// tracked for the previous one.
func (d *Driver) Begin() {
	d.erased = make(map[uint32]bool)
}

// ErasePage erases exactly one page. The address must be page-aligned and
// inside the writable region. Erasure is not undoable.
func (d *Driver) ErasePage(addr uint32) error {
	if addr%api.PageSize != 0 {
		return &FaultError{Op: "erase", Addr: addr, Reason: "address not page aligned"}
	}

	if addr < MetaPage || addr+api.PageSize > d.dev.Size() {
		return &FaultError{Op: "erase", Addr: addr, Reason: "address outside writable region"}
	}

	if err := d.dev.ErasePage(addr); err != nil {
		return &FaultError{Op: "erase", Addr: addr, Reason: err.Error()}
	}

	d.erased[addr] = true

	klog.V(2).Infof("erased page %#x", addr)

	return nil
}

// Write programs data at addr and verifies it by read-back. The address
// must be word-aligned, the length a multiple of the word size, and every
// page the write touches must have been erased within this transaction.
func (d *Driver) Write(addr uint32, data []byte) error {
	if addr%api.WriteSize != 0 {
		return &FaultError{Op: "write", Addr: addr, Reason: "address not word aligned"}
	}

	if len(data)%api.WriteSize != 0 {
		return &FaultError{Op: "write", Addr: addr, Reason: fmt.Sprintf("length %d not a multiple of the word size", len(data))}
	}

	if len(data) == 0 {
		return nil
	}

	for page := addr &^ (api.PageSize - 1); page < addr+uint32(len(data)); page += api.PageSize {
		if !d.erased[page] {
			return &FaultError{Op: "write", Addr: addr, Reason: fmt.Sprintf("page %#x not erased in this transaction", page)}
		}
	}

	if err := d.dev.Program(addr, data); err != nil {
		return &FaultError{Op: "write", Addr: addr, Reason: err.Error()}
	}

	verify := make([]byte, len(data))

	if err := d.dev.Read(addr, verify); err != nil {
		return &FaultError{Op: "verify", Addr: addr, Reason: err.Error()}
	}

	if !bytes.Equal(data, verify) {
		return &FaultError{Op: "verify", Addr: addr, Reason: "read-back mismatch"}
	}

	return nil
}

// Read reads len(b) bytes at addr into b.
func (d *Driver) Read(addr uint32, b []byte) error {
	if err := d.dev.Read(addr, b); err != nil {
		return &FaultError{Op: "read", Addr: addr, Reason: err.Error()}
	}

	return nil
}

// Pad returns data zero-padded up to the next word boundary.
func Pad(data []byte) []byte {
	if r := len(data) % api.WriteSize; r != 0 {
		data = append(data, make([]byte, api.WriteSize-r)...)
	}

	return data
}
