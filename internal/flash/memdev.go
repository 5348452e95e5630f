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

package flash

import (
	"fmt"

	"github.com/microboot-dev/microboot/api"
)

// MemDev is a simple in-memory flash array with NOR semantics: erasure
// sets a page to 0xFF, programming can only clear bits. Programming
// unerased memory therefore yields a read-back mismatch rather than the
// intended data, as on real hardware.
type MemDev struct {
	mem []byte

	// OnProgram, when set, is called just before each program operation,
	// allowing tests to inject power loss mid-transaction.
	OnProgram func(addr uint32)
}

// NewMemDev returns a fully erased in-memory flash array of the standard
// size.
func NewMemDev() *MemDev {
	mem := make([]byte, Size)
	for i := range mem {
		mem[i] = 0xFF
	}

	return &MemDev{mem: mem}
}

// Size returns the array size in bytes.
func (d *MemDev) Size() uint32 {
	return uint32(len(d.mem))
}

func (d *MemDev) bounds(op string, addr uint32, n int) error {
	if int64(addr)+int64(n) > int64(len(d.mem)) {
		return fmt.Errorf("%s [%#x, %#x) outside flash array of %#x bytes", op, addr, int64(addr)+int64(n), len(d.mem))
	}
	return nil
}

// ErasePage sets the page at addr to 0xFF.
func (d *MemDev) ErasePage(addr uint32) error {
	if err := d.bounds("erase", addr, api.PageSize); err != nil {
		return err
	}

	for i := addr; i < addr+api.PageSize; i++ {
		d.mem[i] = 0xFF
	}

	return nil
}

// Program clears the bits of data into the array at addr.
func (d *MemDev) Program(addr uint32, data []byte) error {
	if err := d.bounds("program", addr, len(data)); err != nil {
		return err
	}

	if d.OnProgram != nil {
		d.OnProgram(addr)
	}

	for i, b := range data {
		d.mem[addr+uint32(i)] &= b
	}

	return nil
}

// Read reads len(b) bytes at addr into b.
func (d *MemDev) Read(addr uint32, b []byte) error {
	if err := d.bounds("read", addr, len(b)); err != nil {
		return err
	}

	copy(b, d.mem[addr:])

	return nil
}

// Snapshot returns a copy of the full array contents.
func (d *MemDev) Snapshot() []byte {
	s := make([]byte, len(d.mem))
	copy(s, d.mem)
	return s
}
