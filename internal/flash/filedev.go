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
	"os"

	"k8s.io/klog/v2"

	"github.com/microboot-dev/microboot/api"
)

// FileDev is a flash array persisted to an image file, giving the
// simulated device non-volatile storage across runs. It shares MemDev's
// NOR semantics and writes through on every erase and program operation.
type FileDev struct {
	mem *MemDev
	f   *os.File
}

// OpenFile opens the flash image at path, creating a fully erased array
// if the file does not exist.
func OpenFile(path string) (*FileDev, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not open flash image: %w", err)
	}

	mem := NewMemDev()

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	switch st.Size() {
	case 0:
		klog.Infof("initializing erased flash image at %s (%d bytes)", path, Size)
		if _, err := f.WriteAt(mem.mem, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("could not initialize flash image: %w", err)
		}
	case int64(Size):
		if _, err := f.ReadAt(mem.mem, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("could not load flash image: %w", err)
		}
	default:
		f.Close()
		return nil, fmt.Errorf("flash image %s has size %d, want %d", path, st.Size(), Size)
	}

	return &FileDev{mem: mem, f: f}, nil
}

// Size returns the array size in bytes.
func (d *FileDev) Size() uint32 {
	return d.mem.Size()
}

// ErasePage sets the page at addr to 0xFF and flushes it to the image
// file.
func (d *FileDev) ErasePage(addr uint32) error {
	if err := d.mem.ErasePage(addr); err != nil {
		return err
	}

	return d.sync(addr, api.PageSize)
}

// Program clears the bits of data into the array at addr and flushes the
// affected range to the image file.
func (d *FileDev) Program(addr uint32, data []byte) error {
	if err := d.mem.Program(addr, data); err != nil {
		return err
	}

	return d.sync(addr, len(data))
}

// Read reads len(b) bytes at addr into b.
func (d *FileDev) Read(addr uint32, b []byte) error {
	return d.mem.Read(addr, b)
}

func (d *FileDev) sync(addr uint32, n int) error {
	if _, err := d.f.WriteAt(d.mem.mem[addr:int(addr)+n], int64(addr)); err != nil {
		return fmt.Errorf("could not persist flash image: %w", err)
	}

	return d.f.Sync()
}

// Close releases the underlying image file.
func (d *FileDev) Close() error {
	return d.f.Close()
}
