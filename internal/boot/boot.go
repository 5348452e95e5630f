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

// Package boot validates committed firmware metadata and prepares the
// installed image for launch. It never hands over control on inconsistent
// metadata: a torn commit keeps the device in the bootloader awaiting a
// fresh update.
package boot

import (
	"bytes"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/microboot-dev/microboot/api"
	"github.com/microboot-dev/microboot/internal/flash"
)

var (
	// ErrTornCommit reports a metadata page whose validity marker is
	// missing or wrong: a commit interrupted before completion.
	ErrTornCommit = errors.New("torn metadata commit")

	// ErrNoFirmware reports an erased metadata page: no firmware has
	// ever been committed.
	ErrNoFirmware = errors.New("no committed firmware")
)

// Image is a validated, committed firmware image ready to launch.
type Image struct {
	Meta *api.Metadata
	// Entry is the firmware entry point address.
	Entry uint32
	// Code is the installed image, Meta.Chunks pages long.
	Code []byte
}

// Chain is the next stage in the boot process.
type Chain func() error

// ReadMetadata reads and validates the committed metadata record. The
// trailing validity marker is checked before anything else: it is the
// single point of truth for commit completeness.
func ReadMetadata(drv *flash.Driver) (*api.Metadata, error) {
	page := make([]byte, api.PageSize)

	if err := drv.Read(flash.MetaPage, page); err != nil {
		return nil, err
	}

	marker := page[api.PageSize-len(api.MetaMagic):]

	if !bytes.Equal(marker, []byte(api.MetaMagic)) {
		erased := true
		for _, b := range page {
			if b != 0xFF {
				erased = false
				break
			}
		}

		if erased {
			return nil, ErrNoFirmware
		}

		return nil, fmt.Errorf("%w: validity marker %x", ErrTornCommit, marker)
	}

	m, err := api.DecodeMetadata(page)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTornCommit, err)
	}

	if m.Chunks == 0 || uint32(m.Chunks) > flash.FirmwarePages {
		return nil, fmt.Errorf("committed chunk count %d outside firmware region of %d pages", m.Chunks, flash.FirmwarePages)
	}

	return m, nil
}

// Load validates the committed metadata and reads the installed image.
func Load(drv *flash.Driver) (*Image, error) {
	m, err := ReadMetadata(drv)
	if err != nil {
		return nil, err
	}

	code := make([]byte, uint32(m.Chunks)*api.PageSize)

	if err := drv.Read(flash.FirmwareStart, code); err != nil {
		return nil, err
	}

	klog.V(1).Infof("loaded firmware v%d: %d pages @ %#x", m.Version, m.Chunks, flash.FirmwareStart)

	return &Image{
		Meta:  m,
		Entry: flash.FirmwareStart,
		Code:  code,
	}, nil
}

// Launcher returns the boot chain handing control to the image through
// run. The chain is only constructed for a validated image.
func (img *Image) Launcher(run func(*Image) error) Chain {
	return func() error {
		klog.Infof("launching firmware v%d entry:%#x size:%d", img.Meta.Version, img.Entry, len(img.Code))
		return run(img)
	}
}
