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

package main

import (
	"errors"
	"log"
	"net"
	"time"

	"github.com/microboot-dev/microboot/api"
	"github.com/microboot-dev/microboot/internal/boot"
	"github.com/microboot-dev/microboot/internal/crypt"
	"github.com/microboot-dev/microboot/internal/flash"
	"github.com/microboot-dev/microboot/internal/frame"
	"github.com/microboot-dev/microboot/internal/update"
)

// controlInterface dispatches protocol commands arriving on the transport
// link to the update machine and the boot dispatcher. One link is served
// at a time; the bootloader has a single thread of control.
type controlInterface struct {
	Gateway crypt.Gateway
	Driver  *flash.Driver
	Launch  func(*boot.Image) error
	Timeout time.Duration
}

// Serve runs the command loop on conn until the link drops.
func (ctl *controlInterface) Serve(conn net.Conn) {
	defer conn.Close()

	log.Printf("BL link up (%s)", conn.RemoteAddr())

	fr := frame.New(conn, ctl.Timeout)

	for {
		f, err := fr.ReadFrame()

		switch {
		case err == nil:
		case errors.Is(err, frame.ErrTimeout):
			log.Printf("BL link idle, dropping")
			return
		default:
			log.Printf("BL link error, %v", err)
			return
		}

		switch f.Cmd {
		case api.CmdUpdate:
			ctl.handleUpdate(fr)
		case api.CmdBoot:
			ctl.handleBoot(fr)
		default:
			log.Printf("BL unknown command %#02x", f.Cmd)
			if err := fr.WriteStatus(api.StatusError); err != nil {
				return
			}
		}
	}
}

func (ctl *controlInterface) handleUpdate(fr *frame.Framer) {
	if err := fr.WriteStatus(api.StatusOK); err != nil {
		log.Printf("BL link error, %v", err)
		return
	}

	m := update.New(fr, ctl.Gateway, ctl.Driver)

	if err := m.Run(); err != nil {
		log.Printf("BL update failed, %v", err)
		return
	}

	log.Printf("BL update complete")
}

func (ctl *controlInterface) handleBoot(fr *frame.Framer) {
	img, err := boot.Load(ctl.Driver)
	if err != nil {
		// A torn commit is fatal to the boot attempt only: stay
		// resident and await a fresh update.
		log.Printf("BL refusing to boot, %v", err)
		if err := fr.WriteStatus(api.StatusError); err != nil {
			log.Printf("BL link error, %v", err)
		}
		return
	}

	if err := fr.WriteStatus(api.StatusOK); err != nil {
		log.Printf("BL link error, %v", err)
		return
	}

	if err := img.Launcher(ctl.Launch)(); err != nil {
		log.Printf("BL firmware execution error, %v", err)
	}
}
