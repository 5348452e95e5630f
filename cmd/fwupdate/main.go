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

// fwupdate streams a signed firmware bundle to a microboot device and
// optionally boots the installed image. Nothing is retried: on any ERROR
// status the exchange must be restarted from scratch.
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/microboot-dev/microboot/api"
	"github.com/microboot-dev/microboot/internal/bundle"
	"github.com/microboot-dev/microboot/internal/frame"
)

type config struct {
	addr    string
	bundle  string
	vkey    string
	boot    bool
	timeout time.Duration
}

var conf *config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	conf = &config{}

	flag.StringVar(&conf.addr, "a", "127.0.0.1:7770", "device transport address")
	flag.StringVar(&conf.bundle, "b", "", "firmware bundle to send")
	flag.StringVar(&conf.vkey, "vkey", "microboot.pub", "release verifier key file")
	flag.BoolVar(&conf.boot, "boot", false, "boot the installed firmware after a successful update")
	flag.DurationVar(&conf.timeout, "timeout", 3*time.Second, "per-response timeout")
}

func awaitOK(fr *frame.Framer) error {
	status, err := fr.ReadStatus()
	if err != nil {
		return err
	}

	if status != api.StatusOK {
		return fmt.Errorf("device responded with status %#02x", status)
	}

	return nil
}

// sendUnit transfers one encrypted unit: the IV/tag/length header frame,
// then the ciphertext in payload-sized continuation frames, each frame
// acknowledged by the device.
func sendUnit(fr *frame.Framer, u bundle.Unit) error {
	hdr := make([]byte, 0, api.UnitHeaderLen)
	hdr = append(hdr, u.IV...)
	hdr = append(hdr, u.Tag...)
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(len(u.Ciphertext)))

	if err := fr.WriteFrame(&frame.Frame{Cmd: api.CmdData, Payload: hdr}); err != nil {
		return err
	}

	if err := awaitOK(fr); err != nil {
		return err
	}

	for off := 0; off < len(u.Ciphertext); off += api.MaxMsgLen {
		end := off + api.MaxMsgLen
		if end > len(u.Ciphertext) {
			end = len(u.Ciphertext)
		}

		if err := fr.WriteFrame(&frame.Frame{Cmd: api.CmdData, Payload: u.Ciphertext[off:end]}); err != nil {
			return err
		}

		if err := awaitOK(fr); err != nil {
			return err
		}
	}

	return nil
}

func update(fr *frame.Framer, b *bundle.Bundle) error {
	if err := fr.WriteFrame(&frame.Frame{Cmd: api.CmdUpdate}); err != nil {
		return err
	}

	if err := awaitOK(fr); err != nil {
		return fmt.Errorf("update handshake: %w", err)
	}

	if err := sendUnit(fr, b.Metadata); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}

	// Metadata acceptance: decryption and the rollback gate.
	if err := awaitOK(fr); err != nil {
		return fmt.Errorf("metadata rejected: %w", err)
	}

	bar := pb.StartNew(len(b.Chunks))

	for i, u := range b.Chunks {
		if err := sendUnit(fr, u); err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}

		// Chunk programmed and verified.
		if err := awaitOK(fr); err != nil {
			return fmt.Errorf("chunk %d rejected: %w", i, err)
		}

		bar.Increment()
	}

	bar.Finish()

	// Commit.
	if err := awaitOK(fr); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

func run() error {
	if len(conf.bundle) == 0 {
		return errors.New("missing bundle (-b)")
	}

	buf, err := os.ReadFile(conf.bundle)
	if err != nil {
		return err
	}

	b, err := bundle.Decode(buf)
	if err != nil {
		return err
	}

	vkey, err := os.ReadFile(conf.vkey)
	if err != nil {
		return err
	}

	if err := b.Verify(strings.TrimSpace(string(vkey))); err != nil {
		return err
	}

	log.Printf("sending release %s (wire version %d, %d pages) to %s",
		b.Manifest.Release, b.Manifest.Version, b.Manifest.Chunks, conf.addr)

	conn, err := net.Dial("tcp", conf.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	fr := frame.New(conn, conf.timeout)

	if err := update(fr, b); err != nil {
		return err
	}

	log.Printf("update committed")

	if conf.boot {
		if err := fr.WriteFrame(&frame.Frame{Cmd: api.CmdBoot}); err != nil {
			return err
		}

		if err := awaitOK(fr); err != nil {
			return fmt.Errorf("boot: %w", err)
		}

		log.Printf("device booted installed firmware")
	}

	return nil
}

func main() {
	var err error

	defer func() {
		if flag.NFlag() == 0 {
			flag.PrintDefaults()
		}

		if err != nil {
			log.Fatalf("fatal error, %s", err)
		}
	}()

	flag.Parse()

	err = run()
}
