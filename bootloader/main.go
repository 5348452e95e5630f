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

// microboot is the device side of the secure bootloader, run against a
// simulated flash array: it accepts UPDATE and BOOT commands over a byte
// link, programs authenticated firmware into flash and launches the
// committed image.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/microboot-dev/microboot/internal/boot"
	"github.com/microboot-dev/microboot/internal/crypt"
	"github.com/microboot-dev/microboot/internal/flash"
)

var (
	listenAddr = flag.String("l", "127.0.0.1:7770", "listen address for the transport link")
	imagePath  = flag.String("f", "microboot.img", "flash image file")
	volatile   = flag.Bool("volatile", false, "use an in-memory flash array instead of the image file")
	secretPath = flag.String("secret", "", "provisioning secret file (hex)")
	serial     = flag.String("serial", "MB0000000000", "device serial number (key diversifier)")
	bootOut    = flag.String("boot-out", "", "write the launched image to this file")
	timeout    = flag.Duration("timeout", 3*time.Second, "per-frame receive timeout")
)

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)
}

func loadKey() []byte {
	if *secretPath == "" {
		log.Fatal("BL provisioning secret is missing (-secret)")
	}

	buf, err := os.ReadFile(*secretPath)
	if err != nil {
		log.Fatalf("BL could not read provisioning secret, %v", err)
	}

	secret, err := hex.DecodeString(strings.TrimSpace(string(buf)))
	if err != nil {
		log.Fatalf("BL invalid provisioning secret, %v", err)
	}

	return crypt.DeriveKey(secret, []byte(*serial))
}

// launch hands control to a validated image. In the simulator the handover
// is a log line plus an optional dump of the image for inspection.
func launch(img *boot.Image) error {
	sum := sha256.Sum256(img.Code)
	log.Printf("BL firmware v%d running, entry %#x, sha256 %x", img.Meta.Version, img.Entry, sum)

	if *bootOut != "" {
		return os.WriteFile(*bootOut, img.Code, 0o600)
	}

	return nil
}

func main() {
	flag.Parse()

	gw, err := crypt.NewGCM(loadKey())
	if err != nil {
		log.Fatalf("BL could not initialize crypto gateway, %v", err)
	}

	var dev flash.Device

	if *volatile {
		dev = flash.NewMemDev()
	} else {
		fdev, err := flash.OpenFile(*imagePath)
		if err != nil {
			log.Fatalf("BL could not open flash, %v", err)
		}
		defer fdev.Close()
		dev = fdev
	}

	drv := flash.NewDriver(dev)

	if m, err := boot.ReadMetadata(drv); err != nil {
		log.Printf("BL no bootable firmware, awaiting update (%v)", err)
	} else {
		log.Print(m.Print())
	}

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("BL could not listen on %s, %v", *listenAddr, err)
	}

	log.Printf("BL %s listening on %s", *serial, ln.Addr())

	ctl := &controlInterface{
		Gateway: gw,
		Driver:  drv,
		Launch:  launch,
		Timeout: *timeout,
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatalf("BL accept error, %v", err)
		}

		ctl.Serve(conn)
	}
}
