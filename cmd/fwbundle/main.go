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

// fwbundle produces signed, encrypted firmware bundles for microboot
// devices, and generates the release signing keys.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"log"
	"os"
	"strings"

	"golang.org/x/mod/sumdb/note"

	"github.com/microboot-dev/microboot/internal/bundle"
	"github.com/microboot-dev/microboot/internal/crypt"
)

type config struct {
	in      string
	out     string
	release string
	min     uint
	msg     string
	debug   bool

	secret string
	serial string

	skey   string
	vkey   string
	keygen string
}

var conf *config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	conf = &config{}

	flag.StringVar(&conf.in, "i", "", "firmware image to bundle")
	flag.StringVar(&conf.out, "o", "firmware.bundle", "bundle output path")
	flag.StringVar(&conf.release, "release", "", "release version (semver)")
	flag.UintVar(&conf.min, "min", 0, "anti-rollback floor shipped with the release")
	flag.StringVar(&conf.msg, "m", "", "release note (up to 256 bytes)")
	flag.BoolVar(&conf.debug, "debug", false, "mark as debug build (bypasses but never raises the floor)")
	flag.StringVar(&conf.secret, "secret", "", "provisioning secret file (hex)")
	flag.StringVar(&conf.serial, "serial", "MB0000000000", "target device serial number (key diversifier)")
	flag.StringVar(&conf.skey, "skey", "microboot.sec", "release signer key file")
	flag.StringVar(&conf.vkey, "vkey", "microboot.pub", "release verifier key file")
	flag.StringVar(&conf.keygen, "keygen", "", "generate a signing key pair under the given name and exit")
}

func keygen(name string) error {
	skey, vkey, err := note.GenerateKey(rand.Reader, name)
	if err != nil {
		return err
	}

	if err := os.WriteFile(conf.skey, []byte(skey+"\n"), 0o600); err != nil {
		return err
	}

	if err := os.WriteFile(conf.vkey, []byte(vkey+"\n"), 0o644); err != nil {
		return err
	}

	log.Printf("wrote %s (keep secret) and %s", conf.skey, conf.vkey)

	return nil
}

func gateway() (*crypt.GCM, error) {
	buf, err := os.ReadFile(conf.secret)
	if err != nil {
		return nil, err
	}

	secret, err := hex.DecodeString(strings.TrimSpace(string(buf)))
	if err != nil {
		return nil, err
	}

	return crypt.NewGCM(crypt.DeriveKey(secret, []byte(conf.serial)))
}

func build() error {
	image, err := os.ReadFile(conf.in)
	if err != nil {
		return err
	}

	g, err := gateway()
	if err != nil {
		return err
	}

	skey, err := os.ReadFile(conf.skey)
	if err != nil {
		return err
	}

	b, err := bundle.Build(image, conf.release, uint16(conf.min), conf.debug, conf.msg, g, strings.TrimSpace(string(skey)))
	if err != nil {
		return err
	}

	buf, err := b.Encode()
	if err != nil {
		return err
	}

	if err := os.WriteFile(conf.out, buf, 0o644); err != nil {
		return err
	}

	log.Printf("wrote %s: release %s (wire version %d), %d pages, floor %d",
		conf.out, b.Manifest.Release, b.Manifest.Version, b.Manifest.Chunks, b.Manifest.MinVersion)

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

	switch {
	case len(conf.keygen) > 0:
		err = keygen(conf.keygen)
	case len(conf.in) > 0:
		err = build()
	}
}
