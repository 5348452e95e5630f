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

package update

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"golang.org/x/mod/sumdb/note"

	"github.com/microboot-dev/microboot/api"
	"github.com/microboot-dev/microboot/internal/boot"
	"github.com/microboot-dev/microboot/internal/bundle"
	"github.com/microboot-dev/microboot/internal/crypt"
	"github.com/microboot-dev/microboot/internal/flash"
	"github.com/microboot-dev/microboot/internal/frame"
)

type env struct {
	g    *crypt.GCM
	dev  *flash.MemDev
	drv  *flash.Driver
	skey string
}

func newEnv(t *testing.T) *env {
	t.Helper()

	skey, _, err := note.GenerateKey(rand.Reader, "test-release")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	g, err := crypt.NewGCM(crypt.DeriveKey([]byte("factory secret"), []byte("MB0000000001")))
	if err != nil {
		t.Fatalf("NewGCM: %v", err)
	}

	dev := flash.NewMemDev()

	return &env{
		g:    g,
		dev:  dev,
		drv:  flash.NewDriver(dev),
		skey: skey,
	}
}

func (e *env) build(t *testing.T, image []byte, release string, min uint16, debug bool, msg string) *bundle.Bundle {
	t.Helper()

	b, err := bundle.Build(image, release, min, debug, msg, e.g, e.skey)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	return b
}

// push runs one update transaction: the machine on one end of a pipe, the
// host exchange on the other. The UPDATE command byte has already been
// consumed by the dispatcher in live operation, so the transfer starts at
// the metadata unit.
func (e *env) push(t *testing.T, b *bundle.Bundle) (hostErr, devErr error) {
	t.Helper()

	host, dev := net.Pipe()
	defer host.Close()
	defer dev.Close()

	m := New(frame.New(dev, time.Second), e.g, e.drv)

	errc := make(chan error, 1)
	go func() {
		errc <- m.Run()
	}()

	hostErr = hostUpdate(frame.New(host, time.Second), b)
	devErr = <-errc

	return hostErr, devErr
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

func hostUpdate(fr *frame.Framer, b *bundle.Bundle) error {
	if err := sendUnit(fr, b.Metadata); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	if err := awaitOK(fr); err != nil {
		return fmt.Errorf("metadata rejected: %w", err)
	}

	for i, u := range b.Chunks {
		if err := sendUnit(fr, u); err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		if err := awaitOK(fr); err != nil {
			return fmt.Errorf("chunk %d rejected: %w", i, err)
		}
	}

	return awaitOK(fr)
}

// image returns a deterministic test image of n bytes.
func image(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestUpdateThenBoot(t *testing.T) {
	e := newEnv(t)

	img := image(2*api.PageSize + 512)
	b := e.build(t, img, "0.5.0", 3, false, "hello")

	hostErr, devErr := e.push(t, b)
	if hostErr != nil || devErr != nil {
		t.Fatalf("push: host %v, device %v", hostErr, devErr)
	}

	loaded, err := boot.Load(e.drv)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Meta.Version != 5 || loaded.Meta.MinVersion != 3 {
		t.Errorf("committed version %d/%d, want 5/3", loaded.Meta.Version, loaded.Meta.MinVersion)
	}
	if loaded.Meta.Chunks != 3 {
		t.Errorf("committed chunks %d, want 3", loaded.Meta.Chunks)
	}
	if string(loaded.Meta.Message) != "hello" {
		t.Errorf("committed message %q, want %q", loaded.Meta.Message, "hello")
	}
	if !bytes.Equal(loaded.Code[:len(img)], img) {
		t.Error("booted code differs from transmitted plaintext")
	}
}

func TestUpdateIdempotent(t *testing.T) {
	e := newEnv(t)

	b := e.build(t, image(api.PageSize), "0.4.0", 2, false, "again")

	if hostErr, devErr := e.push(t, b); hostErr != nil || devErr != nil {
		t.Fatalf("first push: host %v, device %v", hostErr, devErr)
	}
	first := e.dev.Snapshot()

	if hostErr, devErr := e.push(t, b); hostErr != nil || devErr != nil {
		t.Fatalf("second push: host %v, device %v", hostErr, devErr)
	}

	if !bytes.Equal(first, e.dev.Snapshot()) {
		t.Fatal("repeating an identical update changed flash contents")
	}
}

func TestRollbackRejected(t *testing.T) {
	e := newEnv(t)

	img := image(2 * api.PageSize)

	if hostErr, devErr := e.push(t, e.build(t, img, "0.5.0", 3, false, "stable")); hostErr != nil || devErr != nil {
		t.Fatalf("initial push: host %v, device %v", hostErr, devErr)
	}

	before := e.dev.Snapshot()

	_, devErr := e.push(t, e.build(t, image(api.PageSize), "0.2.0", 3, false, "old"))

	var rejected *VersionRejectedError
	if !errors.As(devErr, &rejected) {
		t.Fatalf("push: got %v, want VersionRejectedError", devErr)
	}
	if rejected.Got != 2 || rejected.Floor != 3 {
		t.Errorf("rejected %d against floor %d, want 2 against 3", rejected.Got, rejected.Floor)
	}

	// The rollback gate runs before any flash write.
	if !bytes.Equal(before, e.dev.Snapshot()) {
		t.Fatal("rejected update modified flash")
	}

	loaded, err := boot.Load(e.drv)
	if err != nil {
		t.Fatalf("Load after rejection: %v", err)
	}
	if loaded.Meta.Version != 5 {
		t.Errorf("running version %d, want 5", loaded.Meta.Version)
	}
	if !bytes.Equal(loaded.Code, img) {
		t.Error("previously committed code no longer boots intact")
	}
}

func TestDebugBuildBypassesButNeverRaisesFloor(t *testing.T) {
	e := newEnv(t)

	if hostErr, devErr := e.push(t, e.build(t, image(api.PageSize), "0.5.0", 3, false, "stable")); hostErr != nil || devErr != nil {
		t.Fatalf("initial push: host %v, device %v", hostErr, devErr)
	}

	// A debug build below the floor is accepted, and the floor stays.
	if hostErr, devErr := e.push(t, e.build(t, image(api.PageSize), "0.2.0", 9, true, "debug")); hostErr != nil || devErr != nil {
		t.Fatalf("debug push: host %v, device %v", hostErr, devErr)
	}

	loaded, err := boot.Load(e.drv)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Meta.Version != 2 {
		t.Errorf("running version %d, want 2", loaded.Meta.Version)
	}
	if loaded.Meta.MinVersion != 3 {
		t.Errorf("rollback floor %d after debug build, want 3", loaded.Meta.MinVersion)
	}
}

func TestChunkAuthFailureKeepsOldFirmware(t *testing.T) {
	e := newEnv(t)

	img := image(2 * api.PageSize)

	if hostErr, devErr := e.push(t, e.build(t, img, "0.5.0", 3, false, "stable")); hostErr != nil || devErr != nil {
		t.Fatalf("initial push: host %v, device %v", hostErr, devErr)
	}

	before := e.dev.Snapshot()

	tampered := e.build(t, image(2*api.PageSize), "0.6.0", 3, false, "evil")
	tampered.Chunks[1].Ciphertext[0] ^= 0x01

	_, devErr := e.push(t, tampered)
	if !errors.Is(devErr, crypt.ErrVerification) {
		t.Fatalf("push: got %v, want %v", devErr, crypt.ErrVerification)
	}

	if !bytes.Equal(before, e.dev.Snapshot()) {
		t.Fatal("aborted update modified flash")
	}

	loaded, err := boot.Load(e.drv)
	if err != nil {
		t.Fatalf("Load after abort: %v", err)
	}
	if loaded.Meta.Version != 5 || !bytes.Equal(loaded.Code, img) {
		t.Fatal("previously committed firmware no longer bootable")
	}
}

func TestOversizedMessageRejected(t *testing.T) {
	e := newEnv(t)

	// A hand-built metadata unit declaring a message one byte over the
	// limit; Build refuses to produce one.
	pt := make([]byte, 10+api.MaxMsgLen+1)
	binary.LittleEndian.PutUint16(pt[0:], 1)               // version
	binary.LittleEndian.PutUint16(pt[4:], 1)               // chunks
	binary.LittleEndian.PutUint16(pt[8:], api.MaxMsgLen+1) // message length

	iv := bytes.Repeat([]byte{0x11}, api.IVLen)
	ct, tag, err := e.g.Seal(pt, iv)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	host, dev := net.Pipe()
	defer host.Close()
	defer dev.Close()

	m := New(frame.New(dev, time.Second), e.g, e.drv)

	errc := make(chan error, 1)
	go func() {
		errc <- m.Run()
	}()

	fr := frame.New(host, time.Second)

	if err := sendUnit(fr, bundle.Unit{IV: iv, Tag: tag, Ciphertext: ct}); err == nil {
		if err := awaitOK(fr); err == nil {
			t.Fatal("oversized message accepted")
		}
	}

	if devErr := <-errc; !errors.Is(devErr, frame.ErrFrameTooLarge) {
		t.Fatalf("machine error %v, want %v", devErr, frame.ErrFrameTooLarge)
	}
}

func TestCommitMarkerWrittenLast(t *testing.T) {
	e := newEnv(t)

	markerAddr := flash.MetaPage + api.PageSize - uint32(len(api.MetaMagic))

	var beforeMarker []byte
	e.dev.OnProgram = func(addr uint32) {
		if addr == markerAddr {
			beforeMarker = e.dev.Snapshot()
		}
	}

	if hostErr, devErr := e.push(t, e.build(t, image(api.PageSize), "0.1.0", 0, false, "first")); hostErr != nil || devErr != nil {
		t.Fatalf("push: host %v, device %v", hostErr, devErr)
	}

	if beforeMarker == nil {
		t.Fatal("validity marker was never programmed")
	}

	// Power loss just before the marker write: the record is in place but
	// the page is detectably incomplete.
	if bytes.Equal(beforeMarker[markerAddr:markerAddr+4], []byte(api.MetaMagic)) {
		t.Fatal("validity marker present before final write")
	}
	if m, err := api.DecodeMetadata(beforeMarker[flash.MetaPage : flash.MetaPage+api.PageSize]); err != nil || m.Version != 1 {
		t.Fatalf("metadata record not written before marker: %v", err)
	}
}

func TestTornCommitRecovery(t *testing.T) {
	e := newEnv(t)

	if hostErr, devErr := e.push(t, e.build(t, image(api.PageSize), "0.5.0", 3, false, "stable")); hostErr != nil || devErr != nil {
		t.Fatalf("initial push: host %v, device %v", hostErr, devErr)
	}

	// Tear the commit: record present, marker gone.
	meta := &api.Metadata{Version: 5, MinVersion: 3, Chunks: 1, Message: []byte("stable")}
	rec, err := meta.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	e.drv.Begin()
	if err := e.drv.ErasePage(flash.MetaPage); err != nil {
		t.Fatalf("ErasePage: %v", err)
	}
	if err := e.drv.Write(flash.MetaPage, flash.Pad(rec)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := boot.Load(e.drv); !errors.Is(err, boot.ErrTornCommit) {
		t.Fatalf("Load: got %v, want %v", err, boot.ErrTornCommit)
	}

	// The device stays resident and recovers via a fresh update, even one
	// below the unrecoverable floor.
	img := image(api.PageSize)
	if hostErr, devErr := e.push(t, e.build(t, img, "0.1.0", 1, false, "recovery")); hostErr != nil || devErr != nil {
		t.Fatalf("recovery push: host %v, device %v", hostErr, devErr)
	}

	loaded, err := boot.Load(e.drv)
	if err != nil {
		t.Fatalf("Load after recovery: %v", err)
	}
	if loaded.Meta.Version != 1 {
		t.Errorf("recovered version %d, want 1", loaded.Meta.Version)
	}
	if !bytes.Equal(loaded.Code, img) {
		t.Error("recovered code differs from transmitted plaintext")
	}
}
