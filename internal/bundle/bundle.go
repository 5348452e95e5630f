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

// Package bundle builds, serializes and verifies encrypted firmware
// bundles: the artifact produced at release time and streamed to the
// device by the updater. The bundle carries the sealed metadata unit, one
// sealed unit per firmware page, and a signed note binding the manifest.
package bundle

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"

	"github.com/microboot-dev/microboot/api"
	"github.com/microboot-dev/microboot/internal/crypt"
	"github.com/microboot-dev/microboot/internal/flash"
)

// Unit is one encrypted transfer unit as framed on the wire: the IV and
// tag accompany the ciphertext, each unit sealed independently.
type Unit struct {
	IV         []byte
	Tag        []byte
	Ciphertext []byte
}

// Manifest describes a firmware release in the clear.
type Manifest struct {
	// Release is the semantic version of the release.
	Release string
	// Version is the 16 bit wire version, derived from Release.
	Version uint16
	// MinVersion is the anti-rollback floor shipped with the release.
	MinVersion uint16
	// Debug marks a debug build.
	Debug bool
	// Message is the release note.
	Message string
	// Chunks is the image length in pages.
	Chunks uint16
	// SHA256 is the digest of the plaintext image.
	SHA256 [sha256.Size]byte
}

// Bundle is the on-disk firmware update artifact.
type Bundle struct {
	Manifest Manifest
	// Note is the signed note over the manifest.
	Note []byte
	// Metadata is the sealed metadata unit.
	Metadata Unit
	// Chunks are the sealed firmware pages, in programming order.
	Chunks []Unit
}

// WireVersion derives the 16 bit protocol version from a semantic release
// version: major in the high byte, minor in the low byte.
func WireVersion(release string) (uint16, error) {
	v, err := semver.NewVersion(release)
	if err != nil {
		return 0, fmt.Errorf("invalid release version %q: %w", release, err)
	}

	if v.Major > 0xFF || v.Minor > 0xFF {
		return 0, fmt.Errorf("release %q does not fit the 16 bit wire version", release)
	}

	return uint16(v.Major)<<8 | uint16(v.Minor), nil
}

// Build seals image into a bundle under g, signing the manifest with the
// note signer key skey. Each unit gets a fresh random IV; the device never
// generates them.
func Build(image []byte, release string, minVersion uint16, debug bool, message string, g *crypt.GCM, skey string) (*Bundle, error) {
	if len(image) == 0 {
		return nil, errors.New("empty firmware image")
	}

	version, err := WireVersion(release)
	if err != nil {
		return nil, err
	}

	chunks := (len(image) + api.PageSize - 1) / api.PageSize

	if uint32(chunks) > flash.FirmwarePages {
		return nil, fmt.Errorf("image of %d pages exceeds firmware region of %d pages", chunks, flash.FirmwarePages)
	}

	meta := &api.Metadata{
		Version:    version,
		MinVersion: minVersion,
		Chunks:     uint16(chunks),
		Message:    []byte(message),
	}

	if debug {
		meta.Flags |= api.FlagDebug
	}

	pt, err := meta.Encode()
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		Manifest: Manifest{
			Release:    release,
			Version:    version,
			MinVersion: minVersion,
			Debug:      debug,
			Message:    message,
			Chunks:     uint16(chunks),
			SHA256:     sha256.Sum256(image),
		},
	}

	if b.Metadata, err = seal(g, pt); err != nil {
		return nil, err
	}

	for off := 0; off < len(image); off += api.PageSize {
		end := off + api.PageSize
		if end > len(image) {
			end = len(image)
		}

		u, err := seal(g, image[off:end])
		if err != nil {
			return nil, err
		}

		b.Chunks = append(b.Chunks, u)
	}

	signer, err := note.NewSigner(skey)
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}

	if b.Note, err = note.Sign(&note.Note{Text: b.noteText()}, signer); err != nil {
		return nil, err
	}

	return b, nil
}

func seal(g *crypt.GCM, pt []byte) (Unit, error) {
	iv := make([]byte, api.IVLen)

	if _, err := rand.Read(iv); err != nil {
		return Unit{}, err
	}

	ct, tag, err := g.Seal(pt, iv)
	if err != nil {
		return Unit{}, err
	}

	return Unit{IV: iv, Tag: tag, Ciphertext: ct}, nil
}

// noteText is the canonical manifest statement covered by the bundle
// signature.
func (b *Bundle) noteText() string {
	m := b.Manifest

	return fmt.Sprintf("microboot firmware bundle\nrelease %s\nversion %d\nminversion %d\ndebug %t\nchunks %d\nsha256 %x\n",
		m.Release, m.Version, m.MinVersion, m.Debug, m.Chunks, m.SHA256)
}

// Verify checks the bundle signature against the note verifier key vkey
// and that the signed statement matches the manifest. It must pass before
// any byte of the bundle is sent to a device.
func (b *Bundle) Verify(vkey string) error {
	v, err := note.NewVerifier(vkey)
	if err != nil {
		return fmt.Errorf("invalid verifier key: %w", err)
	}

	n, err := note.Open(b.Note, note.VerifierList(v))
	if err != nil {
		return fmt.Errorf("bundle signature: %w", err)
	}

	if n.Text != b.noteText() {
		return errors.New("bundle manifest does not match signed statement")
	}

	return nil
}

// Encode serializes the bundle.
func (b *Bundle) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	err := gob.NewEncoder(buf).Encode(b)
	return buf.Bytes(), err
}

// Decode deserializes a bundle produced by Encode.
func Decode(buf []byte) (*Bundle, error) {
	b := &Bundle{}
	err := gob.NewDecoder(bytes.NewReader(buf)).Decode(b)
	return b, err
}
