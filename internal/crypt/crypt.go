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

// Package crypt implements the bootloader's crypto gateway: authenticated
// decryption of firmware units and derivation of the device firmware key
// from provisioning material. It never handles the bootloader's own code.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/microboot-dev/microboot/api"
)

const (
	// KeyLen is the firmware key length (AES-256).
	KeyLen = 32

	// kdfIterations is the PBKDF2 iteration count for firmware key
	// derivation.
	kdfIterations = 4096
)

// ErrVerification reports an authentication failure on an encrypted unit:
// corrupted or unauthorized firmware data.
var ErrVerification = errors.New("ciphertext verification failed")

// Gateway is the authenticated decryption capability consumed by the
// update state machine.
type Gateway interface {
	// DecryptAndVerify returns the plaintext of ciphertext, or
	// ErrVerification if the tag does not authenticate it under the
	// given IV.
	DecryptAndVerify(ciphertext, iv, tag []byte) ([]byte, error)
}

// GCM is an AES-256-GCM gateway with the protocol's 16 byte IVs.
type GCM struct {
	aead cipher.AEAD
}

// NewGCM returns a gateway using the given firmware key.
func NewGCM(key []byte) (*GCM, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("firmware key must be %d bytes, got %d", KeyLen, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCMWithNonceSize(block, api.IVLen)
	if err != nil {
		return nil, err
	}

	return &GCM{aead: aead}, nil
}

// DecryptAndVerify implements Gateway.
func (g *GCM) DecryptAndVerify(ciphertext, iv, tag []byte) ([]byte, error) {
	if len(iv) != api.IVLen {
		return nil, fmt.Errorf("%w: IV must be %d bytes", ErrVerification, api.IVLen)
	}

	if len(tag) != api.TagLen {
		return nil, fmt.Errorf("%w: tag must be %d bytes", ErrVerification, api.TagLen)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := g.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrVerification
	}

	return plaintext, nil
}

// Seal encrypts plaintext under iv, returning ciphertext and tag
// separately as framed on the wire. It is the host-side counterpart of
// DecryptAndVerify.
func (g *GCM) Seal(plaintext, iv []byte) (ciphertext, tag []byte, err error) {
	if len(iv) != api.IVLen {
		return nil, nil, fmt.Errorf("IV must be %d bytes, got %d", api.IVLen, len(iv))
	}

	sealed := g.aead.Seal(nil, iv, plaintext, nil)

	n := len(sealed) - api.TagLen

	return sealed[:n], sealed[n:], nil
}

// DeriveKey derives the firmware key from a provisioning secret and a per
// device diversifier.
func DeriveKey(secret, diversifier []byte) []byte {
	return pbkdf2.Key(secret, diversifier, kdfIterations, KeyLen, sha256.New)
}
