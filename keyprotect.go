// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2022 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package cryptorecovery

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	kdf "github.com/canonical/go-sp800.108-kdf"

	"golang.org/x/xerrors"
)

// KeyProtector wraps the private key material that the recovery flow stores
// locally between onboarding and recovery - the channel private key and the
// destination share. Implementations are expected to bind the wrapping to the
// user whose obfuscated username is supplied.
type KeyProtector interface {
	// ProtectKey wraps the supplied key for at-rest storage.
	ProtectKey(obfuscatedUsername string, key []byte) ([]byte, error)

	// UnprotectKey reverses ProtectKey.
	UnprotectKey(obfuscatedUsername string, blob []byte) ([]byte, error)
}

// PassthroughKeyProtector stores keys unwrapped. It stands in for a hardware
// backed protector in tests and on platforms without one.
type PassthroughKeyProtector struct{}

func (PassthroughKeyProtector) ProtectKey(_ string, key []byte) ([]byte, error) {
	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

func (PassthroughKeyProtector) UnprotectKey(_ string, blob []byte) ([]byte, error) {
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

// AESKeyProtector wraps keys with AES-256-GCM under a per-user key derived
// from a protector secret using the SP800-108 counter mode KDF, with the
// obfuscated username as the KDF context.
type AESKeyProtector struct {
	secret []byte
	rand   io.Reader
}

// NewAESKeyProtector creates an AESKeyProtector using the supplied protector
// secret, which must be kept by the caller for the lifetime of the protected
// keys.
func NewAESKeyProtector(secret []byte) *AESKeyProtector {
	return &AESKeyProtector{secret: secret, rand: rand.Reader}
}

func (p *AESKeyProtector) wrappingKey(obfuscatedUsername string) []byte {
	return kdf.CounterModeKey(kdf.NewHMACPRF(crypto.SHA256), p.secret, []byte("PROTECT"), []byte(obfuscatedUsername), aeadKeySize*8)
}

func (p *AESKeyProtector) ProtectKey(obfuscatedUsername string, key []byte) ([]byte, error) {
	wrappingKey := p.wrappingKey(obfuscatedUsername)
	defer wipeBytes(wrappingKey)

	b, err := aes.NewCipher(wrappingKey)
	if err != nil {
		return nil, xerrors.Errorf("cannot create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(b)
	if err != nil {
		return nil, xerrors.Errorf("cannot create AEAD cipher: %w", err)
	}
	nonce := make([]byte, aeadNonceSize)
	if _, err := io.ReadFull(p.rand, nonce); err != nil {
		return nil, xerrors.Errorf("cannot create nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, key, nil), nil
}

func (p *AESKeyProtector) UnprotectKey(obfuscatedUsername string, blob []byte) ([]byte, error) {
	if len(blob) < aeadNonceSize {
		return nil, xerrors.New("protected key blob too short")
	}
	wrappingKey := p.wrappingKey(obfuscatedUsername)
	defer wipeBytes(wrappingKey)

	b, err := aes.NewCipher(wrappingKey)
	if err != nil {
		return nil, xerrors.Errorf("cannot create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(b)
	if err != nil {
		return nil, xerrors.Errorf("cannot create AEAD cipher: %w", err)
	}
	key, err := aead.Open(nil, blob[:aeadNonceSize], blob[aeadNonceSize:], nil)
	if err != nil {
		return nil, xerrors.Errorf("cannot unwrap key: %w", err)
	}
	return key, nil
}
