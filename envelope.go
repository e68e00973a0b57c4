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
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/xerrors"

	"github.com/kaazoo/cryptorecovery/internal/ecutil"
)

const (
	aeadKeySize   = 32
	aeadNonceSize = 12
	aeadTagSize   = 16
)

// KDF labels for the three protocol encryption layers and the recovery key.
var (
	hsmPayloadLabel      = []byte("HSM-PAYLOAD")
	requestPayloadLabel  = []byte("REQUEST-PAYLOAD")
	responsePayloadLabel = []byte("RESPONSE-PAYLOAD")
	recoveryKeyLabel     = []byte("RECOVERY-KEY")
)

// deriveAeadKey computes an AES-256 key from the ECDH agreement between the
// supplied private scalar and public point, via HKDF-SHA256 over the SEC1
// encoding of the shared point. The label and any extra info bytes are bound
// into the HKDF info parameter, so two parties derive the same key only if
// they agree on both.
func deriveAeadKey(curve ecutil.Curve, priv *big.Int, pub *ecutil.Point, salt, label, extraInfo []byte) ([]byte, error) {
	shared, err := curve.ScalarMult(priv, pub)
	if err != nil {
		return nil, xerrors.Errorf("cannot compute shared point: %w", err)
	}
	secret, err := curve.EncodePoint(shared)
	if err != nil {
		return nil, xerrors.Errorf("cannot encode shared point: %w", err)
	}
	defer wipeBytes(secret)

	info := make([]byte, 0, len(label)+len(extraInfo))
	info = append(info, label...)
	info = append(info, extraInfo...)

	key := make([]byte, aeadKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key); err != nil {
		return nil, xerrors.Errorf("cannot derive key: %w", err)
	}
	return key, nil
}

// deriveRecoveryKey computes the recovery key from the recovery point. The
// construction is HKDF-SHA256 over the SEC1 uncompressed encoding of the
// point, with an empty salt and the "RECOVERY-KEY" info label, producing 32
// bytes. Both enrollment and recovery must use this exact layout for the
// round-trip invariant to hold.
func deriveRecoveryKey(curve ecutil.Curve, point *ecutil.Point) ([]byte, error) {
	encoded, err := curve.EncodePoint(point)
	if err != nil {
		return nil, xerrors.Errorf("cannot encode recovery point: %w", err)
	}
	defer wipeBytes(encoded)

	key := make([]byte, aeadKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, encoded, nil, recoveryKeyLabel), key); err != nil {
		return nil, xerrors.Errorf("cannot derive recovery key: %w", err)
	}
	return key, nil
}

// aeadSeal encrypts the supplied plain text with AES-256-GCM, returning the
// nonce, the cipher text and the authentication tag separately, matching the
// envelope layout of the payload structures.
func aeadSeal(rand io.Reader, key, plainText, associatedData []byte) (nonce, cipherText, tag []byte, err error) {
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, xerrors.Errorf("cannot create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(b)
	if err != nil {
		return nil, nil, nil, xerrors.Errorf("cannot create AEAD cipher: %w", err)
	}
	nonce = make([]byte, aeadNonceSize)
	if _, err := io.ReadFull(rand, nonce); err != nil {
		return nil, nil, nil, xerrors.Errorf("cannot create nonce: %w", err)
	}
	out := aead.Seal(nil, nonce, plainText, associatedData)
	return nonce, out[:len(out)-aeadTagSize], out[len(out)-aeadTagSize:], nil
}

// aeadOpen reverses aeadSeal. An integrity failure is returned unwrapped so
// that callers can classify it.
func aeadOpen(key, nonce, cipherText, tag, associatedData []byte) ([]byte, error) {
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Errorf("cannot create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(b)
	if err != nil {
		return nil, xerrors.Errorf("cannot create AEAD cipher: %w", err)
	}
	ct := make([]byte, 0, len(cipherText)+len(tag))
	ct = append(ct, cipherText...)
	ct = append(ct, tag...)
	return aead.Open(nil, nonce, ct, associatedData)
}

// wipeBytes is a best effort clear of secret material that is about to go
// out of scope.
func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
