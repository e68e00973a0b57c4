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

// Package tpm2test provides a software simulation of the capabilities that
// the sealing protocol consumes from a TPM 2.0 device, so that tests can run
// without hardware or a simulator binary.
package tpm2test

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/canonical/go-tpm2"

	recovery_tpm2 "github.com/kaazoo/cryptorecovery/tpm2"
)

const nonceSizeBytes = 20

type sealedEntry struct {
	secret       []byte
	policyDigest []byte
}

// Simulator implements recovery_tpm2.TpmBackend in software. Policy digests
// are accumulated with a hash chain that both trial and enforcing sessions
// compute identically, so a secret unseals exactly when the replayed
// assertions reproduce the digest it was sealed under.
//
// The zero value is not usable - construct instances with NewSimulator.
type Simulator struct {
	// PcrBank holds the simulated PCR values, indexed by PCR number.
	// Mutating an entry between seal and unseal models a PCR change on a
	// real device.
	PcrBank map[uint32][]byte

	// Error injection points. A non-nil value makes the corresponding
	// operation fail with that error.
	StartAuthSessionErr   error
	StartPolicySessionErr error
	LoadPublicKeyErr      error
	PolicyPCRErr          error
	PolicySignedErr       error
	SealDataErr           error
	UnsealDataErr         error
	GetRandomErr          error

	rng    io.Reader
	sealed map[string]sealedEntry
}

// NewSimulator returns a simulator that draws nonces, sealed blob handles
// and random bytes from rng.
func NewSimulator(rng io.Reader) *Simulator {
	return &Simulator{
		PcrBank: make(map[uint32][]byte),
		rng:     rng,
		sealed:  make(map[string]sealedEntry)}
}

type simAuthSession struct {
	flushed bool
}

func (s *simAuthSession) Flush() {
	s.flushed = true
}

type simPolicySession struct {
	trial   bool
	nonce   []byte
	digest  []byte
	flushed bool
}

func (s *simPolicySession) Flush() {
	s.flushed = true
}

type simKey struct {
	pub     *rsa.PublicKey
	name    []byte
	hashAlg tpm2.AlgorithmId
	flushed bool
}

func (k *simKey) Flush() {
	k.flushed = true
}

func (b *Simulator) StartAuthSession() (recovery_tpm2.AuthSessionHandle, error) {
	if b.StartAuthSessionErr != nil {
		return nil, b.StartAuthSessionErr
	}
	return new(simAuthSession), nil
}

func (b *Simulator) StartPolicySession(trial bool) (recovery_tpm2.PolicySessionHandle, error) {
	if b.StartPolicySessionErr != nil {
		return nil, b.StartPolicySessionErr
	}

	session := &simPolicySession{trial: trial, digest: make([]byte, sha256.Size)}
	if !trial {
		session.nonce = make([]byte, nonceSizeBytes)
		if _, err := io.ReadFull(b.rng, session.nonce); err != nil {
			return nil, fmt.Errorf("cannot generate session nonce: %v", err)
		}
	}
	return session, nil
}

func (b *Simulator) LoadPublicKey(publicKeySpkiDer []byte, scheme, hashAlg tpm2.AlgorithmId, auth recovery_tpm2.AuthSessionHandle) (recovery_tpm2.KeyHandle, error) {
	if b.LoadPublicKeyErr != nil {
		return nil, b.LoadPublicKeyErr
	}
	if scheme != tpm2.AlgorithmRSASSA {
		return nil, errors.New("unsupported signature scheme")
	}
	if _, ok := hashForAlgId(hashAlg); !ok {
		return nil, errors.New("unsupported hash algorithm")
	}

	key, err := x509.ParsePKIXPublicKey(publicKeySpkiDer)
	if err != nil {
		return nil, fmt.Errorf("cannot decode public key: %v", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}

	name := sha256.Sum256(publicKeySpkiDer)
	return &simKey{pub: rsaKey, name: name[:], hashAlg: hashAlg}, nil
}

func (b *Simulator) GetKeyName(key recovery_tpm2.KeyHandle) ([]byte, error) {
	k, ok := key.(*simKey)
	if !ok || k.flushed {
		return nil, errors.New("invalid key handle")
	}
	return k.name, nil
}

func (b *Simulator) PolicyPCR(session recovery_tpm2.PolicySessionHandle, pcrIndex uint32, pcrValue []byte) error {
	if b.PolicyPCRErr != nil {
		return b.PolicyPCRErr
	}
	s, ok := session.(*simPolicySession)
	if !ok || s.flushed {
		return errors.New("invalid session handle")
	}

	value := pcrValue
	if len(value) == 0 {
		value = b.PcrBank[pcrIndex]
	}

	h := sha256.New()
	h.Write(s.digest)
	h.Write([]byte("PCR"))
	binary.Write(h, binary.BigEndian, pcrIndex)
	h.Write(value)
	s.digest = h.Sum(nil)
	return nil
}

func (b *Simulator) PolicySigned(session recovery_tpm2.PolicySessionHandle, key recovery_tpm2.KeyHandle, keyName, nonce, signature []byte, expiration int32, auth recovery_tpm2.AuthSessionHandle) error {
	if b.PolicySignedErr != nil {
		return b.PolicySignedErr
	}
	s, ok := session.(*simPolicySession)
	if !ok || s.flushed {
		return errors.New("invalid session handle")
	}

	if !s.trial {
		k, ok := key.(*simKey)
		if !ok || k.flushed {
			return errors.New("invalid key handle")
		}

		hash, ok := hashForAlgId(k.hashAlg)
		if !ok {
			return errors.New("unsupported hash algorithm")
		}

		// The assertion is always bound to this session's nonce,
		// regardless of the nonce the challenge was produced from.
		h := hash.New()
		h.Write(s.nonce)
		binary.Write(h, binary.BigEndian, uint32(expiration))
		if err := rsa.VerifyPKCS1v15(k.pub, hash, h.Sum(nil), signature); err != nil {
			return errors.New("policy signature verification failed")
		}
	}

	h := sha256.New()
	h.Write(s.digest)
	h.Write([]byte("SIGNED"))
	h.Write(keyName)
	s.digest = h.Sum(nil)
	return nil
}

func (b *Simulator) GetPolicyDigest(session recovery_tpm2.PolicySessionHandle) ([]byte, error) {
	s, ok := session.(*simPolicySession)
	if !ok || s.flushed {
		return nil, errors.New("invalid session handle")
	}
	return append([]byte{}, s.digest...), nil
}

func (b *Simulator) GetTpmNonce(session recovery_tpm2.PolicySessionHandle) ([]byte, error) {
	s, ok := session.(*simPolicySession)
	if !ok || s.flushed || s.trial {
		return nil, errors.New("invalid session handle")
	}
	return append([]byte{}, s.nonce...), nil
}

func (b *Simulator) SealData(secret, policyDigest []byte, auth recovery_tpm2.AuthSessionHandle) ([]byte, error) {
	if b.SealDataErr != nil {
		return nil, b.SealDataErr
	}

	blob := make([]byte, 32)
	if _, err := io.ReadFull(b.rng, blob); err != nil {
		return nil, fmt.Errorf("cannot generate blob handle: %v", err)
	}
	b.sealed[string(blob)] = sealedEntry{
		secret:       append([]byte{}, secret...),
		policyDigest: append([]byte{}, policyDigest...)}
	return blob, nil
}

func (b *Simulator) UnsealData(blob []byte, policySession recovery_tpm2.PolicySessionHandle, auth recovery_tpm2.AuthSessionHandle) ([]byte, error) {
	if b.UnsealDataErr != nil {
		return nil, b.UnsealDataErr
	}
	s, ok := policySession.(*simPolicySession)
	if !ok || s.flushed || s.trial {
		return nil, errors.New("invalid session handle")
	}

	entry, ok := b.sealed[string(blob)]
	if !ok {
		return nil, errors.New("unknown sealed object")
	}
	if !bytes.Equal(s.digest, entry.policyDigest) {
		return nil, errors.New("policy digest mismatch")
	}
	return append([]byte{}, entry.secret...), nil
}

func (b *Simulator) GetRandomBytes(n int) ([]byte, error) {
	if b.GetRandomErr != nil {
		return nil, b.GetRandomErr
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(b.rng, out); err != nil {
		return nil, err
	}
	return out, nil
}

func hashForAlgId(alg tpm2.AlgorithmId) (crypto.Hash, bool) {
	switch alg {
	case tpm2.AlgorithmSHA1:
		return crypto.SHA1, true
	case tpm2.AlgorithmSHA256:
		return crypto.SHA256, true
	case tpm2.AlgorithmSHA384:
		return crypto.SHA384, true
	case tpm2.AlgorithmSHA512:
		return crypto.SHA512, true
	default:
		return crypto.Hash(0), false
	}
}
