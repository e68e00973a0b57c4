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

/*
Package tpm2 implements sealing of a secret under an authorization policy
that requires both a set of PCR values and a signature from an external
authority over a session nonce. The TPM commands are abstracted behind the
TpmBackend interface so that the protocol can run against real hardware or a
simulated authority in tests.
*/
package tpm2

import (
	"github.com/canonical/go-tpm2"
)

// Algorithm identifies a signature algorithm supported by the protection
// key.
type Algorithm int

const (
	AlgorithmRSASSAPKCS1v15SHA1 Algorithm = iota + 1
	AlgorithmRSASSAPKCS1v15SHA256
	AlgorithmRSASSAPKCS1v15SHA384
	AlgorithmRSASSAPKCS1v15SHA512
)

// algIds returns the TPM scheme and hash algorithm identifiers corresponding
// to this algorithm.
func (a Algorithm) algIds() (scheme tpm2.AlgorithmId, hashAlg tpm2.AlgorithmId, ok bool) {
	switch a {
	case AlgorithmRSASSAPKCS1v15SHA1:
		return tpm2.AlgorithmRSASSA, tpm2.AlgorithmSHA1, true
	case AlgorithmRSASSAPKCS1v15SHA256:
		return tpm2.AlgorithmRSASSA, tpm2.AlgorithmSHA256, true
	case AlgorithmRSASSAPKCS1v15SHA384:
		return tpm2.AlgorithmRSASSA, tpm2.AlgorithmSHA384, true
	case AlgorithmRSASSAPKCS1v15SHA512:
		return tpm2.AlgorithmRSASSA, tpm2.AlgorithmSHA512, true
	default:
		return tpm2.AlgorithmNull, tpm2.AlgorithmNull, false
	}
}

// AuthSessionHandle corresponds to a loaded authorization (HMAC) session on
// the backing authority.
type AuthSessionHandle interface {
	// Flush releases the session. It is safe to call more than once.
	Flush()
}

// PolicySessionHandle corresponds to a loaded policy session on the backing
// authority. A trial session accumulates a policy digest without enforcing
// the assertions; a non-trial session enforces them and gates unsealing.
type PolicySessionHandle interface {
	// Flush releases the session. It is safe to call more than once.
	Flush()
}

// KeyHandle corresponds to a key loaded into the backing authority.
type KeyHandle interface {
	// Flush releases the key. It is safe to call more than once.
	Flush()
}

// TpmBackend is the capability consumed by the sealing protocol. The real
// implementation drives a TPM 2.0 device; tests substitute a software
// simulation. Each session handle is owned exclusively by one operation -
// the backend is expected to support concurrent sessions, and the protocol
// adds no locking of its own.
type TpmBackend interface {
	// StartAuthSession starts an unbound HMAC authorization session.
	StartAuthSession() (AuthSessionHandle, error)

	// StartPolicySession starts an unbound policy session, in trial mode if
	// requested.
	StartPolicySession(trial bool) (PolicySessionHandle, error)

	// LoadPublicKey loads the public part of the protection key, described
	// by its SubjectPublicKeyInfo DER encoding, for use with the supplied
	// signature scheme and hash algorithm.
	LoadPublicKey(publicKeySpkiDer []byte, scheme, hashAlg tpm2.AlgorithmId, auth AuthSessionHandle) (KeyHandle, error)

	// GetKeyName returns the name of a loaded key.
	GetKeyName(key KeyHandle) ([]byte, error)

	// PolicyPCR extends the session's policy digest with an assertion over
	// the supplied PCR. An empty value instructs the backing authority to
	// resolve the PCR against its live state.
	PolicyPCR(session PolicySessionHandle, pcrIndex uint32, pcrValue []byte) error

	// PolicySigned extends the session's policy digest with an assertion
	// that the supplied key signed the session nonce. In trial mode the
	// signature is empty and unchecked; otherwise the backend verifies it
	// over nonce || expiration.
	PolicySigned(session PolicySessionHandle, key KeyHandle, keyName, nonce, signature []byte, expiration int32, auth AuthSessionHandle) error

	// GetPolicyDigest returns the session's current policy digest.
	GetPolicyDigest(session PolicySessionHandle) ([]byte, error)

	// GetTpmNonce returns the session's current nonce.
	GetTpmNonce(session PolicySessionHandle) ([]byte, error)

	// SealData seals the supplied secret under the supplied policy digest,
	// returning an opaque blob that only UnsealData can consume.
	SealData(secret, policyDigest []byte, auth AuthSessionHandle) ([]byte, error)

	// UnsealData releases the secret from a blob created by SealData,
	// enforcing that the supplied policy session has satisfied the policy
	// the secret was sealed under.
	UnsealData(blob []byte, policySession PolicySessionHandle, auth AuthSessionHandle) ([]byte, error)

	// GetRandomBytes returns n bytes from the backing authority's random
	// number generator.
	GetRandomBytes(n int) ([]byte, error)
}
