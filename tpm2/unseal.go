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

package tpm2

import (
	"bytes"
	"encoding/binary"

	"github.com/canonical/go-tpm2"
)

// UnsealingSession walks the challenge/response exchange that releases a
// secret sealed by CreateSealedSecret. A session is bound to one live policy
// session and one nonce, and must not be reused - create a fresh session for
// every unseal attempt.
type UnsealingSession struct {
	backend          TpmBackend
	srkWrappedSecret []byte
	publicKeySpkiDer []byte
	algorithm        Algorithm
	scheme           tpm2.AlgorithmId
	hashAlg          tpm2.AlgorithmId
	boundPcrs        []uint32
	policySession    PolicySessionHandle
	tpmNonce         []byte
	expired          bool
}

// CreateUnsealingSession validates the sealed data against the supplied
// protection key and algorithm list and opens the policy session whose nonce
// the external authority must sign.
func CreateUnsealingSession(backend TpmBackend, sealedData *SignatureSealedData, publicKeySpkiDer []byte, keyAlgorithms []Algorithm) (*UnsealingSession, error) {
	if sealedData.Method != SealingMethodTpm2PolicySigned || sealedData.Tpm2PolicySignedData == nil {
		return nil, ErrUnsupportedMethod
	}
	contents := sealedData.Tpm2PolicySignedData

	// Strict byte equality - this is a correctness check, not a
	// side-channel hardened comparison.
	if !bytes.Equal(contents.PublicKeySpkiDer, publicKeySpkiDer) {
		return nil, ErrKeyMismatch
	}

	scheme := tpm2.AlgorithmId(contents.Scheme)
	hashAlg := tpm2.AlgorithmId(contents.HashAlg)
	if !isRecognizedAlgId(scheme) || !isRecognizedAlgId(hashAlg) {
		return nil, ErrInvalidAlgorithmEncoding
	}

	chosenAlgorithm := Algorithm(0)
	for _, algorithm := range keyAlgorithms {
		currentScheme, currentHashAlg, valid := algorithm.algIds()
		if valid && currentScheme == scheme && currentHashAlg == hashAlg {
			chosenAlgorithm = algorithm
			break
		}
	}
	if chosenAlgorithm == Algorithm(0) {
		return nil, ErrAlgorithmNotSupported
	}

	policySession, err := backend.StartPolicySession(false)
	if err != nil {
		return nil, &SessionStartError{err}
	}

	tpmNonce, err := backend.GetTpmNonce(policySession)
	if err != nil {
		policySession.Flush()
		return nil, &SessionStartError{err}
	}

	return &UnsealingSession{
		backend:          backend,
		srkWrappedSecret: contents.SrkWrappedSecret,
		publicKeySpkiDer: publicKeySpkiDer,
		algorithm:        chosenAlgorithm,
		scheme:           scheme,
		hashAlg:          hashAlg,
		boundPcrs:        contents.BoundPcrs,
		policySession:    policySession,
		tpmNonce:         tpmNonce}, nil
}

// isRecognizedAlgId indicates whether the supplied identifier is a TPM
// algorithm identifier this package can negotiate.
func isRecognizedAlgId(alg tpm2.AlgorithmId) bool {
	switch alg {
	case tpm2.AlgorithmRSASSA, tpm2.AlgorithmSHA1, tpm2.AlgorithmSHA256, tpm2.AlgorithmSHA384, tpm2.AlgorithmSHA512:
		return true
	default:
		return false
	}
}

// GetChallengeAlgorithm returns the algorithm the external authority must
// sign the challenge with.
func (s *UnsealingSession) GetChallengeAlgorithm() Algorithm {
	return s.algorithm
}

// GetChallengeValue returns the exact byte string that the external
// authority must sign: the session nonce followed by a zero expiration
// encoded as a 4-byte big-endian integer.
func (s *UnsealingSession) GetChallengeValue() []byte {
	expiration := make([]byte, 4)
	binary.BigEndian.PutUint32(expiration, 0)
	return append(append([]byte{}, s.tpmNonce...), expiration...)
}

// Close releases the session without unsealing.
func (s *UnsealingSession) Close() {
	s.policySession.Flush()
	s.expired = true
}

// Unseal replays the policy assertions on the live policy session, supplying
// signedChallenge as the signature over the nonce previously issued, and
// releases the sealed secret if the backing authority accepts the completed
// policy. PCR assertions use the authority's live PCR state, not the
// enrollment-time values.
//
// The session is single use - a second call fails with ErrSessionExpired.
func (s *UnsealingSession) Unseal(signedChallenge []byte) ([]byte, error) {
	if s.expired {
		return nil, ErrSessionExpired
	}
	s.expired = true
	defer s.policySession.Flush()

	authSession, err := s.backend.StartAuthSession()
	if err != nil {
		return nil, &SessionStartError{err}
	}
	defer authSession.Flush()

	key, err := s.backend.LoadPublicKey(s.publicKeySpkiDer, s.scheme, s.hashAlg, authSession)
	if err != nil {
		return nil, &KeyLoadError{err}
	}
	defer key.Flush()

	keyName, err := s.backend.GetKeyName(key)
	if err != nil {
		return nil, &KeyLoadError{err}
	}

	for _, pcrIndex := range s.boundPcrs {
		if err := s.backend.PolicyPCR(s.policySession, pcrIndex, nil); err != nil {
			return nil, &PolicyError{err}
		}
	}

	// This is the authentication gate - a forged challenge signature is
	// rejected here by the backing authority.
	if err := s.backend.PolicySigned(s.policySession, key, keyName, s.tpmNonce, signedChallenge, 0, authSession); err != nil {
		return nil, &PolicyError{err}
	}

	// Diagnostic only - the unseal call enforces the digest match.
	if _, err := s.backend.GetPolicyDigest(s.policySession); err != nil {
		return nil, &PolicyError{err}
	}

	secret, err := s.backend.UnsealData(s.srkWrappedSecret, s.policySession, authSession)
	if err != nil {
		return nil, &UnsealError{err}
	}
	return secret, nil
}
