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
	"sort"

	"github.com/canonical/go-tpm2"

	"golang.org/x/xerrors"
)

// Size of the secret value generated by CreateSealedSecret.
const secretSizeBytes = 32

// chooseAlgorithm selects a signature algorithm from the supplied list,
// respecting the input's prioritization with the exception of considering
// SHA-1 the least preferred option.
func chooseAlgorithm(keyAlgorithms []Algorithm) (scheme, hashAlg tpm2.AlgorithmId, ok bool) {
	scheme = tpm2.AlgorithmNull
	hashAlg = tpm2.AlgorithmNull
	for _, algorithm := range keyAlgorithms {
		currentScheme, currentHashAlg, valid := algorithm.algIds()
		if !valid {
			continue
		}
		scheme = currentScheme
		hashAlg = currentHashAlg
		if hashAlg != tpm2.AlgorithmSHA1 {
			break
		}
	}
	return scheme, hashAlg, scheme != tpm2.AlgorithmNull
}

// CreateSealedSecret generates a fresh 32-byte secret and seals it to the
// backing authority under a policy that binds the supplied PCR values and
// requires a signature from the protection key described by
// publicKeySpkiDer. The strongest mutually supported algorithm is negotiated
// from keyAlgorithms, preferring any non-SHA-1 option.
//
// Any backend failure aborts the whole operation - a partial
// SignatureSealedData is never returned.
func CreateSealedSecret(backend TpmBackend, publicKeySpkiDer []byte, keyAlgorithms []Algorithm, pcrValues map[uint32][]byte) (*SignatureSealedData, error) {
	scheme, hashAlg, ok := chooseAlgorithm(keyAlgorithms)
	if !ok {
		return nil, ErrNoSupportedAlgorithm
	}

	authSession, err := backend.StartAuthSession()
	if err != nil {
		return nil, &SessionStartError{err}
	}
	defer authSession.Flush()

	key, err := backend.LoadPublicKey(publicKeySpkiDer, scheme, hashAlg, authSession)
	if err != nil {
		return nil, &KeyLoadError{err}
	}
	defer key.Flush()

	keyName, err := backend.GetKeyName(key)
	if err != nil {
		return nil, &KeyLoadError{err}
	}

	policySession, err := backend.StartPolicySession(true)
	if err != nil {
		return nil, &SessionStartError{err}
	}
	defer policySession.Flush()

	// Bind the supplied PCR values in ascending index order.
	boundPcrs := make([]uint32, 0, len(pcrValues))
	for pcrIndex := range pcrValues {
		boundPcrs = append(boundPcrs, pcrIndex)
	}
	sort.Slice(boundPcrs, func(i, j int) bool { return boundPcrs[i] < boundPcrs[j] })
	for _, pcrIndex := range boundPcrs {
		if err := backend.PolicyPCR(policySession, pcrIndex, pcrValues[pcrIndex]); err != nil {
			return nil, &PolicyError{err}
		}
	}

	// Assert "signed with this public key" with an empty signature
	// placeholder - a trial session only accumulates the digest.
	if err := backend.PolicySigned(policySession, key, keyName, nil, nil, 0, authSession); err != nil {
		return nil, &PolicyError{err}
	}

	policyDigest, err := backend.GetPolicyDigest(policySession)
	if err != nil {
		return nil, &PolicyError{err}
	}

	secret, err := backend.GetRandomBytes(secretSizeBytes)
	if err != nil {
		return nil, xerrors.Errorf("cannot generate random secret: %w", err)
	}
	defer func() {
		for i := range secret {
			secret[i] = 0
		}
	}()

	sealedBlob, err := backend.SealData(secret, policyDigest, authSession)
	if err != nil {
		return nil, xerrors.Errorf("cannot seal secret: %w", err)
	}

	return &SignatureSealedData{
		Method: SealingMethodTpm2PolicySigned,
		Tpm2PolicySignedData: &Tpm2PolicySignedData{
			PublicKeySpkiDer: publicKeySpkiDer,
			SrkWrappedSecret: sealedBlob,
			Scheme:           uint16(scheme),
			HashAlg:          uint16(hashAlg),
			BoundPcrs:        boundPcrs}}, nil
}
