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
	"github.com/canonical/go-tpm2/mu"

	"golang.org/x/xerrors"
)

// SealingMethod discriminates the variants of SignatureSealedData.
type SealingMethod uint16

const (
	// SealingMethodNone corresponds to an empty SignatureSealedData.
	SealingMethodNone SealingMethod = iota

	// SealingMethodTpm2PolicySigned seals with a TPM2 policy that requires
	// a signature over a session nonce in addition to the PCR bindings.
	SealingMethodTpm2PolicySigned
)

// Tpm2PolicySignedData is the sealing artifact for
// SealingMethodTpm2PolicySigned.
type Tpm2PolicySignedData struct {
	// PublicKeySpkiDer is the SubjectPublicKeyInfo DER encoding of the
	// protection public key whose signature gates unsealing.
	PublicKeySpkiDer []byte

	// SrkWrappedSecret is the opaque sealed blob.
	SrkWrappedSecret []byte

	// Scheme and HashAlg record the negotiated TPM signature scheme and
	// hash algorithm identifiers.
	Scheme  uint16
	HashAlg uint16

	// BoundPcrs lists the PCR indices the policy is bound to.
	BoundPcrs []uint32
}

// SignatureSealedData is the persisted result of CreateSealedSecret. It is
// created once and read-only thereafter; CreateUnsealingSession consumes it.
// Exactly one variant pointer is set, discriminated by Method.
type SignatureSealedData struct {
	Method SealingMethod

	Tpm2PolicySignedData *Tpm2PolicySignedData `tpm2:"sized"`
}

// Serialize returns the wire encoding of the sealed data for persistence by
// the caller.
func (d *SignatureSealedData) Serialize() ([]byte, error) {
	b, err := mu.MarshalToBytes(d)
	if err != nil {
		return nil, xerrors.Errorf("cannot marshal sealed data: %w", err)
	}
	return b, nil
}

// DeserializeSignatureSealedData recovers a SignatureSealedData from its
// wire encoding.
func DeserializeSignatureSealedData(b []byte) (*SignatureSealedData, error) {
	var d SignatureSealedData
	if _, err := mu.UnmarshalFromBytes(b, &d); err != nil {
		return nil, xerrors.Errorf("cannot unmarshal sealed data: %w", err)
	}
	return &d, nil
}
