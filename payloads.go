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
	"github.com/canonical/go-tpm2/mu"

	"golang.org/x/xerrors"
)

const protocolVersion = 1

// HsmPayload is the encrypted bundle created at onboarding time. It is
// persisted by the caller and later presented to the mediation service. The
// associated data carries the publisher and channel public keys and the
// serialized onboarding metadata; the cipher text carries the mediator share
// and the dealer public key, encrypted to the mediator's long-term key.
type HsmPayload struct {
	AssociatedData []byte
	Iv             []byte
	Tag            []byte
	CipherText     []byte
}

// RequestPayload is the encrypted envelope of a single recovery request. The
// associated data embeds the HSM payload and the request metadata; the cipher
// text carries the inverse ephemeral public key, encrypted to the epoch key.
type RequestPayload struct {
	AssociatedData []byte
	Iv             []byte
	Tag            []byte
	CipherText     []byte
}

// ResponsePayload is the encrypted envelope produced by mediation. The cipher
// text carries the mediated point and the dealer public key, encrypted to the
// channel key.
type ResponsePayload struct {
	AssociatedData []byte
	Iv             []byte
	Tag            []byte
	CipherText     []byte
}

// CryptoRecoveryRpcRequest is the wire message sent to the mediation service.
type CryptoRecoveryRpcRequest struct {
	ProtocolVersion uint32
	RequestPayload  RequestPayload
}

// CryptoRecoveryRpcResponse is the wire message returned by the mediation
// service.
type CryptoRecoveryRpcResponse struct {
	ProtocolVersion uint32
	ResponsePayload ResponsePayload
}

// CryptoRecoveryEpochResponse carries the public key material of the current
// mediation epoch, as published by the mediation service.
type CryptoRecoveryEpochResponse struct {
	ProtocolVersion uint32
	EpochPubKey     []byte
	EpochMetaData   []byte
}

// HsmResponsePlainText is the decrypted contents of a ResponsePayload.
type HsmResponsePlainText struct {
	DealerPubKey  []byte
	MediatedPoint []byte
	KeyAuthValue  []byte
}

// hsmAssociatedData is the cleartext, integrity-protected part of HsmPayload.
type hsmAssociatedData struct {
	PublisherPubKey    []byte
	ChannelPubKey      []byte
	RsaPublicKey       []byte
	OnboardingMetadata *onboardingMetadataRaw `tpm2:"sized"`
}

// hsmPlainText is the encrypted part of HsmPayload. The mediator share,
// the dealer public key and the encrypted destination share are all derived
// from the same dealer secret - the recovery key only materializes when the
// destination and mediated shares are summed.
type hsmPlainText struct {
	MediatorShare []byte
	DealerPubKey  []byte
	KeyAuthValue  []byte
}

// requestAssociatedData is the cleartext, integrity-protected part of
// RequestPayload.
type requestAssociatedData struct {
	HsmPayload         *HsmPayload         `tpm2:"sized"`
	RequestMetadata    *requestMetadataRaw `tpm2:"sized"`
	EpochPubKey        []byte
	RequestPayloadSalt []byte
}

// requestPlainText is the encrypted part of RequestPayload.
type requestPlainText struct {
	EphemeralInvPubKey []byte
}

// responseAssociatedData is the cleartext, integrity-protected part of
// ResponsePayload.
type responseAssociatedData struct {
	ResponseMetaData    []byte
	ResponsePayloadSalt []byte
}

func marshalPayload(vals ...interface{}) ([]byte, error) {
	b, err := mu.MarshalToBytes(vals...)
	if err != nil {
		return nil, xerrors.Errorf("cannot marshal payload: %w", err)
	}
	return b, nil
}

func unmarshalPayload(b []byte, vals ...interface{}) error {
	if _, err := mu.UnmarshalFromBytes(b, vals...); err != nil {
		return xerrors.Errorf("cannot unmarshal payload: %w", err)
	}
	return nil
}
