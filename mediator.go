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
	"crypto/rand"
	"encoding/hex"
	"io"

	"golang.org/x/xerrors"

	"github.com/kaazoo/cryptorecovery/internal/ecutil"
)

// Fixed keys for the fake mediation service. Do not use these keys for
// anything other than testing.
const (
	fakeMediatorPrivKeyHex = "6517126ed757c5f7acad1d62d55fb334b0775fb78f4808e6772a286699a2f3f2"
	fakeMediatorPubKeyHex  = "3059301306072a8648ce3d020106082a8648ce3d03010703420004a800d3a61eba0a3aa2db561ca1b781c50122b80b70e2c4fdd807b1e69282870b5a906b77eac6f134f1bfe50a56affaa2bc739e00978b82cc69fe6e9b81a1aeb0"
	fakeEpochPrivKeyHex    = "e83cb6eff82f440d8067d8c1330c882757c211e9b7af8b4608907ac7bef1616f"
	fakeEpochPubKeyHex     = "3059301306072a8648ce3d020106082a8648ce3d03010703420004528b99cd9fe2ff54dbd6c28afca76197c6eb24b33ce49676106f7f3ec0135988254ae85126fd34e42ccbd769f8293ceaee9df450262e419e689866eee3dd645c"
)

// FakeMediatorPublicKey returns the fixed mediator public key used by the
// fake mediation service.
func FakeMediatorPublicKey() []byte {
	return mustDecodeHex(fakeMediatorPubKeyHex)
}

// FakeMediatorPrivateKey returns the fixed mediator private key used by the
// fake mediation service.
func FakeMediatorPrivateKey() []byte {
	return mustDecodeHex(fakeMediatorPrivKeyHex)
}

// FakeEpochPublicKey returns the fixed epoch public key used by the fake
// mediation service.
func FakeEpochPublicKey() []byte {
	return mustDecodeHex(fakeEpochPubKeyHex)
}

// FakeEpochPrivateKey returns the fixed epoch private key used by the fake
// mediation service.
func FakeEpochPrivateKey() []byte {
	return mustDecodeHex(fakeEpochPrivKeyHex)
}

// FakeEpochResponse returns the epoch key material matching
// FakeEpochPrivateKey, in the form published by the mediation service.
func FakeEpochResponse() CryptoRecoveryEpochResponse {
	return CryptoRecoveryEpochResponse{
		ProtocolVersion: protocolVersion,
		EpochPubKey:     FakeEpochPublicKey()}
}

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// FakeMediator simulates the mediation service. The real service runs
// remotely on an HSM; this implementation exists so that the full protocol
// can be exercised in-process, and its contract matters for determinism -
// its output is validated cryptographically by DecryptResponsePayload, not
// trusted blindly.
type FakeMediator struct {
	curve ecutil.Curve
	rand  io.Reader
}

// NewFakeMediator creates a fake mediation service.
func NewFakeMediator() *FakeMediator {
	return &FakeMediator{curve: ecutil.P256(), rand: rand.Reader}
}

// MediateRequestPayload performs mediation of a recovery request:
//
//  1. Decrypt the request envelope with ECDH(epoch_priv, channel_pub) and
//     extract the inverse ephemeral public key.
//  2. Decrypt the HSM payload with ECDH(mediator_priv, publisher_pub) and
//     extract the mediator share and dealer public key.
//  3. Compute mediated_point = mediator_share * dealer_pub + ephemeral_inv_pub.
//  4. Encrypt the response to the channel key, binding epoch_pub_key into
//     the key derivation.
//
// The supplied epoch public key is not validated against any epoch registry.
// An unrelated epoch key still produces a structurally valid response - the
// inconsistency only surfaces when DecryptResponsePayload fails its
// integrity check.
func (m *FakeMediator) MediateRequestPayload(epochPubKey, epochPrivKey, mediatorPrivKey []byte, request *CryptoRecoveryRpcRequest) (*CryptoRecoveryRpcResponse, error) {
	var associatedData requestAssociatedData
	if err := unmarshalPayload(request.RequestPayload.AssociatedData, &associatedData); err != nil {
		return nil, xerrors.Errorf("cannot unmarshal request associated data: %w", err)
	}
	if associatedData.HsmPayload == nil {
		return nil, xerrors.New("request carries no HSM payload")
	}

	var hsmAd hsmAssociatedData
	if err := unmarshalPayload(associatedData.HsmPayload.AssociatedData, &hsmAd); err != nil {
		return nil, xerrors.Errorf("cannot unmarshal HSM associated data: %w", err)
	}
	channelPub, err := m.curve.DecodeSpkiDer(hsmAd.ChannelPubKey)
	if err != nil {
		return nil, xerrors.Errorf("cannot decode channel key: %w", err)
	}
	publisherPub, err := m.curve.DecodeSpkiDer(hsmAd.PublisherPubKey)
	if err != nil {
		return nil, xerrors.Errorf("cannot decode publisher key: %w", err)
	}

	// Layer 2: open the request envelope.
	epochPriv := m.curve.ScalarFromBytes(epochPrivKey)
	defer wipeScalar(epochPriv)

	requestKey, err := deriveAeadKey(m.curve, epochPriv, channelPub, associatedData.RequestPayloadSalt, requestPayloadLabel, hsmAd.ChannelPubKey)
	if err != nil {
		return nil, xerrors.Errorf("cannot derive request payload key: %w", err)
	}
	defer wipeBytes(requestKey)

	requestPlain, err := aeadOpen(requestKey, request.RequestPayload.Iv, request.RequestPayload.CipherText, request.RequestPayload.Tag, request.RequestPayload.AssociatedData)
	if err != nil {
		return nil, xerrors.Errorf("cannot decrypt request payload: %w", err)
	}
	var requestPt requestPlainText
	if err := unmarshalPayload(requestPlain, &requestPt); err != nil {
		return nil, xerrors.Errorf("cannot unmarshal request plain text: %w", err)
	}
	ephemeralInvPub, err := m.curve.DecodeSpkiDer(requestPt.EphemeralInvPubKey)
	if err != nil {
		return nil, xerrors.Errorf("cannot decode inverse ephemeral key: %w", err)
	}

	// Layer 1: open the HSM payload.
	mediatorPriv := m.curve.ScalarFromBytes(mediatorPrivKey)
	defer wipeScalar(mediatorPriv)

	hsmKey, err := deriveAeadKey(m.curve, mediatorPriv, publisherPub, nil, hsmPayloadLabel, hsmAd.PublisherPubKey)
	if err != nil {
		return nil, xerrors.Errorf("cannot derive HSM payload key: %w", err)
	}
	defer wipeBytes(hsmKey)

	hsmPlain, err := aeadOpen(hsmKey, associatedData.HsmPayload.Iv, associatedData.HsmPayload.CipherText, associatedData.HsmPayload.Tag, associatedData.HsmPayload.AssociatedData)
	if err != nil {
		return nil, xerrors.Errorf("cannot decrypt HSM payload: %w", err)
	}
	defer wipeBytes(hsmPlain)
	var hsmPt hsmPlainText
	if err := unmarshalPayload(hsmPlain, &hsmPt); err != nil {
		return nil, xerrors.Errorf("cannot unmarshal HSM plain text: %w", err)
	}

	dealerPub, err := m.curve.DecodeSpkiDer(hsmPt.DealerPubKey)
	if err != nil {
		return nil, xerrors.Errorf("cannot decode dealer key: %w", err)
	}
	mediatorShare := m.curve.ScalarFromBytes(hsmPt.MediatorShare)
	defer wipeScalar(mediatorShare)

	// Mediation proper.
	sharePoint, err := m.curve.ScalarMult(mediatorShare, dealerPub)
	if err != nil {
		return nil, xerrors.Errorf("cannot compute mediated share point: %w", err)
	}
	mediatedPoint, err := m.curve.Add(sharePoint, ephemeralInvPub)
	if err != nil {
		return nil, xerrors.Errorf("cannot blind mediated point: %w", err)
	}
	mediatedPointDer, err := m.curve.EncodeToSpkiDer(mediatedPoint)
	if err != nil {
		return nil, xerrors.Errorf("cannot encode mediated point: %w", err)
	}

	// Encrypt the response to the channel key.
	salt := make([]byte, aeadKeySize)
	if _, err := io.ReadFull(m.rand, salt); err != nil {
		return nil, xerrors.Errorf("cannot generate response salt: %w", err)
	}
	responseAd, err := marshalPayload(&responseAssociatedData{ResponsePayloadSalt: salt})
	if err != nil {
		return nil, xerrors.Errorf("cannot create response associated data: %w", err)
	}
	responsePlain, err := marshalPayload(&HsmResponsePlainText{
		DealerPubKey:  hsmPt.DealerPubKey,
		MediatedPoint: mediatedPointDer,
		KeyAuthValue:  hsmPt.KeyAuthValue})
	if err != nil {
		return nil, xerrors.Errorf("cannot create response plain text: %w", err)
	}
	defer wipeBytes(responsePlain)

	responseKey, err := deriveAeadKey(m.curve, epochPriv, channelPub, salt, responsePayloadLabel, epochPubKey)
	if err != nil {
		return nil, xerrors.Errorf("cannot derive response payload key: %w", err)
	}
	defer wipeBytes(responseKey)

	iv, cipherText, tag, err := aeadSeal(m.rand, responseKey, responsePlain, responseAd)
	if err != nil {
		return nil, xerrors.Errorf("cannot encrypt response payload: %w", err)
	}

	return &CryptoRecoveryRpcResponse{
		ProtocolVersion: protocolVersion,
		ResponsePayload: ResponsePayload{
			AssociatedData: responseAd,
			Iv:             iv,
			Tag:            tag,
			CipherText:     cipherText}}, nil
}
