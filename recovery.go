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
Package cryptorecovery implements the client side of a multi-party elliptic
curve secret recovery protocol over NIST P-256, together with a simulated
mediation service for testing.

At onboarding time a dealer secret is split into a destination share, which
stays with the device, and a mediator share, which travels inside an encrypted
HSM payload to the mediation service. The recovery key is derived from the
dealer keypair and only materializes again when the destination share is
combined with the point returned by mediation. Every encryption layer is an
ECDH key agreement followed by HKDF-SHA256 and AES-256-GCM.
*/
package cryptorecovery

import (
	"crypto/rand"
	"io"
	"math/big"

	"golang.org/x/xerrors"

	"github.com/kaazoo/cryptorecovery/internal/ecutil"
)

const keyAuthValueSize = 32

// GenerateHsmPayloadRequest provides the arguments for
// RecoveryCrypto.GenerateHsmPayload.
type GenerateHsmPayloadRequest struct {
	// MediatorPubKey is the SubjectPublicKeyInfo DER encoding of the
	// mediation service's long-term public key.
	MediatorPubKey []byte

	OnboardingMetadata OnboardingMetadata

	ObfuscatedUsername string
}

// GenerateHsmPayloadResponse is the result of a successful
// RecoveryCrypto.GenerateHsmPayload call. HsmPayload, RecoveryKey and the
// encrypted shares are all derived from the same dealer secret.
type GenerateHsmPayloadResponse struct {
	HsmPayload HsmPayload

	// RecoveryKey is the key that a later recovery flow must reproduce.
	RecoveryKey []byte

	// EncryptedDestinationShare is the destination share, wrapped by the
	// configured KeyProtector for local storage.
	EncryptedDestinationShare []byte

	// EncryptedChannelPrivKey is the channel private key, wrapped by the
	// configured KeyProtector. It is consumed once by
	// DecryptResponsePayload.
	EncryptedChannelPrivKey []byte

	// ChannelPubKey is the SubjectPublicKeyInfo DER encoding of the channel
	// public key, also embedded in HsmPayload.
	ChannelPubKey []byte

	// EncryptedRsaPrivKey is carried for wire compatibility with flows that
	// sign the request with a hardware bound RSA key. It is empty here.
	EncryptedRsaPrivKey []byte
}

// RecoveryCrypto performs the client operations of the recovery protocol.
// It holds no state between operations beyond its immutable configuration -
// all protocol state travels in explicit payload structures.
type RecoveryCrypto struct {
	curve     ecutil.Curve
	protector KeyProtector
	rand      io.Reader
}

// NewRecoveryCrypto creates a RecoveryCrypto that wraps locally stored key
// material with the supplied protector.
func NewRecoveryCrypto(protector KeyProtector) *RecoveryCrypto {
	return &RecoveryCrypto{curve: ecutil.P256(), protector: protector, rand: rand.Reader}
}

// GenerateHsmPayload runs the onboarding step. It generates the dealer,
// publisher and channel keypairs, splits the dealer secret into the mediator
// and destination shares, derives the recovery key and encrypts the mediator
// share to the mediation service's long-term key.
func (r *RecoveryCrypto) GenerateHsmPayload(request *GenerateHsmPayloadRequest) (*GenerateHsmPayloadResponse, error) {
	mediatorPub, err := r.curve.DecodeSpkiDer(request.MediatorPubKey)
	if err != nil {
		return nil, xerrors.Errorf("cannot decode mediator key: %w", ErrInvalidMediatorKey)
	}

	// Dealer keypair. The recovery key is a KDF over dealer_priv * dealer_pub,
	// which equals the point recomputed at RecoverDestination from the two
	// shares and the mediated point.
	dealerPriv, dealerPub, err := r.curve.GenerateKeyPair(r.rand)
	if err != nil {
		return nil, xerrors.Errorf("cannot generate dealer keypair: %w", err)
	}
	defer wipeScalar(dealerPriv)

	recoveryPoint, err := r.curve.ScalarMult(dealerPriv, dealerPub)
	if err != nil {
		return nil, xerrors.Errorf("cannot compute recovery point: %w", err)
	}
	recoveryKey, err := deriveRecoveryKey(r.curve, recoveryPoint)
	if err != nil {
		return nil, xerrors.Errorf("cannot derive recovery key: %w", err)
	}

	// Split the dealer secret: dealer_priv = mediator_share + destination_share (mod n).
	var mediatorShare, destinationShare *big.Int
	for {
		mediatorShare, err = r.curve.RandomNonZeroScalar(r.rand)
		if err != nil {
			return nil, xerrors.Errorf("cannot generate mediator share: %w", err)
		}
		destinationShare = r.curve.SubScalars(dealerPriv, mediatorShare)
		if destinationShare.Sign() != 0 {
			break
		}
	}
	defer wipeScalar(mediatorShare)
	defer wipeScalar(destinationShare)

	channelPriv, channelPub, err := r.curve.GenerateKeyPair(r.rand)
	if err != nil {
		return nil, xerrors.Errorf("cannot generate channel keypair: %w", err)
	}
	defer wipeScalar(channelPriv)

	publisherPriv, publisherPub, err := r.curve.GenerateKeyPair(r.rand)
	if err != nil {
		return nil, xerrors.Errorf("cannot generate publisher keypair: %w", err)
	}
	defer wipeScalar(publisherPriv)

	keyAuthValue := make([]byte, keyAuthValueSize)
	if _, err := io.ReadFull(r.rand, keyAuthValue); err != nil {
		return nil, xerrors.Errorf("cannot generate key auth value: %w", err)
	}

	dealerPubDer, err := r.curve.EncodeToSpkiDer(dealerPub)
	if err != nil {
		return nil, xerrors.Errorf("cannot encode dealer key: %w", err)
	}
	channelPubDer, err := r.curve.EncodeToSpkiDer(channelPub)
	if err != nil {
		return nil, xerrors.Errorf("cannot encode channel key: %w", err)
	}
	publisherPubDer, err := r.curve.EncodeToSpkiDer(publisherPub)
	if err != nil {
		return nil, xerrors.Errorf("cannot encode publisher key: %w", err)
	}

	associatedData, err := marshalPayload(&hsmAssociatedData{
		PublisherPubKey:    publisherPubDer,
		ChannelPubKey:      channelPubDer,
		OnboardingMetadata: makeOnboardingMetadataRaw(&request.OnboardingMetadata)})
	if err != nil {
		return nil, xerrors.Errorf("cannot create associated data: %w", err)
	}
	plainText, err := marshalPayload(&hsmPlainText{
		MediatorShare: r.curve.ScalarToBytes(mediatorShare),
		DealerPubKey:  dealerPubDer,
		KeyAuthValue:  keyAuthValue})
	if err != nil {
		return nil, xerrors.Errorf("cannot create plain text: %w", err)
	}
	defer wipeBytes(plainText)

	// Encrypt the mediator share to the mediation service: ECDH between the
	// ephemeral publisher key and the mediator's long-term key.
	aeadKey, err := deriveAeadKey(r.curve, publisherPriv, mediatorPub, nil, hsmPayloadLabel, publisherPubDer)
	if err != nil {
		return nil, xerrors.Errorf("cannot derive payload key: %w", err)
	}
	defer wipeBytes(aeadKey)

	iv, cipherText, tag, err := aeadSeal(r.rand, aeadKey, plainText, associatedData)
	if err != nil {
		return nil, xerrors.Errorf("cannot encrypt payload: %w", err)
	}

	encryptedDestinationShare, err := r.protector.ProtectKey(request.ObfuscatedUsername, r.curve.ScalarToBytes(destinationShare))
	if err != nil {
		return nil, xerrors.Errorf("cannot protect destination share: %w", err)
	}
	encryptedChannelPriv, err := r.protector.ProtectKey(request.ObfuscatedUsername, r.curve.ScalarToBytes(channelPriv))
	if err != nil {
		return nil, xerrors.Errorf("cannot protect channel key: %w", err)
	}

	return &GenerateHsmPayloadResponse{
		HsmPayload: HsmPayload{
			AssociatedData: associatedData,
			Iv:             iv,
			Tag:            tag,
			CipherText:     cipherText},
		RecoveryKey:               recoveryKey,
		EncryptedDestinationShare: encryptedDestinationShare,
		EncryptedChannelPrivKey:   encryptedChannelPriv,
		ChannelPubKey:             channelPubDer}, nil
}

// GenerateRecoveryRequest packages the supplied HSM payload and request
// metadata into a wire request for the mediation service, generating a fresh
// ephemeral keypair whose inverse public point travels inside the encrypted
// request envelope. The ephemeral public key is returned to the caller for
// the final RecoverDestination step.
//
// This is a pure packaging step - it performs no validation of mediator or
// epoch authenticity, so it succeeds for any well-formed inputs.
func (r *RecoveryCrypto) GenerateRecoveryRequest(hsmPayload HsmPayload, requestMetadata RequestMetadata, epochResponse CryptoRecoveryEpochResponse, encryptedRsaPrivKey, encryptedChannelPrivKey, channelPubKey []byte, obfuscatedUsername string) (*CryptoRecoveryRpcRequest, []byte, error) {
	epochPub, err := r.curve.DecodeSpkiDer(epochResponse.EpochPubKey)
	if err != nil {
		return nil, nil, xerrors.Errorf("cannot decode epoch key: %w", err)
	}

	channelPrivBytes, err := r.protector.UnprotectKey(obfuscatedUsername, encryptedChannelPrivKey)
	if err != nil {
		return nil, nil, xerrors.Errorf("cannot unprotect channel key: %w", err)
	}
	defer wipeBytes(channelPrivBytes)
	channelPriv := r.curve.ScalarFromBytes(channelPrivBytes)
	defer wipeScalar(channelPriv)

	ephemeralPriv, ephemeralPub, err := r.curve.GenerateKeyPair(r.rand)
	if err != nil {
		return nil, nil, xerrors.Errorf("cannot generate ephemeral keypair: %w", err)
	}
	wipeScalar(ephemeralPriv)

	ephemeralInvPub, err := r.curve.Invert(ephemeralPub)
	if err != nil {
		return nil, nil, xerrors.Errorf("cannot invert ephemeral key: %w", err)
	}
	ephemeralPubDer, err := r.curve.EncodeToSpkiDer(ephemeralPub)
	if err != nil {
		return nil, nil, xerrors.Errorf("cannot encode ephemeral key: %w", err)
	}
	ephemeralInvPubDer, err := r.curve.EncodeToSpkiDer(ephemeralInvPub)
	if err != nil {
		return nil, nil, xerrors.Errorf("cannot encode inverse ephemeral key: %w", err)
	}

	salt := make([]byte, aeadKeySize)
	if _, err := io.ReadFull(r.rand, salt); err != nil {
		return nil, nil, xerrors.Errorf("cannot generate request salt: %w", err)
	}

	associatedData, err := marshalPayload(&requestAssociatedData{
		HsmPayload:         &hsmPayload,
		RequestMetadata:    makeRequestMetadataRaw(&requestMetadata),
		EpochPubKey:        epochResponse.EpochPubKey,
		RequestPayloadSalt: salt})
	if err != nil {
		return nil, nil, xerrors.Errorf("cannot create associated data: %w", err)
	}
	plainText, err := marshalPayload(&requestPlainText{EphemeralInvPubKey: ephemeralInvPubDer})
	if err != nil {
		return nil, nil, xerrors.Errorf("cannot create plain text: %w", err)
	}

	// Encrypt to the current epoch: ECDH between the channel key and the
	// epoch key, with the channel public key bound into the derivation.
	aeadKey, err := deriveAeadKey(r.curve, channelPriv, epochPub, salt, requestPayloadLabel, channelPubKey)
	if err != nil {
		return nil, nil, xerrors.Errorf("cannot derive payload key: %w", err)
	}
	defer wipeBytes(aeadKey)

	iv, cipherText, tag, err := aeadSeal(r.rand, aeadKey, plainText, associatedData)
	if err != nil {
		return nil, nil, xerrors.Errorf("cannot encrypt payload: %w", err)
	}

	return &CryptoRecoveryRpcRequest{
		ProtocolVersion: protocolVersion,
		RequestPayload: RequestPayload{
			AssociatedData: associatedData,
			Iv:             iv,
			Tag:            tag,
			CipherText:     cipherText}}, ephemeralPubDer, nil
}

// DecryptResponsePayload decrypts the mediation service's response using the
// stored channel private key and the current epoch's public key material.
// A *DecryptionFailedError is returned if the integrity check fails, which
// is the designed failure point when mediation used a mismatched epoch key.
func (r *RecoveryCrypto) DecryptResponsePayload(encryptedChannelPrivKey []byte, epochResponse CryptoRecoveryEpochResponse, response *CryptoRecoveryRpcResponse, obfuscatedUsername string) (*HsmResponsePlainText, error) {
	epochPub, err := r.curve.DecodeSpkiDer(epochResponse.EpochPubKey)
	if err != nil {
		return nil, xerrors.Errorf("cannot decode epoch key: %w", err)
	}

	channelPrivBytes, err := r.protector.UnprotectKey(obfuscatedUsername, encryptedChannelPrivKey)
	if err != nil {
		return nil, xerrors.Errorf("cannot unprotect channel key: %w", err)
	}
	defer wipeBytes(channelPrivBytes)
	channelPriv := r.curve.ScalarFromBytes(channelPrivBytes)
	defer wipeScalar(channelPriv)

	var associatedData responseAssociatedData
	if err := unmarshalPayload(response.ResponsePayload.AssociatedData, &associatedData); err != nil {
		return nil, xerrors.Errorf("cannot unmarshal associated data: %w", err)
	}

	aeadKey, err := deriveAeadKey(r.curve, channelPriv, epochPub, associatedData.ResponsePayloadSalt, responsePayloadLabel, epochResponse.EpochPubKey)
	if err != nil {
		return nil, xerrors.Errorf("cannot derive payload key: %w", err)
	}
	defer wipeBytes(aeadKey)

	plainText, err := aeadOpen(aeadKey, response.ResponsePayload.Iv, response.ResponsePayload.CipherText, response.ResponsePayload.Tag, response.ResponsePayload.AssociatedData)
	if err != nil {
		return nil, &DecryptionFailedError{err}
	}
	defer wipeBytes(plainText)

	var responsePlainText HsmResponsePlainText
	if err := unmarshalPayload(plainText, &responsePlainText); err != nil {
		return nil, xerrors.Errorf("cannot unmarshal plain text: %w", err)
	}
	return &responsePlainText, nil
}

// RecoverDestination recomputes the recovery key from the stored destination
// share, the dealer public key, the ephemeral public key returned by
// GenerateRecoveryRequest and the mediated point from the decrypted response:
//
//	recovery_point = destination_share * dealer_pub + mediated_point + ephemeral_pub
//
// With authentic inputs this equals dealer_priv * dealer_pub and the derived
// key matches the enrollment-time recovery key bit for bit. Substituting any
// input with a different but well-formed value succeeds and yields a
// different key - only a malformed point encoding is rejected, with an error
// wrapping ErrInvalidPoint.
func (r *RecoveryCrypto) RecoverDestination(dealerPubKey, keyAuthValue, destinationShare, ephemeralPubKey, mediatedPoint []byte, obfuscatedUsername string) ([]byte, error) {
	dealerPub, err := r.curve.DecodeSpkiDer(dealerPubKey)
	if err != nil {
		return nil, xerrors.Errorf("cannot decode dealer key: %w", ErrInvalidPoint)
	}
	ephemeralPub, err := r.curve.DecodeSpkiDer(ephemeralPubKey)
	if err != nil {
		return nil, xerrors.Errorf("cannot decode ephemeral key: %w", ErrInvalidPoint)
	}
	mediated, err := r.curve.DecodeSpkiDer(mediatedPoint)
	if err != nil {
		return nil, xerrors.Errorf("cannot decode mediated point: %w", ErrInvalidPoint)
	}

	destinationShareBytes, err := r.protector.UnprotectKey(obfuscatedUsername, destinationShare)
	if err != nil {
		return nil, xerrors.Errorf("cannot unprotect destination share: %w", err)
	}
	defer wipeBytes(destinationShareBytes)
	share := r.curve.ScalarFromBytes(destinationShareBytes)
	defer wipeScalar(share)

	sharePoint, err := r.curve.ScalarMult(share, dealerPub)
	if err != nil {
		return nil, xerrors.Errorf("cannot compute destination share point: %w", err)
	}
	mediatedSum, err := r.curve.Add(sharePoint, mediated)
	if err != nil {
		return nil, xerrors.Errorf("cannot combine mediated point: %w", err)
	}
	recoveryPoint, err := r.curve.Add(mediatedSum, ephemeralPub)
	if err != nil {
		return nil, xerrors.Errorf("cannot combine ephemeral point: %w", err)
	}

	return deriveRecoveryKey(r.curve, recoveryPoint)
}

// wipeScalar is a best effort clear of a secret scalar.
func wipeScalar(s *big.Int) {
	s.SetInt64(0)
}
