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
	"crypto/rsa"
	"crypto/x509"
	"errors"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"
	"github.com/canonical/go-tpm2/templates"
	"github.com/canonical/go-tpm2/util"

	"golang.org/x/xerrors"
)

// srkHandle is the persistent handle at which the storage root key is
// expected to have been provisioned.
const srkHandle tpm2.Handle = 0x81000001

// pcrBankAlg is the PCR bank used for policy assertions. Values bound at
// seal time must be digests from this bank.
const pcrBankAlg = tpm2.HashAlgorithmSHA256

// DeviceBackend is a TpmBackend that drives a TPM 2.0 device through a
// go-tpm2 context. Trial policy sessions are computed in software rather
// than on the device because TPM2_PolicySigned verifies the supplied
// signature even on a trial session, and during sealing there is nothing
// to sign yet.
type DeviceBackend struct {
	tpm *tpm2.TPMContext
}

// NewDeviceBackend returns a backend that executes the sealing protocol
// against the TPM behind the supplied context. The caller retains ownership
// of the context.
func NewDeviceBackend(tpm *tpm2.TPMContext) *DeviceBackend {
	return &DeviceBackend{tpm: tpm}
}

type deviceAuthSession struct {
	tpm     *tpm2.TPMContext
	session tpm2.SessionContext
}

func (s *deviceAuthSession) Flush() {
	if s.session == nil {
		return
	}
	s.tpm.FlushContext(s.session)
	s.session = nil
}

type devicePolicySession struct {
	tpm     *tpm2.TPMContext
	session tpm2.SessionContext   // nil for a trial session
	trial   *util.TrialAuthPolicy // nil for a real session
}

func (s *devicePolicySession) Flush() {
	if s.session == nil {
		return
	}
	s.tpm.FlushContext(s.session)
	s.session = nil
}

type deviceKey struct {
	tpm     *tpm2.TPMContext
	object  tpm2.ResourceContext
	hashAlg tpm2.HashAlgorithmId
}

func (k *deviceKey) Flush() {
	if k.object == nil {
		return
	}
	k.tpm.FlushContext(k.object)
	k.object = nil
}

func (b *DeviceBackend) StartAuthSession() (AuthSessionHandle, error) {
	session, err := b.tpm.StartAuthSession(nil, nil, tpm2.SessionTypeHMAC, nil, tpm2.HashAlgorithmSHA256)
	if err != nil {
		return nil, err
	}
	return &deviceAuthSession{tpm: b.tpm, session: session.WithAttrs(tpm2.AttrContinueSession)}, nil
}

func (b *DeviceBackend) StartPolicySession(trial bool) (PolicySessionHandle, error) {
	if trial {
		return &devicePolicySession{tpm: b.tpm, trial: util.ComputeAuthPolicy(tpm2.HashAlgorithmSHA256)}, nil
	}
	session, err := b.tpm.StartAuthSession(nil, nil, tpm2.SessionTypePolicy, nil, tpm2.HashAlgorithmSHA256)
	if err != nil {
		return nil, err
	}
	return &devicePolicySession{tpm: b.tpm, session: session}, nil
}

// createPublicAreaForRSAKey creates a *tpm2.Public from a go *rsa.PublicKey,
// which is suitable for loading in to a TPM with TPMContext.LoadExternal.
func createPublicAreaForRSAKey(key *rsa.PublicKey, hashAlg tpm2.HashAlgorithmId) *tpm2.Public {
	return &tpm2.Public{
		Type:    tpm2.ObjectTypeRSA,
		NameAlg: tpm2.HashAlgorithmSHA256,
		Attrs:   tpm2.AttrSensitiveDataOrigin | tpm2.AttrUserWithAuth | tpm2.AttrSign,
		Params: &tpm2.PublicParamsU{
			RSADetail: &tpm2.RSAParams{
				Symmetric: tpm2.SymDefObject{Algorithm: tpm2.SymObjectAlgorithmNull},
				Scheme: tpm2.RSAScheme{
					Scheme:  tpm2.RSASchemeRSASSA,
					Details: &tpm2.AsymSchemeU{RSASSA: &tpm2.SigSchemeRSASSA{HashAlg: hashAlg}}},
				KeyBits:  uint16(key.Size() * 8),
				Exponent: uint32(key.E)}},
		Unique: &tpm2.PublicIDU{RSA: key.N.Bytes()}}
}

func (b *DeviceBackend) LoadPublicKey(publicKeySpkiDer []byte, scheme, hashAlg tpm2.AlgorithmId, auth AuthSessionHandle) (KeyHandle, error) {
	if scheme != tpm2.AlgorithmRSASSA {
		return nil, errors.New("unsupported signature scheme")
	}

	key, err := x509.ParsePKIXPublicKey(publicKeySpkiDer)
	if err != nil {
		return nil, xerrors.Errorf("cannot decode public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}

	object, err := b.tpm.LoadExternal(nil, createPublicAreaForRSAKey(rsaKey, tpm2.HashAlgorithmId(hashAlg)), tpm2.HandleOwner)
	if err != nil {
		return nil, xerrors.Errorf("cannot load public key: %w", err)
	}
	return &deviceKey{tpm: b.tpm, object: object, hashAlg: tpm2.HashAlgorithmId(hashAlg)}, nil
}

func (b *DeviceBackend) GetKeyName(key KeyHandle) ([]byte, error) {
	k, ok := key.(*deviceKey)
	if !ok || k.object == nil {
		return nil, errors.New("invalid key handle")
	}
	return k.object.Name(), nil
}

func (b *DeviceBackend) PolicyPCR(session PolicySessionHandle, pcrIndex uint32, pcrValue []byte) error {
	s, ok := session.(*devicePolicySession)
	if !ok {
		return errors.New("invalid session handle")
	}

	pcrs := tpm2.PCRSelectionList{{Hash: pcrBankAlg, Select: []int{int(pcrIndex)}}}

	if s.trial != nil {
		value := pcrValue
		if len(value) == 0 {
			// Bind the live value of the PCR.
			_, pcrValues, err := b.tpm.PCRRead(pcrs)
			if err != nil {
				return xerrors.Errorf("cannot read PCR: %w", err)
			}
			value = pcrValues[pcrBankAlg][int(pcrIndex)]
		}
		pcrDigest, err := util.ComputePCRDigest(tpm2.HashAlgorithmSHA256, pcrs, tpm2.PCRValues{pcrBankAlg: {int(pcrIndex): value}})
		if err != nil {
			return xerrors.Errorf("cannot compute PCR digest: %w", err)
		}
		s.trial.PolicyPCR(pcrDigest, pcrs)
		return nil
	}

	var pcrDigest tpm2.Digest
	if len(pcrValue) > 0 {
		digest, err := util.ComputePCRDigest(tpm2.HashAlgorithmSHA256, pcrs, tpm2.PCRValues{pcrBankAlg: {int(pcrIndex): pcrValue}})
		if err != nil {
			return xerrors.Errorf("cannot compute PCR digest: %w", err)
		}
		pcrDigest = digest
	}
	return b.tpm.PolicyPCR(s.session, pcrDigest, pcrs)
}

func (b *DeviceBackend) PolicySigned(session PolicySessionHandle, key KeyHandle, keyName, nonce, signature []byte, expiration int32, auth AuthSessionHandle) error {
	s, ok := session.(*devicePolicySession)
	if !ok {
		return errors.New("invalid session handle")
	}

	if s.trial != nil {
		s.trial.PolicySigned(tpm2.Name(keyName), nil)
		return nil
	}

	k, ok := key.(*deviceKey)
	if !ok || k.object == nil {
		return errors.New("invalid key handle")
	}

	sig := &tpm2.Signature{
		SigAlg: tpm2.SigSchemeAlgRSASSA,
		Signature: &tpm2.SignatureU{
			RSASSA: &tpm2.SignatureRSASSA{
				Hash: k.hashAlg,
				Sig:  tpm2.PublicKeyRSA(signature)}}}

	// The device binds the assertion to the session's own nonce, so the
	// nonce supplied by the caller is implicit here.
	if _, _, err := b.tpm.PolicySigned(k.object, s.session, true, nil, nil, expiration, sig); err != nil {
		return err
	}
	return nil
}

func (b *DeviceBackend) GetPolicyDigest(session PolicySessionHandle) ([]byte, error) {
	s, ok := session.(*devicePolicySession)
	if !ok {
		return nil, errors.New("invalid session handle")
	}
	if s.trial != nil {
		return s.trial.GetDigest(), nil
	}
	return b.tpm.PolicyGetDigest(s.session)
}

func (b *DeviceBackend) GetTpmNonce(session PolicySessionHandle) ([]byte, error) {
	s, ok := session.(*devicePolicySession)
	if !ok || s.session == nil {
		return nil, errors.New("invalid session handle")
	}
	return s.session.NonceTPM(), nil
}

// sealedObjectBlob is the serialized form of a sealed secret - the private
// and public areas of the sealed object, both required to load it back under
// the storage root key.
type sealedObjectBlob struct {
	Private tpm2.Private
	Public  *tpm2.Public `tpm2:"sized"`
}

func (b *DeviceBackend) SealData(secret, policyDigest []byte, auth AuthSessionHandle) ([]byte, error) {
	srk, err := b.tpm.NewResourceContext(srkHandle)
	if err != nil {
		return nil, xerrors.Errorf("cannot create context for SRK: %w", err)
	}

	sensitive := tpm2.SensitiveCreate{Data: secret}

	template := templates.NewSealedObject(tpm2.HashAlgorithmSHA256)
	template.Attrs &^= tpm2.AttrUserWithAuth
	template.AuthPolicy = policyDigest

	priv, pub, _, _, _, err := b.tpm.Create(srk, &sensitive, template, nil, nil, b.sessionContext(auth))
	if err != nil {
		return nil, xerrors.Errorf("cannot create sealed object: %w", err)
	}

	blob, err := mu.MarshalToBytes(sealedObjectBlob{Private: priv, Public: pub})
	if err != nil {
		return nil, xerrors.Errorf("cannot serialize sealed object: %w", err)
	}
	return blob, nil
}

func (b *DeviceBackend) UnsealData(blob []byte, policySession PolicySessionHandle, auth AuthSessionHandle) ([]byte, error) {
	s, ok := policySession.(*devicePolicySession)
	if !ok || s.session == nil {
		return nil, errors.New("invalid session handle")
	}

	var sealed sealedObjectBlob
	if _, err := mu.UnmarshalFromBytes(blob, &sealed); err != nil {
		return nil, xerrors.Errorf("cannot deserialize sealed object: %w", err)
	}

	srk, err := b.tpm.NewResourceContext(srkHandle)
	if err != nil {
		return nil, xerrors.Errorf("cannot create context for SRK: %w", err)
	}

	object, err := b.tpm.Load(srk, sealed.Private, sealed.Public, b.sessionContext(auth))
	if err != nil {
		return nil, xerrors.Errorf("cannot load sealed object: %w", err)
	}
	defer b.tpm.FlushContext(object)

	data, err := b.tpm.Unseal(object, s.session)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *DeviceBackend) GetRandomBytes(n int) ([]byte, error) {
	return b.tpm.GetRandom(uint16(n))
}

func (b *DeviceBackend) sessionContext(auth AuthSessionHandle) tpm2.SessionContext {
	if s, ok := auth.(*deviceAuthSession); ok {
		return s.session
	}
	return nil
}
