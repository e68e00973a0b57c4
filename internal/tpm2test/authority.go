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

package tpm2test

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"io"

	recovery_tpm2 "github.com/kaazoo/cryptorecovery/tpm2"
)

// Authority simulates the external signing authority that holds the private
// half of the protection key.
type Authority struct {
	Key *rsa.PrivateKey
}

// NewAuthority generates a fresh RSA protection key pair using entropy from
// rng.
func NewAuthority(rng io.Reader) (*Authority, error) {
	key, err := rsa.GenerateKey(rng, 2048)
	if err != nil {
		return nil, err
	}
	return &Authority{Key: key}, nil
}

// PublicKeySpkiDer returns the SubjectPublicKeyInfo DER encoding of the
// authority's public key.
func (a *Authority) PublicKeySpkiDer() []byte {
	der, err := x509.MarshalPKIXPublicKey(&a.Key.PublicKey)
	if err != nil {
		panic(err)
	}
	return der
}

// SignChallenge signs a challenge issued by an unsealing session with the
// supplied algorithm.
func (a *Authority) SignChallenge(algorithm recovery_tpm2.Algorithm, challenge []byte) ([]byte, error) {
	var hash crypto.Hash
	switch algorithm {
	case recovery_tpm2.AlgorithmRSASSAPKCS1v15SHA1:
		hash = crypto.SHA1
	case recovery_tpm2.AlgorithmRSASSAPKCS1v15SHA256:
		hash = crypto.SHA256
	case recovery_tpm2.AlgorithmRSASSAPKCS1v15SHA384:
		hash = crypto.SHA384
	case recovery_tpm2.AlgorithmRSASSAPKCS1v15SHA512:
		hash = crypto.SHA512
	default:
		return nil, errors.New("unsupported algorithm")
	}

	h := hash.New()
	h.Write(challenge)
	return rsa.SignPKCS1v15(nil, a.Key, hash, h.Sum(nil))
}
