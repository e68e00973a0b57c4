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

package tpm2_test

import (
	"crypto/sha256"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/util"

	. "gopkg.in/check.v1"

	recovery_tpm2 "github.com/kaazoo/cryptorecovery/tpm2"
)

type deviceBackendSuite struct{}

var _ = Suite(&deviceBackendSuite{})

// Trial policy sessions are computed entirely in software, so these tests
// run without a TPM connection.

func (s *deviceBackendSuite) trialDigest(c *C, backend *recovery_tpm2.DeviceBackend, pcrValue, keyName []byte) []byte {
	session, err := backend.StartPolicySession(true)
	c.Assert(err, IsNil)
	defer session.Flush()

	c.Check(backend.PolicyPCR(session, 7, pcrValue), IsNil)
	c.Check(backend.PolicySigned(session, nil, keyName, nil, nil, 0, nil), IsNil)

	digest, err := backend.GetPolicyDigest(session)
	c.Assert(err, IsNil)
	return digest
}

func (s *deviceBackendSuite) TestTrialPolicyDigest(c *C) {
	backend := recovery_tpm2.NewDeviceBackend(nil)

	pcrValue := sha256.Sum256([]byte("kernel"))
	keyName := make([]byte, 34)
	keyName[1] = 0x0b
	for i := 2; i < len(keyName); i++ {
		keyName[i] = byte(i)
	}

	digest := s.trialDigest(c, backend, pcrValue[:], keyName)

	pcrs := tpm2.PCRSelectionList{{Hash: tpm2.HashAlgorithmSHA256, Select: []int{7}}}
	pcrDigest, err := util.ComputePCRDigest(tpm2.HashAlgorithmSHA256, pcrs, tpm2.PCRValues{tpm2.HashAlgorithmSHA256: {7: pcrValue[:]}})
	c.Assert(err, IsNil)
	trial := util.ComputeAuthPolicy(tpm2.HashAlgorithmSHA256)
	trial.PolicyPCR(pcrDigest, pcrs)
	trial.PolicySigned(tpm2.Name(keyName), nil)

	c.Check(digest, DeepEquals, []byte(trial.GetDigest()))
}

func (s *deviceBackendSuite) TestTrialPolicyDigestIsDeterministic(c *C) {
	backend := recovery_tpm2.NewDeviceBackend(nil)

	pcrValue := sha256.Sum256([]byte("boot-mode"))
	keyDigest := sha256.Sum256([]byte{0x01, 0x02, 0x03})
	keyName := append([]byte{0x00, 0x0b}, keyDigest[:]...)

	digest1 := s.trialDigest(c, backend, pcrValue[:], keyName)
	digest2 := s.trialDigest(c, backend, pcrValue[:], keyName)
	c.Check(digest1, HasLen, sha256.Size)
	c.Check(digest1, DeepEquals, digest2)
}

func (s *deviceBackendSuite) TestTrialPolicyDigestDependsOnKeyName(c *C) {
	backend := recovery_tpm2.NewDeviceBackend(nil)

	pcrValue := sha256.Sum256([]byte("boot-mode"))

	keyDigest1 := sha256.Sum256([]byte{0x01})
	keyDigest2 := sha256.Sum256([]byte{0x02})
	digest1 := s.trialDigest(c, backend, pcrValue[:], append([]byte{0x00, 0x0b}, keyDigest1[:]...))
	digest2 := s.trialDigest(c, backend, pcrValue[:], append([]byte{0x00, 0x0b}, keyDigest2[:]...))
	c.Check(digest1, Not(DeepEquals), digest2)
}
