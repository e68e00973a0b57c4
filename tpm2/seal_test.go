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
	"errors"
	"testing"

	"github.com/canonical/go-tpm2"

	. "gopkg.in/check.v1"

	"github.com/kaazoo/cryptorecovery/internal/testutil"
	"github.com/kaazoo/cryptorecovery/internal/tpm2test"
	recovery_tpm2 "github.com/kaazoo/cryptorecovery/tpm2"
)

func Test(t *testing.T) { TestingT(t) }

type sealSuite struct {
	backend   *tpm2test.Simulator
	authority *tpm2test.Authority
}

var _ = Suite(&sealSuite{})

func (s *sealSuite) SetUpTest(c *C) {
	rng := testutil.NewSeededRNG([]byte("TPM2-SEAL"))
	s.backend = tpm2test.NewSimulator(rng)

	authority, err := tpm2test.NewAuthority(testutil.BypassMaybeReadByte(testutil.NewSeededRNG([]byte("AUTHORITY"))))
	c.Assert(err, IsNil)
	s.authority = authority

	digest0 := sha256.Sum256([]byte("boot-mode"))
	digest4 := sha256.Sum256([]byte("kernel"))
	s.backend.PcrBank = map[uint32][]byte{
		0: digest0[:],
		4: digest4[:]}
}

func (s *sealSuite) pcrValues(indices ...uint32) map[uint32][]byte {
	values := make(map[uint32][]byte)
	for _, index := range indices {
		values[index] = s.backend.PcrBank[index]
	}
	return values
}

var allAlgorithms = []recovery_tpm2.Algorithm{
	recovery_tpm2.AlgorithmRSASSAPKCS1v15SHA1,
	recovery_tpm2.AlgorithmRSASSAPKCS1v15SHA256,
	recovery_tpm2.AlgorithmRSASSAPKCS1v15SHA384,
	recovery_tpm2.AlgorithmRSASSAPKCS1v15SHA512}

func (s *sealSuite) TestCreateSealedSecret(c *C) {
	sealed, err := recovery_tpm2.CreateSealedSecret(s.backend, s.authority.PublicKeySpkiDer(), allAlgorithms, s.pcrValues(4, 0))
	c.Assert(err, IsNil)
	c.Assert(sealed, NotNil)

	c.Check(sealed.Method, Equals, recovery_tpm2.SealingMethodTpm2PolicySigned)
	c.Assert(sealed.Tpm2PolicySignedData, NotNil)

	contents := sealed.Tpm2PolicySignedData
	c.Check(contents.PublicKeySpkiDer, DeepEquals, s.authority.PublicKeySpkiDer())
	c.Check(contents.SrkWrappedSecret, Not(HasLen), 0)
	c.Check(contents.Scheme, Equals, uint16(tpm2.AlgorithmRSASSA))
	c.Check(contents.HashAlg, Equals, uint16(tpm2.AlgorithmSHA256))
	c.Check(contents.BoundPcrs, DeepEquals, []uint32{0, 4})
}

func (s *sealSuite) TestCreateSealedSecretNoPcrs(c *C) {
	sealed, err := recovery_tpm2.CreateSealedSecret(s.backend, s.authority.PublicKeySpkiDer(), allAlgorithms, nil)
	c.Assert(err, IsNil)
	c.Check(sealed.Tpm2PolicySignedData.BoundPcrs, HasLen, 0)
}

func (s *sealSuite) TestCreateSealedSecretNoAlgorithms(c *C) {
	_, err := recovery_tpm2.CreateSealedSecret(s.backend, s.authority.PublicKeySpkiDer(), nil, s.pcrValues(0))
	c.Check(err, Equals, recovery_tpm2.ErrNoSupportedAlgorithm)
}

func (s *sealSuite) TestCreateSealedSecretBadKey(c *C) {
	_, err := recovery_tpm2.CreateSealedSecret(s.backend, []byte("not a key"), allAlgorithms, s.pcrValues(0))
	c.Check(err, ErrorMatches, "cannot load protection key: .*")

	var e *recovery_tpm2.KeyLoadError
	c.Check(errors.As(err, &e), testutil.IsTrue)
}

func (s *sealSuite) TestCreateSealedSecretSessionFailure(c *C) {
	s.backend.StartAuthSessionErr = errors.New("no session slots")
	_, err := recovery_tpm2.CreateSealedSecret(s.backend, s.authority.PublicKeySpkiDer(), allAlgorithms, s.pcrValues(0))
	c.Check(err, ErrorMatches, "cannot start session: no session slots")

	var e *recovery_tpm2.SessionStartError
	c.Check(errors.As(err, &e), testutil.IsTrue)
}

func (s *sealSuite) TestCreateSealedSecretPolicyFailure(c *C) {
	s.backend.PolicyPCRErr = errors.New("some error")
	_, err := recovery_tpm2.CreateSealedSecret(s.backend, s.authority.PublicKeySpkiDer(), allAlgorithms, s.pcrValues(0))
	c.Check(err, ErrorMatches, "cannot complete policy assertion: some error")
	c.Check(recovery_tpm2.IsPolicyError(err), testutil.IsTrue)
}

func (s *sealSuite) TestCreateSealedSecretRandomFailure(c *C) {
	s.backend.GetRandomErr = errors.New("entropy exhausted")
	_, err := recovery_tpm2.CreateSealedSecret(s.backend, s.authority.PublicKeySpkiDer(), allAlgorithms, s.pcrValues(0))
	c.Check(err, ErrorMatches, "cannot generate random secret: entropy exhausted")
}

func (s *sealSuite) TestCreateSealedSecretSealFailure(c *C) {
	s.backend.SealDataErr = errors.New("object store full")
	_, err := recovery_tpm2.CreateSealedSecret(s.backend, s.authority.PublicKeySpkiDer(), allAlgorithms, s.pcrValues(0))
	c.Check(err, ErrorMatches, "cannot seal secret: object store full")
}

type chooseAlgorithmSuite struct{}

var _ = Suite(&chooseAlgorithmSuite{})

type testChooseAlgorithmData struct {
	algorithms []recovery_tpm2.Algorithm
	scheme     tpm2.AlgorithmId
	hashAlg    tpm2.AlgorithmId
}

func (s *chooseAlgorithmSuite) testChooseAlgorithm(c *C, data *testChooseAlgorithmData) {
	scheme, hashAlg, ok := recovery_tpm2.ChooseAlgorithm(data.algorithms)
	c.Assert(ok, testutil.IsTrue)
	c.Check(scheme, Equals, data.scheme)
	c.Check(hashAlg, Equals, data.hashAlg)
}

func (s *chooseAlgorithmSuite) TestSingle(c *C) {
	s.testChooseAlgorithm(c, &testChooseAlgorithmData{
		algorithms: []recovery_tpm2.Algorithm{recovery_tpm2.AlgorithmRSASSAPKCS1v15SHA256},
		scheme:     tpm2.AlgorithmRSASSA,
		hashAlg:    tpm2.AlgorithmSHA256})
}

func (s *chooseAlgorithmSuite) TestRespectsInputOrder(c *C) {
	s.testChooseAlgorithm(c, &testChooseAlgorithmData{
		algorithms: []recovery_tpm2.Algorithm{
			recovery_tpm2.AlgorithmRSASSAPKCS1v15SHA384,
			recovery_tpm2.AlgorithmRSASSAPKCS1v15SHA256},
		scheme:  tpm2.AlgorithmRSASSA,
		hashAlg: tpm2.AlgorithmSHA384})
}

func (s *chooseAlgorithmSuite) TestSha1LeastPreferred(c *C) {
	s.testChooseAlgorithm(c, &testChooseAlgorithmData{
		algorithms: []recovery_tpm2.Algorithm{
			recovery_tpm2.AlgorithmRSASSAPKCS1v15SHA1,
			recovery_tpm2.AlgorithmRSASSAPKCS1v15SHA512},
		scheme:  tpm2.AlgorithmRSASSA,
		hashAlg: tpm2.AlgorithmSHA512})
}

func (s *chooseAlgorithmSuite) TestSha1Only(c *C) {
	s.testChooseAlgorithm(c, &testChooseAlgorithmData{
		algorithms: []recovery_tpm2.Algorithm{recovery_tpm2.AlgorithmRSASSAPKCS1v15SHA1},
		scheme:     tpm2.AlgorithmRSASSA,
		hashAlg:    tpm2.AlgorithmSHA1})
}

func (s *chooseAlgorithmSuite) TestUnknownValuesSkipped(c *C) {
	s.testChooseAlgorithm(c, &testChooseAlgorithmData{
		algorithms: []recovery_tpm2.Algorithm{
			recovery_tpm2.Algorithm(0),
			recovery_tpm2.AlgorithmRSASSAPKCS1v15SHA256},
		scheme:  tpm2.AlgorithmRSASSA,
		hashAlg: tpm2.AlgorithmSHA256})
}

func (s *chooseAlgorithmSuite) TestNothingUsable(c *C) {
	_, _, ok := recovery_tpm2.ChooseAlgorithm([]recovery_tpm2.Algorithm{recovery_tpm2.Algorithm(100)})
	c.Check(ok, testutil.IsFalse)
}
