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

	. "gopkg.in/check.v1"

	"github.com/kaazoo/cryptorecovery/internal/testutil"
	"github.com/kaazoo/cryptorecovery/internal/tpm2test"
	recovery_tpm2 "github.com/kaazoo/cryptorecovery/tpm2"
)

type unsealSuite struct {
	backend   *tpm2test.Simulator
	authority *tpm2test.Authority
	sealed    *recovery_tpm2.SignatureSealedData
}

var _ = Suite(&unsealSuite{})

func (s *unsealSuite) SetUpTest(c *C) {
	rng := testutil.NewSeededRNG([]byte("TPM2-UNSEAL"))
	s.backend = tpm2test.NewSimulator(rng)

	authority, err := tpm2test.NewAuthority(testutil.BypassMaybeReadByte(testutil.NewSeededRNG([]byte("AUTHORITY"))))
	c.Assert(err, IsNil)
	s.authority = authority

	digest0 := sha256.Sum256([]byte("boot-mode"))
	digest4 := sha256.Sum256([]byte("kernel"))
	s.backend.PcrBank = map[uint32][]byte{
		0: digest0[:],
		4: digest4[:]}

	sealed, err := recovery_tpm2.CreateSealedSecret(s.backend, authority.PublicKeySpkiDer(), allAlgorithms,
		map[uint32][]byte{0: digest0[:], 4: digest4[:]})
	c.Assert(err, IsNil)
	s.sealed = sealed
}

// unseal runs the complete challenge/response exchange against the current
// backend state.
func (s *unsealSuite) unseal(c *C) ([]byte, error) {
	session, err := recovery_tpm2.CreateUnsealingSession(s.backend, s.sealed, s.authority.PublicKeySpkiDer(), allAlgorithms)
	c.Assert(err, IsNil)
	defer session.Close()

	signature, err := s.authority.SignChallenge(session.GetChallengeAlgorithm(), session.GetChallengeValue())
	c.Assert(err, IsNil)

	return session.Unseal(signature)
}

func (s *unsealSuite) TestUnseal(c *C) {
	secret, err := s.unseal(c)
	c.Assert(err, IsNil)
	c.Check(secret, HasLen, 32)
}

func (s *unsealSuite) TestUnsealIsStable(c *C) {
	secret1, err := s.unseal(c)
	c.Assert(err, IsNil)
	secret2, err := s.unseal(c)
	c.Assert(err, IsNil)
	c.Check(secret1, DeepEquals, secret2)
}

func (s *unsealSuite) TestChallengeValue(c *C) {
	session, err := recovery_tpm2.CreateUnsealingSession(s.backend, s.sealed, s.authority.PublicKeySpkiDer(), allAlgorithms)
	c.Assert(err, IsNil)
	defer session.Close()

	challenge := session.GetChallengeValue()
	c.Assert(len(challenge) > 4, testutil.IsTrue)
	// Trailing zero expiration.
	c.Check(challenge[len(challenge)-4:], DeepEquals, []byte{0, 0, 0, 0})
	c.Check(session.GetChallengeAlgorithm(), Equals, recovery_tpm2.AlgorithmRSASSAPKCS1v15SHA256)
}

func (s *unsealSuite) TestUnsupportedMethod(c *C) {
	_, err := recovery_tpm2.CreateUnsealingSession(s.backend, &recovery_tpm2.SignatureSealedData{}, s.authority.PublicKeySpkiDer(), allAlgorithms)
	c.Check(err, Equals, recovery_tpm2.ErrUnsupportedMethod)
}

func (s *unsealSuite) TestKeyMismatch(c *C) {
	other, err := tpm2test.NewAuthority(testutil.BypassMaybeReadByte(testutil.NewSeededRNG([]byte("OTHER"))))
	c.Assert(err, IsNil)

	_, err = recovery_tpm2.CreateUnsealingSession(s.backend, s.sealed, other.PublicKeySpkiDer(), allAlgorithms)
	c.Check(err, Equals, recovery_tpm2.ErrKeyMismatch)
}

func (s *unsealSuite) TestInvalidAlgorithmEncoding(c *C) {
	s.sealed.Tpm2PolicySignedData.HashAlg = 0x1234
	_, err := recovery_tpm2.CreateUnsealingSession(s.backend, s.sealed, s.authority.PublicKeySpkiDer(), allAlgorithms)
	c.Check(err, Equals, recovery_tpm2.ErrInvalidAlgorithmEncoding)
}

func (s *unsealSuite) TestAlgorithmNotSupported(c *C) {
	_, err := recovery_tpm2.CreateUnsealingSession(s.backend, s.sealed, s.authority.PublicKeySpkiDer(),
		[]recovery_tpm2.Algorithm{recovery_tpm2.AlgorithmRSASSAPKCS1v15SHA384})
	c.Check(err, Equals, recovery_tpm2.ErrAlgorithmNotSupported)
}

func (s *unsealSuite) TestSessionStartFailure(c *C) {
	s.backend.StartPolicySessionErr = errors.New("no session slots")
	_, err := recovery_tpm2.CreateUnsealingSession(s.backend, s.sealed, s.authority.PublicKeySpkiDer(), allAlgorithms)
	c.Check(err, ErrorMatches, "cannot start session: no session slots")
}

func (s *unsealSuite) TestPcrChangeBlocksUnseal(c *C) {
	digest := sha256.Sum256([]byte("different kernel"))
	s.backend.PcrBank[4] = digest[:]

	_, err := s.unseal(c)
	c.Check(err, ErrorMatches, "cannot unseal secret: policy digest mismatch")

	var e *recovery_tpm2.UnsealError
	c.Check(errors.As(err, &e), testutil.IsTrue)
}

func (s *unsealSuite) TestForgedChallengeSignature(c *C) {
	session, err := recovery_tpm2.CreateUnsealingSession(s.backend, s.sealed, s.authority.PublicKeySpkiDer(), allAlgorithms)
	c.Assert(err, IsNil)
	defer session.Close()

	_, err = session.Unseal([]byte("forged signature"))
	c.Check(err, ErrorMatches, "cannot complete policy assertion: policy signature verification failed")
	c.Check(recovery_tpm2.IsPolicyError(err), testutil.IsTrue)
}

func (s *unsealSuite) TestStaleChallengeRejected(c *C) {
	stale, err := recovery_tpm2.CreateUnsealingSession(s.backend, s.sealed, s.authority.PublicKeySpkiDer(), allAlgorithms)
	c.Assert(err, IsNil)
	staleChallenge := stale.GetChallengeValue()
	stale.Close()

	session, err := recovery_tpm2.CreateUnsealingSession(s.backend, s.sealed, s.authority.PublicKeySpkiDer(), allAlgorithms)
	c.Assert(err, IsNil)
	defer session.Close()

	// The signature is valid for the previous session's nonce.
	signature, err := s.authority.SignChallenge(session.GetChallengeAlgorithm(), staleChallenge)
	c.Assert(err, IsNil)

	_, err = session.Unseal(signature)
	c.Check(recovery_tpm2.IsPolicyError(err), testutil.IsTrue)
}

func (s *unsealSuite) TestSessionIsSingleUse(c *C) {
	session, err := recovery_tpm2.CreateUnsealingSession(s.backend, s.sealed, s.authority.PublicKeySpkiDer(), allAlgorithms)
	c.Assert(err, IsNil)
	defer session.Close()

	signature, err := s.authority.SignChallenge(session.GetChallengeAlgorithm(), session.GetChallengeValue())
	c.Assert(err, IsNil)

	_, err = session.Unseal(signature)
	c.Assert(err, IsNil)

	_, err = session.Unseal(signature)
	c.Check(err, Equals, recovery_tpm2.ErrSessionExpired)
}

func (s *unsealSuite) TestClosedSessionCannotUnseal(c *C) {
	session, err := recovery_tpm2.CreateUnsealingSession(s.backend, s.sealed, s.authority.PublicKeySpkiDer(), allAlgorithms)
	c.Assert(err, IsNil)

	signature, err := s.authority.SignChallenge(session.GetChallengeAlgorithm(), session.GetChallengeValue())
	c.Assert(err, IsNil)

	session.Close()
	_, err = session.Unseal(signature)
	c.Check(err, Equals, recovery_tpm2.ErrSessionExpired)
}

func (s *unsealSuite) TestSerializeRoundTrip(c *C) {
	serialized, err := s.sealed.Serialize()
	c.Assert(err, IsNil)

	deserialized, err := recovery_tpm2.DeserializeSignatureSealedData(serialized)
	c.Assert(err, IsNil)
	c.Check(deserialized, DeepEquals, s.sealed)

	s.sealed = deserialized
	secret, err := s.unseal(c)
	c.Assert(err, IsNil)
	c.Check(secret, HasLen, 32)
}

func (s *unsealSuite) TestDeserializeGarbage(c *C) {
	_, err := recovery_tpm2.DeserializeSignatureSealedData([]byte{0xff})
	c.Check(err, ErrorMatches, "(?s)cannot unmarshal sealed data: .*")
}
