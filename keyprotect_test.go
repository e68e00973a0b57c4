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

package cryptorecovery_test

import (
	. "gopkg.in/check.v1"

	"github.com/kaazoo/cryptorecovery"
)

type keyProtectSuite struct{}

var _ = Suite(&keyProtectSuite{})

func (s *keyProtectSuite) TestPassthrough(c *C) {
	protector := cryptorecovery.PassthroughKeyProtector{}

	key := []byte("some key material")
	blob, err := protector.ProtectKey(testUsername, key)
	c.Assert(err, IsNil)
	c.Check(blob, DeepEquals, key)

	// The blob must be a copy, not an alias.
	blob[0] ^= 0xff
	c.Check(key[0], Equals, byte('s'))

	blob[0] ^= 0xff
	recovered, err := protector.UnprotectKey(testUsername, blob)
	c.Assert(err, IsNil)
	c.Check(recovered, DeepEquals, key)
}

func (s *keyProtectSuite) TestAESRoundTrip(c *C) {
	protector := cryptorecovery.NewAESKeyProtector([]byte("wrapping secret"))

	key := []byte("some key material")
	blob, err := protector.ProtectKey(testUsername, key)
	c.Assert(err, IsNil)
	c.Check(blob, Not(DeepEquals), key)

	recovered, err := protector.UnprotectKey(testUsername, blob)
	c.Assert(err, IsNil)
	c.Check(recovered, DeepEquals, key)
}

func (s *keyProtectSuite) TestAESIsRandomized(c *C) {
	protector := cryptorecovery.NewAESKeyProtector([]byte("wrapping secret"))

	key := []byte("some key material")
	blob1, err := protector.ProtectKey(testUsername, key)
	c.Assert(err, IsNil)
	blob2, err := protector.ProtectKey(testUsername, key)
	c.Assert(err, IsNil)
	c.Check(blob1, Not(DeepEquals), blob2)
}

func (s *keyProtectSuite) TestAESWrongUsername(c *C) {
	protector := cryptorecovery.NewAESKeyProtector([]byte("wrapping secret"))

	blob, err := protector.ProtectKey(testUsername, []byte("some key material"))
	c.Assert(err, IsNil)

	_, err = protector.UnprotectKey("b7c5f1d2a34c1b2f9f7dd33df1ba60bcbaca2a21", blob)
	c.Check(err, NotNil)
}

func (s *keyProtectSuite) TestAESWrongSecret(c *C) {
	blob, err := cryptorecovery.NewAESKeyProtector([]byte("wrapping secret")).ProtectKey(testUsername, []byte("some key material"))
	c.Assert(err, IsNil)

	_, err = cryptorecovery.NewAESKeyProtector([]byte("different secret")).UnprotectKey(testUsername, blob)
	c.Check(err, NotNil)
}

func (s *keyProtectSuite) TestAESTamperedBlob(c *C) {
	protector := cryptorecovery.NewAESKeyProtector([]byte("wrapping secret"))

	blob, err := protector.ProtectKey(testUsername, []byte("some key material"))
	c.Assert(err, IsNil)

	blob[len(blob)-1] ^= 0xff
	_, err = protector.UnprotectKey(testUsername, blob)
	c.Check(err, NotNil)
}

func (s *keyProtectSuite) TestAESTruncatedBlob(c *C) {
	protector := cryptorecovery.NewAESKeyProtector([]byte("wrapping secret"))
	_, err := protector.UnprotectKey(testUsername, []byte{0x01, 0x02})
	c.Check(err, NotNil)
}
