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

// Package testutil contains helpers shared by the test suites.
package testutil

import (
	"io"

	"github.com/canonical/go-sp800.90a-drbg"
)

var rngSeed = []byte{0x7a, 0x10, 0x8e, 0xcf, 0x22, 0x4b, 0x31, 0xd9, 0x0c, 0xa1, 0x58, 0x63, 0xf0, 0x2e, 0x95, 0xb4,
	0x1d, 0xc6, 0x39, 0x72, 0x84, 0x5f, 0xee, 0x08, 0xb1, 0x47, 0xda, 0x3c, 0x60, 0x9b, 0x25, 0xf1}

// NewSeededRNG returns a deterministic random source for tests that take a
// source of randomness as an io.Reader. Two readers constructed with the
// same personalization produce the same byte sequence.
func NewSeededRNG(personalization []byte) io.Reader {
	rng, err := drbg.NewCTRWithExternalEntropy(32, rngSeed, nil, personalization, nil)
	if err != nil {
		panic(err)
	}
	return rng
}

type maybeReadByteBypasser struct {
	rand io.Reader
}

// BypassMaybeReadByte wraps rand so that functions in go's crypto library
// that mix in non-determinism via single byte reads (randutil.MaybeReadByte)
// still consume a predictable byte sequence from rand. Single byte reads
// return (1, nil) without consuming anything.
func BypassMaybeReadByte(rand io.Reader) io.Reader {
	return &maybeReadByteBypasser{rand: rand}
}

func (r *maybeReadByteBypasser) Read(data []byte) (int, error) {
	if len(data) == 1 {
		return 1, nil
	}
	return r.rand.Read(data)
}
