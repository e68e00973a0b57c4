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

// Package ecutil provides the elliptic curve primitives used by the recovery
// protocol - key generation, scalar and point arithmetic over NIST P-256, and
// SubjectPublicKeyInfo DER encoding of public points.
//
// All operations are stateless. The zero point (the group identity) is never
// a valid input or output of any exported operation.
package ecutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"errors"
	"io"
	"math/big"

	"golang.org/x/xerrors"
)

var (
	// ErrInvalidEncoding is returned when a byte string cannot be decoded
	// to a valid point on the curve.
	ErrInvalidEncoding = errors.New("invalid point encoding")

	// ErrInvalidPoint is returned when a point operand is not on the curve
	// or is the group identity.
	ErrInvalidPoint = errors.New("invalid curve point")

	// ErrRandomness is returned when the supplied entropy source fails.
	ErrRandomness = errors.New("insufficient randomness")

	one = new(big.Int).SetInt64(1)
)

// Point is an affine point on a curve. It is never the group identity.
type Point struct {
	x, y *big.Int
}

// X returns the affine X coordinate.
func (p *Point) X() *big.Int { return new(big.Int).Set(p.x) }

// Y returns the affine Y coordinate.
func (p *Point) Y() *big.Int { return new(big.Int).Set(p.y) }

// NewPoint constructs a point from affine coordinates. The result is only
// usable with a curve that validates it.
func NewPoint(x, y *big.Int) *Point {
	return &Point{x: new(big.Int).Set(x), y: new(big.Int).Set(y)}
}

// Curve provides group operations over a named elliptic curve. The protocol
// fixes this to NIST P-256, but the arithmetic is generic.
type Curve struct {
	curve elliptic.Curve
}

// P256 returns a Curve for NIST P-256.
func P256() Curve {
	return Curve{curve: elliptic.P256()}
}

// ScalarSizeBytes returns the size of a serialized scalar.
func (c Curve) ScalarSizeBytes() int {
	return (c.curve.Params().N.BitLen() + 7) / 8
}

// Order returns the order of the group generated by the base point.
func (c Curve) Order() *big.Int {
	return new(big.Int).Set(c.curve.Params().N)
}

func (c Curve) validatePoint(p *Point) error {
	if p == nil || p.x == nil || p.y == nil {
		return ErrInvalidPoint
	}
	if p.x.Sign() == 0 && p.y.Sign() == 0 {
		return ErrInvalidPoint
	}
	if !c.curve.IsOnCurve(p.x, p.y) {
		return ErrInvalidPoint
	}
	return nil
}

// GenerateKeyPair generates a new private scalar in [1, n-1] and the
// corresponding public point, using the method described by FIPS 186-4
// section B.4.1. This method is deterministic (given the same sequence of
// random bytes, it will generate the same key) and is not sensitive to
// changes in the standard library between go releases, which allows tests
// to drive it with a DRBG.
func (c Curve) GenerateKeyPair(rand io.Reader) (*big.Int, *Point, error) {
	params := c.curve.Params()

	// 1. N=len(n)
	N := params.N.BitLen() / 8

	// 4. Obtain a string of N+64 bits from an RBG
	b := make([]byte, N+8)
	if _, err := io.ReadFull(rand, b); err != nil {
		return nil, nil, xerrors.Errorf("cannot obtain random bytes (%v): %w", err, ErrRandomness)
	}

	// 5. Convert to integer c
	v := new(big.Int).SetBytes(b)

	// 6. d = (c*mod(n-1))+1
	nMinusOne := new(big.Int).Sub(params.N, one)
	v.Mod(v, nMinusOne)
	d := new(big.Int).Add(v, one)

	// 7. Q=dG
	x, y := c.curve.ScalarBaseMult(d.Bytes())
	return d, &Point{x: x, y: y}, nil
}

// RandomNonZeroScalar returns a uniformly distributed scalar in [1, n-1].
func (c Curve) RandomNonZeroScalar(rand io.Reader) (*big.Int, error) {
	nMinusOne := new(big.Int).Sub(c.curve.Params().N, one)
	byteLen := (nMinusOne.BitLen() + 7) / 8
	b := make([]byte, byteLen)
	for {
		if _, err := io.ReadFull(rand, b); err != nil {
			return nil, xerrors.Errorf("cannot obtain random bytes (%v): %w", err, ErrRandomness)
		}
		k := new(big.Int).SetBytes(b)
		// Rejection sampling keeps the distribution uniform.
		if k.Sign() > 0 && k.Cmp(c.curve.Params().N) < 0 {
			return k, nil
		}
	}
}

// ScalarBaseMult returns scalar*G.
func (c Curve) ScalarBaseMult(scalar *big.Int) (*Point, error) {
	k := new(big.Int).Mod(scalar, c.curve.Params().N)
	if k.Sign() == 0 {
		return nil, ErrInvalidPoint
	}
	x, y := c.curve.ScalarBaseMult(k.Bytes())
	return &Point{x: x, y: y}, nil
}

// ScalarMult returns scalar*point. The point operand is validated to be on
// the curve first - multiplying an off-curve point is rejected rather than
// silently producing a bad result.
func (c Curve) ScalarMult(scalar *big.Int, point *Point) (*Point, error) {
	if err := c.validatePoint(point); err != nil {
		return nil, err
	}
	k := new(big.Int).Mod(scalar, c.curve.Params().N)
	if k.Sign() == 0 {
		return nil, ErrInvalidPoint
	}
	x, y := c.curve.ScalarMult(point.x, point.y, k.Bytes())
	if x.Sign() == 0 && y.Sign() == 0 {
		return nil, ErrInvalidPoint
	}
	return &Point{x: x, y: y}, nil
}

// Add returns p1+p2. Adding a point to its inverse yields the group
// identity, which is not representable - this fails with ErrInvalidPoint.
func (c Curve) Add(p1, p2 *Point) (*Point, error) {
	if err := c.validatePoint(p1); err != nil {
		return nil, err
	}
	if err := c.validatePoint(p2); err != nil {
		return nil, err
	}
	x, y := c.curve.Add(p1.x, p1.y, p2.x, p2.y)
	if x.Sign() == 0 && y.Sign() == 0 {
		return nil, ErrInvalidPoint
	}
	return &Point{x: x, y: y}, nil
}

// Invert returns the inverse of the supplied point, ie, the point with the
// negated Y coordinate.
func (c Curve) Invert(point *Point) (*Point, error) {
	if err := c.validatePoint(point); err != nil {
		return nil, err
	}
	y := new(big.Int).Neg(point.y)
	y.Mod(y, c.curve.Params().P)
	return &Point{x: new(big.Int).Set(point.x), y: y}, nil
}

// SubScalars returns (a-b) mod n.
func (c Curve) SubScalars(a, b *big.Int) *big.Int {
	r := new(big.Int).Sub(a, b)
	return r.Mod(r, c.curve.Params().N)
}

// AddScalars returns (a+b) mod n.
func (c Curve) AddScalars(a, b *big.Int) *big.Int {
	r := new(big.Int).Add(a, b)
	return r.Mod(r, c.curve.Params().N)
}

// ScalarToBytes serializes a scalar, zero extended to the scalar size of
// the curve.
func (c Curve) ScalarToBytes(scalar *big.Int) []byte {
	b := scalar.Bytes()
	size := c.ScalarSizeBytes()
	if len(b) > size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// ScalarFromBytes deserializes a big-endian scalar.
func (c Curve) ScalarFromBytes(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

// EncodePoint returns the SEC1 uncompressed encoding of the supplied point.
func (c Curve) EncodePoint(point *Point) ([]byte, error) {
	if err := c.validatePoint(point); err != nil {
		return nil, err
	}
	return elliptic.Marshal(c.curve, point.x, point.y), nil
}

// DecodePoint decodes a SEC1 uncompressed point encoding, validating that
// the result is on the curve and is not the group identity.
func (c Curve) DecodePoint(data []byte) (*Point, error) {
	x, y := elliptic.Unmarshal(c.curve, data)
	if x == nil {
		return nil, ErrInvalidEncoding
	}
	p := &Point{x: x, y: y}
	if err := c.validatePoint(p); err != nil {
		return nil, ErrInvalidEncoding
	}
	return p, nil
}

// EncodeToSpkiDer returns the SubjectPublicKeyInfo DER encoding of the
// supplied public point.
func (c Curve) EncodeToSpkiDer(point *Point) ([]byte, error) {
	if err := c.validatePoint(point); err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(&ecdsa.PublicKey{Curve: c.curve, X: point.x, Y: point.y})
	if err != nil {
		return nil, xerrors.Errorf("cannot encode point: %w", err)
	}
	return der, nil
}

// DecodeSpkiDer decodes a SubjectPublicKeyInfo DER encoded public point,
// validating that it lies on the curve and is not the group identity.
func (c Curve) DecodeSpkiDer(der []byte) (*Point, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	ecKey, ok := key.(*ecdsa.PublicKey)
	if !ok || ecKey.Curve != c.curve {
		return nil, ErrInvalidEncoding
	}
	p := &Point{x: ecKey.X, y: ecKey.Y}
	if err := c.validatePoint(p); err != nil {
		return nil, ErrInvalidEncoding
	}
	return p, nil
}
