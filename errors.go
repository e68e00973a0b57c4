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
	"errors"
	"fmt"
)

var (
	// ErrInvalidMediatorKey is returned from RecoveryCrypto.GenerateHsmPayload
	// if the supplied mediator public key is not a valid SubjectPublicKeyInfo
	// encoding of a point on the curve.
	ErrInvalidMediatorKey = errors.New("invalid mediator public key")

	// ErrInvalidPoint is returned from RecoveryCrypto.RecoverDestination if
	// the supplied mediated point does not decode to a valid curve point.
	// A well-formed but wrong point is not detected at this layer - it yields
	// a recovery key that doesn't match the enrolled one, and the mismatch is
	// detected by the caller comparing against data protected by the original
	// key.
	ErrInvalidPoint = errors.New("invalid curve point")
)

// DecryptionFailedError is returned from RecoveryCrypto.DecryptResponsePayload
// when the integrity check on the response payload fails. This is the designed
// failure point when the mediator used key material inconsistent with the
// current epoch.
type DecryptionFailedError struct {
	err error
}

func (e *DecryptionFailedError) Error() string {
	return fmt.Sprintf("cannot decrypt payload: %v", e.err)
}

func (e *DecryptionFailedError) Unwrap() error {
	return e.err
}
