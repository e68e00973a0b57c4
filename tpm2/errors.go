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
	"errors"
	"fmt"

	"golang.org/x/xerrors"
)

var (
	// ErrNoSupportedAlgorithm is returned from CreateSealedSecret if none of
	// the supplied key algorithms maps to a recognized scheme and hash pair.
	ErrNoSupportedAlgorithm = errors.New("no supported signature algorithm")

	// ErrUnsupportedMethod is returned from CreateUnsealingSession if the
	// sealed data doesn't carry the TPM2 policy-signed sealing method.
	ErrUnsupportedMethod = errors.New("sealed data is empty or uses an unexpected sealing method")

	// ErrKeyMismatch is returned from CreateUnsealingSession if the supplied
	// public key differs from the one the secret was sealed to.
	ErrKeyMismatch = errors.New("wrong subject public key info")

	// ErrInvalidAlgorithmEncoding is returned from CreateUnsealingSession if
	// the sealed data carries scheme or hash identifiers that are not valid
	// TPM algorithm identifiers.
	ErrInvalidAlgorithmEncoding = errors.New("invalid signature algorithm encoding")

	// ErrAlgorithmNotSupported is returned from CreateUnsealingSession if no
	// supplied key algorithm matches the one recorded in the sealed data.
	ErrAlgorithmNotSupported = errors.New("key doesn't support the required algorithm")

	// ErrSessionExpired is returned from UnsealingSession.Unseal on a second
	// call - the session nonce is single use and a fresh session is required
	// to retry.
	ErrSessionExpired = errors.New("unsealing session has expired")
)

// KeyLoadError is returned when the protection public key cannot be loaded
// into the backing authority.
type KeyLoadError struct {
	err error
}

func (e *KeyLoadError) Error() string {
	return fmt.Sprintf("cannot load protection key: %v", e.err)
}

func (e *KeyLoadError) Unwrap() error {
	return e.err
}

// SessionStartError is returned when a backend session cannot be started.
type SessionStartError struct {
	err error
}

func (e *SessionStartError) Error() string {
	return fmt.Sprintf("cannot start session: %v", e.err)
}

func (e *SessionStartError) Unwrap() error {
	return e.err
}

// PolicyError is returned when a policy assertion fails. During unsealing
// this is the authentication gate - an invalid or forged signed challenge is
// rejected by the backend's signature policy assertion and surfaces as this
// error.
type PolicyError struct {
	err error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("cannot complete policy assertion: %v", e.err)
}

func (e *PolicyError) Unwrap() error {
	return e.err
}

// UnsealError is returned when the backend refuses to release the sealed
// secret, generally because the completed policy session digest doesn't
// match the one the secret was sealed under.
type UnsealError struct {
	err error
}

func (e *UnsealError) Error() string {
	return fmt.Sprintf("cannot unseal secret: %v", e.err)
}

func (e *UnsealError) Unwrap() error {
	return e.err
}

func isPolicyError(err error) bool {
	var e *PolicyError
	return xerrors.As(err, &e)
}
