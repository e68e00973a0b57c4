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

// UserType describes the type of the user identifier carried in the recovery
// metadata.
type UserType uint32

const (
	UserTypeUnknown UserType = iota
	UserTypeGaiaID
)

// AuthClaim carries the opaque reauthentication tokens that accompany a
// recovery request. The contents are forwarded to the mediation service for
// auditing and are never interpreted by this package.
type AuthClaim struct {
	GaiaAccessToken      string
	GaiaReauthProofToken string
}

// OnboardingMetadata identifies the user and device that enrolled for
// recovery. It is immutable once created and is embedded, serialized, into
// the associated data of the HSM payload so that mediation can audit it.
type OnboardingMetadata struct {
	UserType       UserType
	CryptohomeUser string
	DeviceUserID   string
	BoardName      string
	ModelName      string
	RecoveryID     string
}

// RequestMetadata identifies a single recovery attempt. It is created per
// attempt and consumed by request construction only.
type RequestMetadata struct {
	AuthClaim         AuthClaim
	RequestorUser     string
	RequestorUserType UserType
}

// Wire forms of the metadata structures. The go-tpm2 mu package has no
// string support, so string fields travel as sized byte buffers.

type onboardingMetadataRaw struct {
	UserType       uint32
	CryptohomeUser []byte
	DeviceUserID   []byte
	BoardName      []byte
	ModelName      []byte
	RecoveryID     []byte
}

func makeOnboardingMetadataRaw(m *OnboardingMetadata) *onboardingMetadataRaw {
	return &onboardingMetadataRaw{
		UserType:       uint32(m.UserType),
		CryptohomeUser: []byte(m.CryptohomeUser),
		DeviceUserID:   []byte(m.DeviceUserID),
		BoardName:      []byte(m.BoardName),
		ModelName:      []byte(m.ModelName),
		RecoveryID:     []byte(m.RecoveryID)}
}

type requestMetadataRaw struct {
	GaiaAccessToken      []byte
	GaiaReauthProofToken []byte
	RequestorUser        []byte
	RequestorUserType    uint32
}

func makeRequestMetadataRaw(m *RequestMetadata) *requestMetadataRaw {
	return &requestMetadataRaw{
		GaiaAccessToken:      []byte(m.AuthClaim.GaiaAccessToken),
		GaiaReauthProofToken: []byte(m.AuthClaim.GaiaReauthProofToken),
		RequestorUser:        []byte(m.RequestorUser),
		RequestorUserType:    uint32(m.RequestorUserType)}
}
