package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/kaazoo/cryptorecovery"
)

type options struct {
	Username        string `long:"username" default:"0b1e12ac634c1b2f9f7dd33df1ba60bcbaca2a21" description:"Obfuscated username to run the protocol for"`
	ProtectorSecret string `long:"protector-secret" description:"Wrap locally stored key material with an AES protector derived from this secret instead of storing it in the clear"`
	Iterations      int    `long:"iterations" default:"1" description:"Number of protocol round trips to run"`
	Verbose         bool   `short:"v" long:"verbose" description:"Print intermediate protocol values"`
}

var opts options

func selftest() error {
	var protector cryptorecovery.KeyProtector = cryptorecovery.PassthroughKeyProtector{}
	if opts.ProtectorSecret != "" {
		protector = cryptorecovery.NewAESKeyProtector([]byte(opts.ProtectorSecret))
	}

	crypto := cryptorecovery.NewRecoveryCrypto(protector)
	mediator := cryptorecovery.NewFakeMediator()

	payload, err := crypto.GenerateHsmPayload(&cryptorecovery.GenerateHsmPayloadRequest{
		MediatorPubKey: cryptorecovery.FakeMediatorPublicKey(),
		OnboardingMetadata: cryptorecovery.OnboardingMetadata{
			UserType:       cryptorecovery.UserTypeGaiaID,
			CryptohomeUser: "selftest-user",
			DeviceUserID:   "selftest-device",
			BoardName:      "selftest",
			ModelName:      "selftest",
			RecoveryID:     "selftest-recovery-id"},
		ObfuscatedUsername: opts.Username})
	if err != nil {
		return fmt.Errorf("cannot generate HSM payload: %w", err)
	}
	if opts.Verbose {
		fmt.Println("recovery key:", hex.EncodeToString(payload.RecoveryKey))
		fmt.Println("channel public key:", hex.EncodeToString(payload.ChannelPubKey))
	}

	requestMetadata := cryptorecovery.RequestMetadata{
		AuthClaim: cryptorecovery.AuthClaim{
			GaiaAccessToken:      "selftest-access-token",
			GaiaReauthProofToken: "selftest-rapt"},
		RequestorUser:     "selftest-user",
		RequestorUserType: cryptorecovery.UserTypeGaiaID}

	request, ephemeralPubKey, err := crypto.GenerateRecoveryRequest(payload.HsmPayload, requestMetadata,
		cryptorecovery.FakeEpochResponse(), payload.EncryptedRsaPrivKey, payload.EncryptedChannelPrivKey,
		payload.ChannelPubKey, opts.Username)
	if err != nil {
		return fmt.Errorf("cannot generate recovery request: %w", err)
	}

	response, err := mediator.MediateRequestPayload(cryptorecovery.FakeEpochPublicKey(),
		cryptorecovery.FakeEpochPrivateKey(), cryptorecovery.FakeMediatorPrivateKey(), request)
	if err != nil {
		return fmt.Errorf("cannot mediate request: %w", err)
	}

	plainText, err := crypto.DecryptResponsePayload(payload.EncryptedChannelPrivKey,
		cryptorecovery.FakeEpochResponse(), response, opts.Username)
	if err != nil {
		return fmt.Errorf("cannot decrypt response: %w", err)
	}

	recoveredKey, err := crypto.RecoverDestination(plainText.DealerPubKey, plainText.KeyAuthValue,
		payload.EncryptedDestinationShare, ephemeralPubKey, plainText.MediatedPoint, opts.Username)
	if err != nil {
		return fmt.Errorf("cannot recover destination: %w", err)
	}
	if opts.Verbose {
		fmt.Println("recovered key:", hex.EncodeToString(recoveredKey))
	}

	if !bytes.Equal(recoveredKey, payload.RecoveryKey) {
		return fmt.Errorf("recovered key does not match the enrolled recovery key")
	}
	return nil
}

func run() error {
	if _, err := flags.Parse(&opts); err != nil {
		return err
	}

	for i := 0; i < opts.Iterations; i++ {
		if err := selftest(); err != nil {
			return err
		}
	}

	fmt.Println("ok")
	return nil
}

func main() {
	if err := run(); err != nil {
		switch e := err.(type) {
		case *flags.Error:
			// flags already prints this
			if e.Type != flags.ErrHelp {
				os.Exit(1)
			}
		default:
			fmt.Fprintln(os.Stderr, "selftest failed:", err)
			os.Exit(1)
		}
	}
}
