package wallet

import (
	"encoding/hex"

	"github.com/blockcypher/libgrin/core"
	"github.com/olegabu/go-secp256k1-zkp"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// createOutput builds a commitment to value under the given blinding
// factor, with its bulletproof.
func createOutput(
	context *secp256k1.Context,
	blind [32]byte,
	value uint64,
	features core.OutputFeatures,
) (
	output core.Output,
	err error,
) {
	commitment, err := secp256k1.Commit(context, blind[:], value, &secp256k1.GeneratorH, &secp256k1.GeneratorG)
	if err != nil {
		return core.Output{}, errors.Wrap(err, "cannot create commitment to value")
	}

	rnd := secp256k1.Random256()
	proof, err := secp256k1.BulletproofRangeproofProveSingle(
		context, nil, nil,
		value, blind[:],
		rnd[:], nil, nil, nil)
	if err != nil {
		return core.Output{}, errors.Wrap(err, "cannot create bullet proof")
	}

	output = core.Output{
		Features: features,
		Commit:   commitment.String(),
		Proof:    hex.EncodeToString(proof),
	}

	return output, nil
}

func pubKeyFromSecretKey(context *secp256k1.Context, sk32 []byte) (*secp256k1.PublicKey, error) {
	res, pk, err := secp256k1.EcPubkeyCreate(context, sk32)
	if res != 1 || pk == nil || err != nil {
		return nil, errors.Wrap(err, "cannot create public key from secret key")
	}

	return pk, nil
}

func sumPubKeys(
	context *secp256k1.Context,
	pubkeys []*secp256k1.PublicKey,
) (
	sum *secp256k1.PublicKey,
	err error,
) {
	res, sum, err := secp256k1.EcPubkeyCombine(context, pubkeys)
	if res != 1 || err != nil {
		return nil, errors.Wrap(err, "cannot sum public keys")
	}

	return
}

// calculatePartialSig produces this party's partial Schnorr signature:
// local_nonce + challenge * local_excess, with the challenge derived from
// the aggregate nonce, aggregate excess and the kernel message.
func calculatePartialSig(
	context *secp256k1.Context,
	secBlind []byte,
	secNonce []byte,
	pubNonceSum *secp256k1.PublicKey,
	pubBlindSum *secp256k1.PublicKey,
	msg []byte,
) (
	sig []byte,
	err error,
) {
	partSig, err := secp256k1.AggsigSignSingle(
		context,
		msg,
		secBlind,
		secNonce,
		nil,
		pubNonceSum,
		pubNonceSum,
		pubBlindSum,
		nil,
	)
	if err != nil {
		return nil, err
	}
	raw := secp256k1.AggsigSignatureSerialize(context, &partSig)
	return raw[:], nil
}

// verifyPartialSig checks one party's partial signature against that
// party's public excess under the aggregate nonce and excess.
func verifyPartialSig(
	context *secp256k1.Context,
	sig []byte,
	pubNonceSum *secp256k1.PublicKey,
	pubBlind *secp256k1.PublicKey,
	pubBlindSum *secp256k1.PublicKey,
	msg []byte,
) (
	err error,
) {
	parsedSig, err := secp256k1.AggsigSignatureParse(context, sig)
	if err != nil {
		return err
	}
	err = secp256k1.AggsigVerifySingle(
		context,
		parsedSig,
		msg,
		pubNonceSum,
		pubBlind,
		pubBlindSum,
		nil,
		true,
	)
	return
}

func messageDigest(message string) []byte {
	digest := blake2b.Sum256([]byte(message))
	return digest[:]
}

// signMessage signs the digest of a participant message with the party's
// secret excess, proving the message came from the holder of that excess.
func signMessage(context *secp256k1.Context, message string, secKey []byte) (*string, error) {
	sig, err := secp256k1.AggsigSignSingle(
		context,
		messageDigest(message),
		secKey,
		nil, nil, nil, nil, nil, nil,
	)
	if err != nil {
		return nil, errors.Wrap(err, "cannot sign participant message")
	}
	raw := secp256k1.AggsigSignatureSerialize(context, &sig)
	sigString := hex.EncodeToString(raw[:])
	return &sigString, nil
}

// verifyParticipantMessage checks that a participant's message, when
// present, carries a valid signature under that participant's public blind
// excess. A message without a signature is a protocol violation.
func verifyParticipantMessage(context *secp256k1.Context, p *ParticipantData) error {
	if p.Message == nil {
		return nil
	}
	if p.MessageSig == nil {
		return errors.Errorf("participant %d message is not signed", p.ID)
	}
	sig, err := hex.DecodeString(*p.MessageSig)
	if err != nil {
		return errors.Wrapf(err, "cannot decode participant %d message signature", p.ID)
	}
	pubKey := context.PublicKeyFromHex(p.PublicBlindExcess)
	if pubKey == nil {
		return errors.Errorf("cannot parse participant %d public blind excess", p.ID)
	}
	parsedSig, err := secp256k1.AggsigSignatureParse(context, sig)
	if err != nil {
		return errors.Wrapf(err, "cannot parse participant %d message signature", p.ID)
	}
	err = secp256k1.AggsigVerifySingle(
		context,
		parsedSig,
		messageDigest(*p.Message),
		nil,
		pubKey,
		pubKey,
		nil,
		false,
	)
	if err != nil {
		return errors.Errorf("participant %d message signature does not verify", p.ID)
	}
	return nil
}

// commitmentMatches reports whether the chain output's commitment is
// value*H + blind*G for the blind at the given derivation path. Used by
// the reconcile scan to recognize seed-derived outputs on chain.
func commitmentMatches(keychain *KeyChain, keyID KeyID, chainOutput ChainOutput) (bool, error) {
	context, err := secp256k1.ContextCreate(secp256k1.ContextSign)
	if err != nil {
		return false, errors.Wrap(err, "cannot ContextCreate")
	}
	defer secp256k1.ContextDestroy(context)

	blind, err := keychain.DeriveBlindingFactor(keyID)
	if err != nil {
		return false, errors.Wrap(err, "cannot DeriveBlindingFactor")
	}

	commitment, err := secp256k1.Commit(context, blind[:], chainOutput.Value, &secp256k1.GeneratorH, &secp256k1.GeneratorG)
	if err != nil {
		return false, errors.Wrap(err, "cannot Commit")
	}

	return commitment.String() == chainOutput.Output.Commit, nil
}

// blindSlices adapts fixed-size blinding factors to the byte slices the
// secp256k1 bindings take.
func blindSlices(blinds [][32]byte) [][]byte {
	slices := make([][]byte, len(blinds))
	for i := range blinds {
		slices[i] = blinds[i][:]
	}
	return slices
}
