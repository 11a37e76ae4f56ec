package wallet

import (
	"bytes"
	"encoding/hex"
	"time"

	"github.com/blockcypher/libgrin/core"
	"github.com/google/uuid"
	"github.com/olegabu/go-secp256k1-zkp"
	"github.com/pkg/errors"

	"github.com/mwkit/slatewallet/ledger"
)

var zeroOffset = hex.EncodeToString(make([]byte, 32))

const zeroExcess = "000000000000000000000000000000000000000000000000000000000000000000"
const zeroExcessSig = "00000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

// SlateBuilder drives the negotiation protocol. Each round is a pure
// function from (slate bytes, seed-derived secrets) to (next slate bytes,
// records to persist): the builder performs no I/O beyond key derivation,
// so a round can be re-run from persisted state after a crash. The caller
// persists the returned RoundResult atomically and moves the bytes across
// the transport.
type SlateBuilder struct {
	keychain *KeyChain
	db       Database
	outputs  *OutputSet
	ttl      time.Duration
}

func NewSlateBuilder(keychain *KeyChain, db Database, ttl time.Duration) *SlateBuilder {
	return &SlateBuilder{keychain: keychain, db: db, outputs: NewOutputSet(db), ttl: ttl}
}

// RoundResult is everything one protocol round produced. Outputs includes
// both newly created outputs and inputs whose status changed; all records
// must be saved in one atomic batch together with taking the locks.
type RoundResult struct {
	SlateBytes []byte
	Slate      *SavedSlate
	Outputs    []Output
	TxRecord   *TxRecord
}

// InitiateSend starts the send flow: the wallet's selected inputs and a
// change output populate a fresh slate carrying the sender's public excess
// and nonce. The returned inputs are marked Locked; saving the result is
// the point of no return for "this amount is reserved" and must happen in
// the same atomic batch as the slate record.
func (t *SlateBuilder) InitiateSend(amount uint64, selection *Selection, tip uint64, message *string) (*RoundResult, error) {
	context, err := secp256k1.ContextCreate(secp256k1.ContextSign)
	if err != nil {
		return nil, errors.Wrap(err, "cannot ContextCreate")
	}
	defer secp256k1.ContextDestroy(context)

	slateID := uuid.New()

	// balance must hold before anything is signed or revealed
	var change uint64
	for _, share := range selection.Change {
		change += share
	}
	if selection.Total != amount+selection.Fee+change {
		return nil, errors.New("amounts don't sum up (inputs - amount - fee - change != 0)")
	}

	// input blinding factors, re-derived, summed as negatives
	slateInputs := make([]core.Input, len(selection.Inputs))
	inputBlinds := make([][32]byte, len(selection.Inputs))
	inputKeyIDs := make([]KeyID, len(selection.Inputs))
	inputCommits := make([]string, len(selection.Inputs))
	for i, input := range selection.Inputs {
		blind, err := t.keychain.DeriveBlindingFactor(input.KeyID)
		if err != nil {
			return nil, errors.Wrap(err, "cannot derive input blinding factor")
		}
		inputBlinds[i] = blind
		inputKeyIDs[i] = input.KeyID
		inputCommits[i] = input.Commit
		slateInputs[i] = core.Input{Features: input.Features, Commit: input.Commit}
	}

	lockedOutputs, err := t.outputs.Lock(inputCommits, slateID)
	if err != nil {
		return nil, errors.Wrap(err, "cannot lock inputs")
	}

	// change outputs under fresh derivation paths
	changeBlinds := make([][32]byte, 0, len(selection.Change))
	changeKeyIDs := make([]KeyID, 0, len(selection.Change))
	slateOutputs := make([]core.Output, 0, len(selection.Change))
	changeOutputs := make([]Output, 0, len(selection.Change))
	changeCommits := make([]string, 0, len(selection.Change))
	for _, share := range selection.Change {
		index, err := t.db.NextIndex()
		if err != nil {
			return nil, errors.Wrap(err, "cannot get NextIndex")
		}
		keyID := KeyID{Index: index}
		blind, err := t.keychain.DeriveBlindingFactor(keyID)
		if err != nil {
			return nil, errors.Wrap(err, "cannot derive change blinding factor")
		}
		slateOutput, err := createOutput(context, blind, share, core.PlainOutput)
		if err != nil {
			return nil, errors.Wrap(err, "cannot create change output")
		}

		changeBlinds = append(changeBlinds, blind)
		changeKeyIDs = append(changeKeyIDs, keyID)
		slateOutputs = append(slateOutputs, slateOutput)
		changeCommits = append(changeCommits, slateOutput.Commit)
		changeOutputs = append(changeOutputs, Output{
			Output:  slateOutput,
			Value:   share,
			KeyID:   keyID,
			Status:  OutputUnconfirmed,
			SlateID: slateID,
		})
	}

	// the sender of a transaction picks the kernel offset and subtracts it
	// from its excess
	offset, err := t.keychain.DeriveOffset(slateID)
	if err != nil {
		return nil, errors.Wrap(err, "cannot derive offset")
	}

	excess, err := secp256k1.BlindSum(context, blindSlices(changeBlinds), blindSlices(append(inputBlinds, offset)))
	if err != nil {
		return nil, errors.Wrap(err, "cannot sum blinding factors")
	}
	publicExcess, err := pubKeyFromSecretKey(context, excess[:32])
	if err != nil {
		return nil, errors.Wrap(err, "cannot create public excess")
	}

	nonce, err := t.keychain.DeriveNonce(slateID, RoleInitiator)
	if err != nil {
		return nil, errors.Wrap(err, "cannot derive nonce")
	}
	publicNonce, err := pubKeyFromSecretKey(context, nonce[:])
	if err != nil {
		return nil, errors.Wrap(err, "cannot create public nonce")
	}

	var messageSig *string
	if message != nil {
		messageSig, err = signMessage(context, *message, excess[:32])
		if err != nil {
			return nil, err
		}
	}

	slate := &Slate{
		VersionInfo:     newVersionInfo(),
		NumParticipants: 2,
		Transaction: ledger.Transaction{
			ID: slateID,
			Transaction: core.Transaction{
				Offset: hex.EncodeToString(offset[:]),
				Body: core.TransactionBody{
					Inputs:  slateInputs,
					Outputs: slateOutputs,
					Kernels: []core.TxKernel{{
						Features:   core.PlainKernel,
						Fee:        core.Uint64(selection.Fee),
						LockHeight: 0,
						Excess:     zeroExcess,
						ExcessSig:  zeroExcessSig,
					}},
				},
			},
		},
		Amount:     core.Uint64(amount),
		Fee:        core.Uint64(selection.Fee),
		Height:     core.Uint64(tip),
		LockHeight: 0,
		CreatedAt:  time.Now().Unix(),
		Round:      1,
		ParticipantData: []ParticipantData{{
			ID:                core.Uint64(RoleInitiator),
			PublicBlindExcess: publicExcess.Hex(context),
			PublicNonce:       publicNonce.Hex(context),
			PartSig:           nil,
			Message:           message,
			MessageSig:        messageSig,
		}},
	}

	slateBytes, err := slate.Bytes()
	if err != nil {
		return nil, err
	}

	saved := &SavedSlate{
		Slate:        *slate,
		Role:         RoleInitiator,
		Status:       SlateSent,
		InputKeyIDs:  inputKeyIDs,
		OutputKeyIDs: changeKeyIDs,
	}

	txRecord := &TxRecord{
		SlateID:       slateID,
		Type:          TxSent,
		CreatedAt:     time.Now().UTC(),
		Status:        TxActive,
		AmountDebited: selection.Total,
		Fee:           selection.Fee,
		Inputs:        inputCommits,
		Outputs:       changeCommits,
	}

	return &RoundResult{
		SlateBytes: slateBytes,
		Slate:      saved,
		Outputs:    append(lockedOutputs, changeOutputs...),
		TxRecord:   txRecord,
	}, nil
}

// Respond runs the receiver's round of the send flow: add an output for
// the amount, aggregate nonces and excesses, and produce this party's
// partial signature.
func (t *SlateBuilder) Respond(slateBytes []byte, message *string) (*RoundResult, error) {
	context, err := secp256k1.ContextCreate(secp256k1.ContextBoth)
	if err != nil {
		return nil, errors.Wrap(err, "cannot ContextCreate")
	}
	defer secp256k1.ContextDestroy(context)

	slate, err := ParseSlate(slateBytes)
	if err != nil {
		return nil, err
	}
	if slate.Round != 1 {
		return nil, errors.Errorf("expected a round 1 slate, got round %d", slate.Round)
	}
	initiator := slate.participant(RoleInitiator)
	if initiator == nil {
		return nil, errors.New("slate is missing the initiator contribution")
	}
	if err := verifyParticipantMessage(context, initiator); err != nil {
		return nil, err
	}

	slateID := slate.ID()
	value := uint64(slate.Amount)

	// receiving output under a fresh derivation path
	index, err := t.db.NextIndex()
	if err != nil {
		return nil, errors.Wrap(err, "cannot get NextIndex")
	}
	keyID := KeyID{Index: index}
	blind, err := t.keychain.DeriveBlindingFactor(keyID)
	if err != nil {
		return nil, errors.Wrap(err, "cannot derive receiver blinding factor")
	}
	slateOutput, err := createOutput(context, blind, value, core.PlainOutput)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create receiver output")
	}
	publicBlind, err := pubKeyFromSecretKey(context, blind[:])
	if err != nil {
		return nil, errors.Wrap(err, "cannot create public blind excess")
	}

	nonce, err := t.keychain.DeriveNonce(slateID, RoleResponder)
	if err != nil {
		return nil, errors.Wrap(err, "cannot derive nonce")
	}
	publicNonce, err := pubKeyFromSecretKey(context, nonce[:])
	if err != nil {
		return nil, errors.Wrap(err, "cannot create public nonce")
	}

	initiatorPublicBlind := context.PublicKeyFromHex(initiator.PublicBlindExcess)
	if initiatorPublicBlind == nil {
		return nil, errors.New("cannot parse initiator public blind excess")
	}
	initiatorPublicNonce := context.PublicKeyFromHex(initiator.PublicNonce)
	if initiatorPublicNonce == nil {
		return nil, errors.New("cannot parse initiator public nonce")
	}

	sumPublicBlinds, err := sumPubKeys(context, []*secp256k1.PublicKey{initiatorPublicBlind, publicBlind})
	if err != nil {
		return nil, errors.Wrap(err, "cannot sum public blinds")
	}
	sumPublicNonces, err := sumPubKeys(context, []*secp256k1.PublicKey{initiatorPublicNonce, publicNonce})
	if err != nil {
		return nil, errors.Wrap(err, "cannot sum public nonces")
	}

	msg := ledger.KernelSignatureMessage(slate.Transaction.Body.Kernels[0])

	partSig, err := calculatePartialSig(
		context,
		blind[:], nonce[:],
		sumPublicNonces, sumPublicBlinds,
		msg,
	)
	if err != nil {
		return nil, errors.Wrap(err, "cannot calculate receiver partial signature")
	}
	partSigString := hex.EncodeToString(partSig)

	var messageSig *string
	if message != nil {
		messageSig, err = signMessage(context, *message, blind[:])
		if err != nil {
			return nil, err
		}
	}

	slate.ParticipantData = append(slate.ParticipantData, ParticipantData{
		ID:                core.Uint64(RoleResponder),
		PublicBlindExcess: publicBlind.Hex(context),
		PublicNonce:       publicNonce.Hex(context),
		PartSig:           &partSigString,
		Message:           message,
		MessageSig:        messageSig,
	})
	slate.Transaction.Body.Outputs = append(slate.Transaction.Body.Outputs, slateOutput)
	slate.Round = 2

	responseBytes, err := slate.Bytes()
	if err != nil {
		return nil, err
	}

	saved := &SavedSlate{
		Slate:        *slate,
		Role:         RoleResponder,
		Status:       SlateResponded,
		OutputKeyIDs: []KeyID{keyID},
	}

	walletOutput := Output{
		Output:  slateOutput,
		Value:   value,
		KeyID:   keyID,
		Status:  OutputUnconfirmed,
		SlateID: slateID,
	}

	txRecord := &TxRecord{
		SlateID:        slateID,
		Type:           TxReceived,
		CreatedAt:      time.Now().UTC(),
		Status:         TxActive,
		AmountCredited: value,
		Fee:            uint64(slate.Fee),
		Outputs:        []string{slateOutput.Commit},
	}

	return &RoundResult{
		SlateBytes: responseBytes,
		Slate:      saved,
		Outputs:    []Output{walletOutput},
		TxRecord:   txRecord,
	}, nil
}

// Finalize runs the closing round on a slate carrying the counterparty's
// partial signature: re-derive this party's secrets from the persisted
// key identifiers, verify the counterparty's partial signature before
// producing anything of our own, aggregate, and assemble the complete
// transaction. The finished transaction is validated standalone before it
// is returned.
func (t *SlateBuilder) Finalize(slateBytes []byte, saved *SavedSlate) (*RoundResult, []byte, error) {
	context, err := secp256k1.ContextCreate(secp256k1.ContextBoth)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot ContextCreate")
	}
	defer secp256k1.ContextDestroy(context)

	slate, err := ParseSlate(slateBytes)
	if err != nil {
		return nil, nil, err
	}
	if slate.ID() != saved.ID() {
		return nil, nil, errors.Errorf("slate id mismatch: got %v, negotiating %v", slate.ID(), saved.ID())
	}
	if saved.Status.terminal() {
		return nil, nil, errors.Errorf("negotiation %v is already %v", saved.ID(), saved.Status)
	}
	if len(slate.ParticipantData) != int(slate.NumParticipants) {
		return nil, nil, errors.New("missing entries in ParticipantData")
	}

	otherRole := RoleResponder
	if saved.Role == RoleResponder {
		otherRole = RoleInitiator
	}
	other := slate.participant(otherRole)
	local := slate.participant(saved.Role)
	if other == nil || local == nil {
		return nil, nil, errors.New("slate is missing a participant contribution")
	}
	if err := verifyParticipantMessage(context, other); err != nil {
		return nil, nil, err
	}

	// re-derive this party's secrets from the persisted paths
	secBlind, err := t.localExcess(context, saved)
	if err != nil {
		return nil, nil, err
	}
	secNonce, err := t.keychain.DeriveNonce(saved.ID(), saved.Role)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot derive nonce")
	}

	localPublicBlind, err := pubKeyFromSecretKey(context, secBlind)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot create local public excess")
	}
	localPublicNonce, err := pubKeyFromSecretKey(context, secNonce[:])
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot create local public nonce")
	}

	// the counterparty must not have altered our contribution
	slatePublicBlind := context.PublicKeyFromHex(local.PublicBlindExcess)
	slatePublicNonce := context.PublicKeyFromHex(local.PublicNonce)
	if slatePublicBlind == nil || slatePublicNonce == nil ||
		!bytes.Equal(slatePublicBlind.Bytes(context), localPublicBlind.Bytes(context)) ||
		!bytes.Equal(slatePublicNonce.Bytes(context), localPublicNonce.Bytes(context)) {
		return nil, nil, errors.New("our contribution in the returned slate does not match the one we created")
	}

	otherPublicBlind := context.PublicKeyFromHex(other.PublicBlindExcess)
	otherPublicNonce := context.PublicKeyFromHex(other.PublicNonce)
	if otherPublicBlind == nil || otherPublicNonce == nil {
		return nil, nil, errors.New("cannot parse counterparty public keys")
	}

	sumPublicBlinds, err := sumPubKeys(context, []*secp256k1.PublicKey{localPublicBlind, otherPublicBlind})
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot sum public blinds")
	}
	sumPublicNonces, err := sumPubKeys(context, []*secp256k1.PublicKey{localPublicNonce, otherPublicNonce})
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot sum public nonces")
	}

	// the homomorphic balance must hold before we sign: the excess summed
	// from the transaction commitments has to equal the aggregate public
	// blind excess
	tx := slate.Transaction.Transaction
	excessCommitment, err := ledger.CalculateExcess(context, &tx, uint64(slate.Fee))
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot calculate excess")
	}
	excessPublicKey, err := secp256k1.CommitmentToPublicKey(context, excessCommitment)
	if err != nil {
		return nil, nil, errors.Wrap(err, "CommitmentToPublicKey failed")
	}
	if !bytes.Equal(excessPublicKey.Bytes(context), sumPublicBlinds.Bytes(context)) {
		return nil, nil, errors.New("transaction commitments do not balance against participant excesses")
	}

	msg := ledger.KernelSignatureMessage(slate.Transaction.Body.Kernels[0])

	// verify the counterparty's partial signature before revealing ours
	if other.PartSig == nil {
		return nil, nil, errors.Wrap(ErrInvalidPartialSignature, "counterparty partial signature missing")
	}
	otherPartSig, err := hex.DecodeString(*other.PartSig)
	if err != nil {
		return nil, nil, errors.Wrap(ErrInvalidPartialSignature, "cannot decode counterparty partial signature")
	}
	if verifyPartialSig(context, otherPartSig, sumPublicNonces, otherPublicBlind, sumPublicBlinds, msg) != nil {
		return nil, nil, errors.Wrapf(ErrInvalidPartialSignature, "round %d", slate.Round)
	}

	localPartSig, err := calculatePartialSig(context, secBlind, secNonce[:], sumPublicNonces, sumPublicBlinds, msg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot calculate local partial signature")
	}
	if verifyPartialSig(context, localPartSig, sumPublicNonces, localPublicBlind, sumPublicBlinds, msg) != nil {
		return nil, nil, errors.New("cannot verify local partial signature")
	}

	localParsedSig, err := secp256k1.AggsigSignatureParse(context, localPartSig)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot parse local partial signature")
	}
	otherParsedSig, err := secp256k1.AggsigSignatureParse(context, otherPartSig)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot parse counterparty partial signature")
	}
	finalSig, err := secp256k1.AggsigAddSignaturesSingle(
		context,
		[]*secp256k1.AggsigSignaturePartial{
			(*secp256k1.AggsigSignaturePartial)(localParsedSig),
			(*secp256k1.AggsigSignaturePartial)(otherParsedSig),
		},
		sumPublicNonces)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot aggregate signatures")
	}

	err = secp256k1.AggsigVerifySingle(context, &finalSig, msg, nil, sumPublicBlinds, sumPublicBlinds, nil, false)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot verify aggregate signature")
	}

	// the aggregate signature must also verify against the kernel excess
	// computed from the commitments alone
	err = secp256k1.AggsigVerifySingle(context, &finalSig, msg, nil, excessPublicKey, excessPublicKey, nil, false)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot verify aggregate signature against excess")
	}

	finalSigRaw := secp256k1.AggsigSignatureSerialize(context, &finalSig)
	tx.Body.Kernels[0].Excess = excessCommitment.String()
	tx.Body.Kernels[0].ExcessSig = hex.EncodeToString(finalSigRaw[:])

	ledgerTx := &ledger.Transaction{
		Transaction: tx,
		ID:          slate.ID(),
	}

	// standalone validation before the bytes are ever shown externally
	err = ledger.ValidateTransaction(ledgerTx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "finalized transaction does not validate")
	}

	txBytes, err := ledgerTx.MarshalBytes()
	if err != nil {
		return nil, nil, err
	}

	slate.Transaction.Transaction = tx
	slate.Round = 3

	finalSaved := &SavedSlate{
		Slate:        *slate,
		Role:         saved.Role,
		Status:       SlateFinalized,
		InputKeyIDs:  saved.InputKeyIDs,
		OutputKeyIDs: saved.OutputKeyIDs,
	}

	return &RoundResult{
		Slate: finalSaved,
	}, txBytes, nil
}

// localExcess recomputes this party's secret excess from the persisted
// derivation paths: sum(output blinds) - sum(input blinds) - offset, the
// offset applying only to the party that contributed inputs (it chose it).
func (t *SlateBuilder) localExcess(context *secp256k1.Context, saved *SavedSlate) ([]byte, error) {
	positives := make([][32]byte, 0, len(saved.OutputKeyIDs))
	for _, keyID := range saved.OutputKeyIDs {
		blind, err := t.keychain.DeriveBlindingFactor(keyID)
		if err != nil {
			return nil, errors.Wrap(err, "cannot derive output blinding factor")
		}
		positives = append(positives, blind)
	}

	negatives := make([][32]byte, 0, len(saved.InputKeyIDs)+1)
	for _, keyID := range saved.InputKeyIDs {
		blind, err := t.keychain.DeriveBlindingFactor(keyID)
		if err != nil {
			return nil, errors.Wrap(err, "cannot derive input blinding factor")
		}
		negatives = append(negatives, blind)
	}
	if len(saved.InputKeyIDs) > 0 {
		offset, err := t.keychain.DeriveOffset(saved.ID())
		if err != nil {
			return nil, errors.Wrap(err, "cannot derive offset")
		}
		negatives = append(negatives, offset)
	}

	excess, err := secp256k1.BlindSum(context, blindSlices(positives), blindSlices(negatives))
	if err != nil {
		return nil, errors.Wrap(err, "cannot sum blinding factors")
	}

	return excess[:32], nil
}

// Expired reports whether a negotiation has outlived the builder's TTL.
func (t *SlateBuilder) Expired(slate *SavedSlate, now time.Time) bool {
	if t.ttl <= 0 || slate.Status.terminal() {
		return false
	}
	return now.Unix() > slate.CreatedAt+int64(t.ttl/time.Second)
}
