package wallet

import (
	"encoding/hex"
	"time"

	"github.com/blockcypher/libgrin/core"
	"github.com/google/uuid"
	"github.com/olegabu/go-secp256k1-zkp"
	"github.com/pkg/errors"

	"github.com/mwkit/slatewallet/ledger"
)

// The invoice flow swaps who proposes the amount and who supplies inputs:
// the receiver initiates a slate naming the amount and its own output, the
// payer adds inputs, change, the fee and its partial signature, and the
// receiver finalizes. The cryptographic rounds are identical to the send
// flow with the roles swapped.

// InitiateInvoice starts the invoice flow: the receiver's output for the
// requested amount plus its public excess and nonce. The fee is left for
// the payer, who knows its own input shape.
func (t *SlateBuilder) InitiateInvoice(amount uint64, tip uint64, message *string) (*RoundResult, error) {
	context, err := secp256k1.ContextCreate(secp256k1.ContextSign)
	if err != nil {
		return nil, errors.Wrap(err, "cannot ContextCreate")
	}
	defer secp256k1.ContextDestroy(context)

	slateID := uuid.New()

	index, err := t.db.NextIndex()
	if err != nil {
		return nil, errors.Wrap(err, "cannot get NextIndex")
	}
	keyID := KeyID{Index: index}
	blind, err := t.keychain.DeriveBlindingFactor(keyID)
	if err != nil {
		return nil, errors.Wrap(err, "cannot derive receiver blinding factor")
	}
	slateOutput, err := createOutput(context, blind, amount, core.PlainOutput)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create receiver output")
	}

	publicBlind, err := pubKeyFromSecretKey(context, blind[:])
	if err != nil {
		return nil, errors.Wrap(err, "cannot create public blind excess")
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
		messageSig, err = signMessage(context, *message, blind[:])
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
				Offset: zeroOffset,
				Body: core.TransactionBody{
					Outputs: []core.Output{slateOutput},
					Kernels: []core.TxKernel{{
						Features:   core.PlainKernel,
						Fee:        0,
						LockHeight: 0,
						Excess:     zeroExcess,
						ExcessSig:  zeroExcessSig,
					}},
				},
			},
		},
		Amount:    core.Uint64(amount),
		Fee:       0,
		Height:    core.Uint64(tip),
		CreatedAt: time.Now().Unix(),
		Round:     1,
		ParticipantData: []ParticipantData{{
			ID:                core.Uint64(RoleInitiator),
			PublicBlindExcess: publicBlind.Hex(context),
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
		Status:       SlateInvoiced,
		OutputKeyIDs: []KeyID{keyID},
	}

	walletOutput := Output{
		Output:  slateOutput,
		Value:   amount,
		KeyID:   keyID,
		Status:  OutputUnconfirmed,
		SlateID: slateID,
	}

	txRecord := &TxRecord{
		SlateID:        slateID,
		Type:           TxInvoice,
		CreatedAt:      time.Now().UTC(),
		Status:         TxActive,
		AmountCredited: amount,
		Outputs:        []string{slateOutput.Commit},
	}

	return &RoundResult{
		SlateBytes: slateBytes,
		Slate:      saved,
		Outputs:    []Output{walletOutput},
		TxRecord:   txRecord,
	}, nil
}

// PayInvoice runs the payer's round of the invoice flow: add inputs,
// change and the fee, replace the kernel offset with one of our own, and
// sign. The returned inputs are Locked; as with InitiateSend the caller
// saves everything in one atomic batch.
func (t *SlateBuilder) PayInvoice(slateBytes []byte, selection *Selection, message *string) (*RoundResult, error) {
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
		return nil, errors.New("slate is missing the receiver contribution")
	}
	if slate.participant(RoleResponder) != nil {
		return nil, errors.New("invoice slate already has a payer contribution")
	}
	if err := verifyParticipantMessage(context, initiator); err != nil {
		return nil, err
	}

	slateID := slate.ID()
	amount := uint64(slate.Amount)

	var change uint64
	for _, share := range selection.Change {
		change += share
	}
	if selection.Total != amount+selection.Fee+change {
		return nil, errors.New("amounts don't sum up (inputs - amount - fee - change != 0)")
	}

	// the payer knows the transaction shape now, so the fee lands here,
	// before anyone signs the kernel message
	slate.Fee = core.Uint64(selection.Fee)
	slate.Transaction.Body.Kernels[0].Fee = core.Uint64(selection.Fee)

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

	changeBlinds := make([][32]byte, 0, len(selection.Change))
	changeKeyIDs := make([]KeyID, 0, len(selection.Change))
	changeOutputs := make([]Output, 0, len(selection.Change))
	changeCommits := make([]string, 0, len(selection.Change))
	slateOutputs := make([]core.Output, 0, len(selection.Change))
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

	// the input-contributing party picks the kernel offset
	offset, err := t.keychain.DeriveOffset(slateID)
	if err != nil {
		return nil, errors.Wrap(err, "cannot derive offset")
	}
	slate.Transaction.Offset = hex.EncodeToString(offset[:])

	excess, err := secp256k1.BlindSum(context, changeBlinds, append(inputBlinds, offset))
	if err != nil {
		return nil, errors.Wrap(err, "cannot sum blinding factors")
	}
	publicBlind, err := pubKeyFromSecretKey(context, excess[:32])
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

	receiverPublicBlind := context.PublicKeyFromHex(initiator.PublicBlindExcess)
	if receiverPublicBlind == nil {
		return nil, errors.New("cannot parse receiver public blind excess")
	}
	receiverPublicNonce := context.PublicKeyFromHex(initiator.PublicNonce)
	if receiverPublicNonce == nil {
		return nil, errors.New("cannot parse receiver public nonce")
	}

	sumPublicBlinds, err := sumPubKeys(context, []*secp256k1.PublicKey{receiverPublicBlind, publicBlind})
	if err != nil {
		return nil, errors.Wrap(err, "cannot sum public blinds")
	}
	sumPublicNonces, err := sumPubKeys(context, []*secp256k1.PublicKey{receiverPublicNonce, publicNonce})
	if err != nil {
		return nil, errors.Wrap(err, "cannot sum public nonces")
	}

	msg := ledger.KernelSignatureMessage(slate.Transaction.Body.Kernels[0])

	partSig, err := calculatePartialSig(
		context,
		excess[:32], nonce[:],
		sumPublicNonces, sumPublicBlinds,
		msg,
	)
	if err != nil {
		return nil, errors.Wrap(err, "cannot calculate payer partial signature")
	}
	partSigString := hex.EncodeToString(partSig)

	var messageSig *string
	if message != nil {
		messageSig, err = signMessage(context, *message, excess[:32])
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
	slate.Transaction.Body.Inputs = append(slate.Transaction.Body.Inputs, slateInputs...)
	slate.Transaction.Body.Outputs = append(slate.Transaction.Body.Outputs, slateOutputs...)
	slate.Round = 2

	responseBytes, err := slate.Bytes()
	if err != nil {
		return nil, err
	}

	saved := &SavedSlate{
		Slate:        *slate,
		Role:         RoleResponder,
		Status:       SlateResponded,
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
		SlateBytes: responseBytes,
		Slate:      saved,
		Outputs:    append(lockedOutputs, changeOutputs...),
		TxRecord:   txRecord,
	}, nil
}
