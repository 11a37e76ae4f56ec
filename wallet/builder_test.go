package wallet

import (
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/blockcypher/libgrin/core"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwkit/slatewallet/ledger"
)

// party is one side of a negotiation with its own seed and database.
type party struct {
	keychain *KeyChain
	db       Database
	builder  *SlateBuilder
	selector *CoinSelector
}

func newParty(t *testing.T) *party {
	keychain := testKeychain(t)
	db := testDb(t)
	return &party{
		keychain: keychain,
		db:       db,
		builder:  NewSlateBuilder(keychain, db, 0),
		selector: NewCoinSelector(NewOutputSet(db), zeroFee),
	}
}

func newPartyWithFee(t *testing.T, fee FeeFunc) *party {
	p := newParty(t)
	p.selector = NewCoinSelector(NewOutputSet(p.db), fee)
	return p
}

func (p *party) save(t *testing.T, result *RoundResult) {
	var txs []TxRecord
	if result.TxRecord != nil {
		txs = []TxRecord{*result.TxRecord}
	}
	require.NoError(t, p.db.Save(result.Outputs, txs, []*SavedSlate{result.Slate}))
}

// initiateSend funds the sender and runs round 1.
func initiateSend(t *testing.T, sender *party, fund, amount uint64) *RoundResult {
	fundOutput(t, sender.keychain, sender.db, fund)

	selection, err := sender.selector.Select(SelectArgs{Amount: amount})
	require.NoError(t, err)

	result, err := sender.builder.InitiateSend(amount, selection, 0, nil)
	require.NoError(t, err)
	sender.save(t, result)

	return result
}

func TestSendRound(t *testing.T) {
	sender := newParty(t)
	receiver := newParty(t)

	initResult := initiateSend(t, sender, 100, 60)
	fmt.Println("send " + string(initResult.SlateBytes))

	// the sender's input is reserved from the moment the slate exists
	outputs, err := sender.db.ListOutputs()
	require.NoError(t, err)
	locked := 0
	for _, output := range outputs {
		if output.Status == OutputLocked {
			locked++
		}
	}
	assert.Equal(t, 1, locked)

	respResult, err := receiver.builder.Respond(initResult.SlateBytes, nil)
	require.NoError(t, err)
	receiver.save(t, respResult)
	fmt.Println("resp " + string(respResult.SlateBytes))

	finalResult, txBytes, err := sender.builder.Finalize(respResult.SlateBytes, initResult.Slate)
	require.NoError(t, err)
	fmt.Println("tx   " + string(txBytes))

	assert.Equal(t, SlateFinalized, finalResult.Slate.Status)
	assert.Equal(t, uint8(3), finalResult.Slate.Round)

	tx, err := ledger.ValidateTransactionBytes(txBytes)
	require.NoError(t, err)
	assert.Equal(t, initResult.Slate.ID(), tx.ID)
}

func TestSendRoundWithFee(t *testing.T) {
	sender := newPartyWithFee(t, FeeByWeight(1))
	receiver := newParty(t)

	initResult := initiateSend(t, sender, 100, 60)
	assert.NotZero(t, initResult.Slate.Fee)

	respResult, err := receiver.builder.Respond(initResult.SlateBytes, nil)
	require.NoError(t, err)

	_, txBytes, err := sender.builder.Finalize(respResult.SlateBytes, initResult.Slate)
	require.NoError(t, err)

	tx, err := ledger.ValidateTransactionBytes(txBytes)
	require.NoError(t, err)
	assert.Equal(t, initResult.Slate.Fee, tx.Body.Kernels[0].Fee)
}

func TestInitiateSendRefusesLockedInputs(t *testing.T) {
	sender := newParty(t)

	fundOutput(t, sender.keychain, sender.db, 100)

	selection, err := sender.selector.Select(SelectArgs{Amount: 60})
	require.NoError(t, err)

	first, err := sender.builder.InitiateSend(60, selection, 0, nil)
	require.NoError(t, err)
	sender.save(t, first)

	// reusing the same inputs in a second negotiation must fail at the lock
	_, err = sender.builder.InitiateSend(60, selection, 0, nil)
	assert.Equal(t, ErrAlreadyLocked, errors.Cause(err))
}

func TestFinalizeRejectsTamperedPartialSig(t *testing.T) {
	sender := newParty(t)
	receiver := newParty(t)

	initResult := initiateSend(t, sender, 100, 60)

	respResult, err := receiver.builder.Respond(initResult.SlateBytes, nil)
	require.NoError(t, err)

	slate, err := ParseSlate(respResult.SlateBytes)
	require.NoError(t, err)
	responder := slate.participant(RoleResponder)
	require.NotNil(t, responder)
	require.NotNil(t, responder.PartSig)

	sig, err := hex.DecodeString(*responder.PartSig)
	require.NoError(t, err)
	sig[0] ^= 0x01
	tampered := hex.EncodeToString(sig)
	responder.PartSig = &tampered

	tamperedBytes, err := slate.Bytes()
	require.NoError(t, err)

	_, _, err = sender.builder.Finalize(tamperedBytes, initResult.Slate)
	assert.Equal(t, ErrInvalidPartialSignature, errors.Cause(err))

	// the failed close must not have released the sender's inputs
	for _, commit := range initResult.TxRecord.Inputs {
		output, err := sender.db.GetOutput(commit)
		require.NoError(t, err)
		assert.Equal(t, OutputLocked, output.Status)
	}
}

func TestFinalizeRejectsAlteredContribution(t *testing.T) {
	sender := newParty(t)
	receiver := newParty(t)

	initResult := initiateSend(t, sender, 100, 60)

	respResult, err := receiver.builder.Respond(initResult.SlateBytes, nil)
	require.NoError(t, err)

	// swap the sender's public nonce for the receiver's
	slate, err := ParseSlate(respResult.SlateBytes)
	require.NoError(t, err)
	slate.participant(RoleInitiator).PublicNonce = slate.participant(RoleResponder).PublicNonce

	alteredBytes, err := slate.Bytes()
	require.NoError(t, err)

	_, _, err = sender.builder.Finalize(alteredBytes, initResult.Slate)
	assert.Error(t, err)
}

func TestFinalizeRejectsForeignSlate(t *testing.T) {
	sender := newParty(t)
	receiver := newParty(t)

	first := initiateSend(t, sender, 100, 60)
	second := initiateSend(t, sender, 200, 60)

	respResult, err := receiver.builder.Respond(first.SlateBytes, nil)
	require.NoError(t, err)

	// finalizing one negotiation with another's saved state must fail
	_, _, err = sender.builder.Finalize(respResult.SlateBytes, second.Slate)
	assert.Error(t, err)
}

func TestFinalizeRefusesTerminalNegotiation(t *testing.T) {
	sender := newParty(t)
	receiver := newParty(t)

	initResult := initiateSend(t, sender, 100, 60)

	respResult, err := receiver.builder.Respond(initResult.SlateBytes, nil)
	require.NoError(t, err)

	finalResult, _, err := sender.builder.Finalize(respResult.SlateBytes, initResult.Slate)
	require.NoError(t, err)

	_, _, err = sender.builder.Finalize(respResult.SlateBytes, finalResult.Slate)
	assert.Error(t, err)
}

func TestRespondRequiresRoundOne(t *testing.T) {
	sender := newParty(t)
	receiver := newParty(t)

	initResult := initiateSend(t, sender, 100, 60)

	respResult, err := receiver.builder.Respond(initResult.SlateBytes, nil)
	require.NoError(t, err)

	// responding to an already-responded slate must fail
	_, err = receiver.builder.Respond(respResult.SlateBytes, nil)
	assert.Error(t, err)
}

func TestInvoiceRound(t *testing.T) {
	receiver := newParty(t)
	payer := newParty(t)

	invResult, err := receiver.builder.InitiateInvoice(30, 0, nil)
	require.NoError(t, err)
	receiver.save(t, invResult)
	assert.Equal(t, SlateInvoiced, invResult.Slate.Status)

	fundOutput(t, payer.keychain, payer.db, 100)
	selection, err := payer.selector.Select(SelectArgs{Amount: 30})
	require.NoError(t, err)

	payResult, err := payer.builder.PayInvoice(invResult.SlateBytes, selection, nil)
	require.NoError(t, err)
	payer.save(t, payResult)

	// the payer's inputs are reserved, its change pending
	for _, commit := range payResult.TxRecord.Inputs {
		output, err := payer.db.GetOutput(commit)
		require.NoError(t, err)
		assert.Equal(t, OutputLocked, output.Status)
	}

	// the invoicing party closes
	_, txBytes, err := receiver.builder.Finalize(payResult.SlateBytes, invResult.Slate)
	require.NoError(t, err)

	tx, err := ledger.ValidateTransactionBytes(txBytes)
	require.NoError(t, err)
	assert.Equal(t, invResult.Slate.ID(), tx.ID)
}

func TestPayInvoiceRejectsDoubleResponse(t *testing.T) {
	receiver := newParty(t)
	payer := newParty(t)

	invResult, err := receiver.builder.InitiateInvoice(30, 0, nil)
	require.NoError(t, err)

	fundOutput(t, payer.keychain, payer.db, 100)
	selection, err := payer.selector.Select(SelectArgs{Amount: 30})
	require.NoError(t, err)

	payResult, err := payer.builder.PayInvoice(invResult.SlateBytes, selection, nil)
	require.NoError(t, err)

	_, err = payer.builder.PayInvoice(payResult.SlateBytes, selection, nil)
	assert.Error(t, err)
}

func TestSlateBytesRoundTrip(t *testing.T) {
	sender := newParty(t)

	initResult := initiateSend(t, sender, 100, 60)

	slate, err := ParseSlate(initResult.SlateBytes)
	require.NoError(t, err)

	reserialized, err := slate.Bytes()
	require.NoError(t, err)

	again, err := ParseSlate(reserialized)
	require.NoError(t, err)

	assert.Equal(t, slate.ID(), again.ID())
	assert.Equal(t, slate.Round, again.Round)
	assert.Equal(t, slate.Amount, again.Amount)
	assert.Equal(t, slate.ParticipantData, again.ParticipantData)
}

func TestParseSlateRejectsGarbage(t *testing.T) {
	_, err := ParseSlate([]byte("not a slate"))
	assert.Error(t, err)
}

func TestRoundsRejectKernellessSlate(t *testing.T) {
	sender := newParty(t)
	receiver := newParty(t)

	initResult := initiateSend(t, sender, 100, 60)

	// a counterparty slate without a kernel must fail, never crash
	slate, err := ParseSlate(initResult.SlateBytes)
	require.NoError(t, err)
	slate.Transaction.Body.Kernels = nil
	hostileBytes, err := slate.Bytes()
	require.NoError(t, err)

	_, err = receiver.builder.Respond(hostileBytes, nil)
	assert.Error(t, err)

	respResult, err := receiver.builder.Respond(initResult.SlateBytes, nil)
	require.NoError(t, err)

	slate, err = ParseSlate(respResult.SlateBytes)
	require.NoError(t, err)
	slate.Transaction.Body.Kernels = []core.TxKernel{}
	hostileBytes, err = slate.Bytes()
	require.NoError(t, err)

	_, _, err = sender.builder.Finalize(hostileBytes, initResult.Slate)
	assert.Error(t, err)
}

func TestParseSlateRejectsBlankContribution(t *testing.T) {
	sender := newParty(t)

	initResult := initiateSend(t, sender, 100, 60)

	slate, err := ParseSlate(initResult.SlateBytes)
	require.NoError(t, err)
	slate.participant(RoleInitiator).PublicNonce = ""
	hostileBytes, err := slate.Bytes()
	require.NoError(t, err)

	_, err = ParseSlate(hostileBytes)
	assert.Error(t, err)
}

func TestParticipantMessagesSignedAndVerified(t *testing.T) {
	sender := newParty(t)
	receiver := newParty(t)

	fundOutput(t, sender.keychain, sender.db, 100)
	selection, err := sender.selector.Select(SelectArgs{Amount: 60})
	require.NoError(t, err)

	senderNote := "for the rent"
	initResult, err := sender.builder.InitiateSend(60, selection, 0, &senderNote)
	require.NoError(t, err)
	sender.save(t, initResult)

	initSlate, err := ParseSlate(initResult.SlateBytes)
	require.NoError(t, err)
	require.NotNil(t, initSlate.participant(RoleInitiator).MessageSig)

	receiverNote := "received with thanks"
	respResult, err := receiver.builder.Respond(initResult.SlateBytes, &receiverNote)
	require.NoError(t, err)

	respSlate, err := ParseSlate(respResult.SlateBytes)
	require.NoError(t, err)
	require.NotNil(t, respSlate.participant(RoleResponder).MessageSig)

	// a message altered after signing must not finalize
	altered := "pay somewhere else"
	respSlate.participant(RoleResponder).Message = &altered
	hostileBytes, err := respSlate.Bytes()
	require.NoError(t, err)

	_, _, err = sender.builder.Finalize(hostileBytes, initResult.Slate)
	assert.Error(t, err)

	_, txBytes, err := sender.builder.Finalize(respResult.SlateBytes, initResult.Slate)
	require.NoError(t, err)
	_, err = ledger.ValidateTransactionBytes(txBytes)
	require.NoError(t, err)
}
