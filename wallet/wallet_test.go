package wallet

import (
	"testing"
	"time"

	"github.com/blockcypher/libgrin/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwkit/slatewallet/ledger"
	"github.com/mwkit/slatewallet/node"
)

func newTestWallet(t *testing.T, client node.Client, ttlSeconds int64) *Wallet {
	config := &Config{
		Dir:             t.TempDir(),
		Strategy:        "smallest",
		SlateTTLSeconds: ttlSeconds,
	}

	w, err := NewWalletWithoutMasterKey(config, client)
	require.NoError(t, err)
	t.Cleanup(w.Close)

	_, err = w.Init("")
	require.NoError(t, err)

	return w
}

// fundWallet issues a coinbase output and confirms it so it is spendable.
func fundWallet(t *testing.T, w *Wallet, value uint64) {
	_, err := w.Issue(value)
	require.NoError(t, err)

	iter, err := w.Transactions()
	require.NoError(t, err)
	for record, ok := iter.Next(); ok; record, ok = iter.Next() {
		if record.Status == TxActive {
			require.NoError(t, w.Confirm(record.SlateID))
			return
		}
	}
	t.Fatal("no active issue record to confirm")
}

func TestWalletSendReceiveFinalize(t *testing.T) {
	sender := newTestWallet(t, nil, 0)
	receiver := newTestWallet(t, nil, 0)
	fundWallet(t, sender, 100)

	slateBytes, err := sender.Send(60, nil)
	require.NoError(t, err)

	responseBytes, err := receiver.Receive(slateBytes, nil)
	require.NoError(t, err)

	txBytes, err := sender.Finalize(responseBytes)
	require.NoError(t, err)

	tx, err := ledger.ValidateTransactionBytes(txBytes)
	require.NoError(t, err)

	require.NoError(t, sender.Confirm(tx.ID))
	require.NoError(t, receiver.Confirm(tx.ID))

	senderBalance, err := sender.Balance()
	require.NoError(t, err)
	assert.Equal(t, uint64(40), senderBalance.Total)
	assert.Zero(t, senderBalance.Locked)

	receiverBalance, err := receiver.Balance()
	require.NoError(t, err)
	assert.Equal(t, uint64(60), receiverBalance.Spendable)
}

func TestWalletSendToLoopback(t *testing.T) {
	sender := newTestWallet(t, nil, 0)
	receiver := newTestWallet(t, nil, 0)
	fundWallet(t, sender, 100)

	transport := &LoopbackTransport{Receive: func(slateBytes []byte) ([]byte, error) {
		return receiver.Receive(slateBytes, nil)
	}}

	txBytes, err := sender.SendTo(transport, 25, nil)
	require.NoError(t, err)

	_, err = ledger.ValidateTransactionBytes(txBytes)
	assert.NoError(t, err)
}

func TestWalletInvoiceFlow(t *testing.T) {
	receiver := newTestWallet(t, nil, 0)
	payer := newTestWallet(t, nil, 0)
	fundWallet(t, payer, 100)

	invoiceBytes, err := receiver.Invoice(30, nil)
	require.NoError(t, err)

	responseBytes, err := payer.Pay(invoiceBytes, nil)
	require.NoError(t, err)

	txBytes, err := receiver.Finalize(responseBytes)
	require.NoError(t, err)

	tx, err := ledger.ValidateTransactionBytes(txBytes)
	require.NoError(t, err)

	require.NoError(t, receiver.Confirm(tx.ID))
	require.NoError(t, payer.Confirm(tx.ID))

	receiverBalance, err := receiver.Balance()
	require.NoError(t, err)
	assert.Equal(t, uint64(30), receiverBalance.Spendable)

	payerBalance, err := payer.Balance()
	require.NoError(t, err)
	assert.Equal(t, uint64(70), payerBalance.Total)
}

func TestWalletCancelRestoresBalance(t *testing.T) {
	sender := newTestWallet(t, nil, 0)
	fundWallet(t, sender, 100)

	slateBytes, err := sender.Send(60, nil)
	require.NoError(t, err)

	locked, err := sender.Balance()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), locked.Locked)
	assert.Zero(t, locked.Spendable)

	id, err := ParseIDFromSlate(slateBytes)
	require.NoError(t, err)
	require.NoError(t, sender.Cancel(id))

	restored, err := sender.Balance()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), restored.Spendable)
	assert.Zero(t, restored.Locked)

	// the released funds are spendable in a fresh negotiation
	_, err = sender.Send(60, nil)
	assert.NoError(t, err)
}

func TestWalletSweepExpires(t *testing.T) {
	sender := newTestWallet(t, nil, 60)
	fundWallet(t, sender, 100)

	_, err := sender.Send(60, nil)
	require.NoError(t, err)

	// within the TTL nothing expires
	expired, err := sender.Sweep(time.Now())
	require.NoError(t, err)
	assert.Zero(t, expired)

	expired, err = sender.Sweep(time.Now().Add(2 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	balance, err := sender.Balance()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance.Spendable)
	assert.Zero(t, balance.Locked)
}

func TestWalletEstimate(t *testing.T) {
	sender := newTestWallet(t, nil, 0)
	fundWallet(t, sender, 100)
	fundWallet(t, sender, 50)

	estimates, err := sender.Estimate(40, nil)
	require.NoError(t, err)
	require.Len(t, estimates, 2)

	// estimating locks nothing
	balance, err := sender.Balance()
	require.NoError(t, err)
	assert.Zero(t, balance.Locked)
}

func TestSendOptionsKeepExplicitStrategy(t *testing.T) {
	w := newTestWallet(t, nil, 0)
	w.config.Strategy = "all"

	// an explicit choice must not be replaced by the config fallback
	o := w.sendOptions(&SendOptions{Strategy: StrategySmallest})
	assert.Equal(t, StrategySmallest, o.Strategy)

	o = w.sendOptions(nil)
	assert.Equal(t, StrategyAll, o.Strategy)

	o = w.sendOptions(&SendOptions{})
	assert.Equal(t, StrategyAll, o.Strategy)

	w.config.Strategy = ""
	o = w.sendOptions(nil)
	assert.Equal(t, StrategySmallest, o.Strategy)
}

func TestWalletDoubleSpendPrevented(t *testing.T) {
	sender := newTestWallet(t, nil, 0)
	fundWallet(t, sender, 100)

	_, err := sender.Send(60, nil)
	require.NoError(t, err)

	// the only output is locked now; a second send has nothing to spend
	_, err = sender.Send(10, nil)
	assert.Error(t, err)
}

func TestWalletReconcileConfirmsIssue(t *testing.T) {
	chain := newFakeNode(5)
	w := newTestWallet(t, chain, 0)

	_, err := w.Issue(100)
	require.NoError(t, err)

	iter, err := w.Outputs(0, false)
	require.NoError(t, err)
	output, ok := iter.Next()
	require.True(t, ok)
	require.Equal(t, OutputUnconfirmed, output.Status)

	chain.outputs[output.Commit] = node.ChainEntry{Commit: output.Commit, Height: 3}

	require.NoError(t, w.Reconcile(false))

	iter, err = w.Outputs(0, false)
	require.NoError(t, err)
	output, ok = iter.Next()
	require.True(t, ok)
	assert.Equal(t, OutputUnspent, output.Status)
	assert.Equal(t, uint64(3), output.Height)

	record, err := w.Transactions()
	require.NoError(t, err)
	tx, ok := record.Next()
	require.True(t, ok)
	assert.Equal(t, TxConfirmed, tx.Status)
}

func TestWalletReconcileSkipsCounterpartySlates(t *testing.T) {
	chain := newFakeNode(5)
	w := newTestWallet(t, chain, 0)

	// an output tied to a slate whose transaction record lives in the
	// counterparty's wallet: confirming it must not fail the reconcile
	foreign := Output{
		Output:  ledger.Output{Features: core.PlainOutput, Commit: "09aabbcc"},
		Value:   25,
		KeyID:   KeyID{Index: 7},
		Status:  OutputUnconfirmed,
		SlateID: uuid.New(),
	}
	require.NoError(t, w.db.Save([]Output{foreign}, nil, nil))

	chain.outputs[foreign.Commit] = node.ChainEntry{Commit: foreign.Commit, Height: 4}

	require.NoError(t, w.Reconcile(false))

	iter, err := w.Outputs(0, false)
	require.NoError(t, err)
	output, ok := iter.Next()
	require.True(t, ok)
	assert.Equal(t, OutputUnspent, output.Status)
	assert.Equal(t, uint64(4), output.Height)
}
