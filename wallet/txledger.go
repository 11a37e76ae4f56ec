package wallet

import (
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TransactionLedger tracks in-flight and historical transactions and keeps
// their records in lockstep with the output states they reference: an
// output marked Locked always has exactly one Active record reserving it.
type TransactionLedger struct {
	db      Database
	outputs *OutputSet
}

func NewTransactionLedger(db Database) *TransactionLedger {
	return &TransactionLedger{db: db, outputs: NewOutputSet(db)}
}

// Find returns the record for a slate id.
func (t *TransactionLedger) Find(id uuid.UUID) (TxRecord, error) {
	tx, err := t.db.GetTransaction(id)
	if err != nil {
		return TxRecord{}, errors.Wrapf(err, "cannot find transaction %v", id)
	}
	return tx, nil
}

// List produces a restartable iterator over all records, newest first.
func (t *TransactionLedger) List() (*TxIterator, error) {
	transactions, err := t.db.ListTransactions()
	if err != nil {
		return nil, errors.Wrap(err, "cannot ListTransactions")
	}

	sort.Slice(transactions, func(i, j int) bool {
		return transactions[i].CreatedAt.After(transactions[j].CreatedAt)
	})

	return &TxIterator{transactions: transactions}, nil
}

// MarkConfirmed records that the chain confirmed the transaction:
// the record flips to Confirmed, its inputs Locked -> Spent, its outputs
// Unconfirmed -> Unspent at the given height. One atomic batch.
func (t *TransactionLedger) MarkConfirmed(id uuid.UUID, tip uint64) error {
	tx, err := t.db.GetTransaction(id)
	if err != nil {
		return errors.Wrapf(err, "cannot GetTransaction %v", id)
	}

	if tx.Status == TxConfirmed {
		return nil
	}
	if tx.Status == TxCancelled {
		return errors.Wrapf(ErrConflict, "transaction %v is cancelled", id)
	}

	changed := t.outputs.Spend(tx.Inputs)
	changed = append(changed, t.outputs.Confirm(tx.Outputs, tip)...)

	tx.Status = TxConfirmed

	err = t.db.Save(changed, []TxRecord{tx}, nil)
	if err != nil {
		return errors.Wrap(err, "cannot save confirmed transaction")
	}

	return nil
}

// Cancel aborts a non-confirmed transaction: its locked inputs return to
// Unspent, its unconfirmed outputs become Cancelled, the record flips to
// Cancelled and the saved negotiation with it. Cancelling a confirmed or
// already-cancelled transaction is a no-op error, never state corruption.
func (t *TransactionLedger) Cancel(id uuid.UUID) error {
	tx, err := t.db.GetTransaction(id)
	if err != nil {
		return errors.Wrapf(err, "cannot GetTransaction %v", id)
	}

	if tx.Status == TxConfirmed {
		return errors.Wrapf(ErrNotCancellable, "transaction %v is confirmed", id)
	}
	if tx.Status == TxCancelled {
		return errors.Wrapf(ErrNotCancellable, "transaction %v is already cancelled", id)
	}

	changed := t.outputs.Unlock(tx.Inputs)
	changed = append(changed, t.outputs.CancelUnconfirmed(tx.Outputs)...)

	tx.Status = TxCancelled

	slates := make([]*SavedSlate, 0, 1)
	for _, role := range []ParticipantRole{RoleInitiator, RoleResponder} {
		if slate, err := t.db.GetSlate(id, role); err == nil && !slate.Status.terminal() {
			slate.Status = SlateCancelled
			slates = append(slates, slate)
		}
	}

	err = t.db.Save(changed, []TxRecord{tx}, slates)
	if err != nil {
		return errors.Wrap(err, "cannot save cancelled transaction")
	}

	return nil
}

// Expire cancels a timed-out negotiation, marking the slate Expired rather
// than Cancelled; the output transitions are the same.
func (t *TransactionLedger) Expire(slate *SavedSlate) error {
	err := t.Cancel(slate.ID())
	if err != nil && errors.Cause(err) != ErrNotCancellable {
		return err
	}

	expired, err := t.db.GetSlate(slate.ID(), slate.Role)
	if err != nil {
		return errors.Wrap(err, "cannot GetSlate")
	}
	expired.Status = SlateExpired

	return t.db.Save(nil, nil, []*SavedSlate{expired})
}

// TxIterator is a finite, restartable cursor over transaction records.
type TxIterator struct {
	transactions []TxRecord
	pos          int
}

func (it *TxIterator) Next() (TxRecord, bool) {
	if it.pos >= len(it.transactions) {
		return TxRecord{}, false
	}
	tx := it.transactions[it.pos]
	it.pos++
	return tx, true
}

func (it *TxIterator) Reset() {
	it.pos = 0
}
