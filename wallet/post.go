package wallet

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mwkit/slatewallet/node"
)

// PostingPolicy submits finalized transactions to the node. Stem relay is
// the default; fluff broadcasts immediately at the cost of linking the
// transaction to this node.
type PostingPolicy struct {
	db     Database
	client node.Client
}

func NewPostingPolicy(db Database, client node.Client) *PostingPolicy {
	return &PostingPolicy{db: db, client: client}
}

// Post submits raw finalized transaction bytes. Posting does not change
// wallet state; confirmation is observed later via the ledger.
func (p *PostingPolicy) Post(txBytes []byte, fluff bool) error {
	err := p.client.PostTransaction(txBytes, fluff)
	if err != nil {
		return errors.Wrap(ErrNodeUnavailable, err.Error())
	}
	return nil
}

// Repost resubmits a finalized transaction that never confirmed, for
// example after the stem phase dropped it. Confirmed and cancelled
// transactions cannot be reposted.
func (p *PostingPolicy) Repost(id uuid.UUID, fluff bool) error {
	record, err := p.db.GetTransaction(id)
	if err != nil {
		return errors.Wrap(err, "cannot get transaction")
	}

	if record.Status == TxConfirmed {
		return errors.Wrap(ErrConflict, "transaction already confirmed")
	}
	if record.Status == TxCancelled {
		return errors.Wrap(ErrConflict, "transaction cancelled")
	}
	if record.Tx == nil {
		return errors.New("transaction not finalized, nothing to repost")
	}

	txBytes, err := record.Tx.MarshalBytes()
	if err != nil {
		return errors.Wrap(err, "cannot marshal transaction")
	}

	return p.Post(txBytes, fluff)
}
