package ledger

import (
	"encoding/json"

	"github.com/blockcypher/libgrin/core"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Transaction is a grin-style transaction identified by the uuid of the
// slate negotiation that produced it. The id never reaches consensus, it
// only correlates the posted transaction with wallet records on both sides.
type Transaction struct {
	core.Transaction
	ID uuid.UUID `json:"id,omitempty"`
}

// MarshalBytes serializes the transaction to its posted wire form.
func (t *Transaction) MarshalBytes() ([]byte, error) {
	txBytes, err := json.Marshal(t)
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal transaction to json")
	}
	return txBytes, nil
}

// Output is the chain-visible part of an output: commitment, range proof
// and feature flag. Wallets wrap it with their private bookkeeping.
type Output = core.Output

// Issue is a coinbase issuance: one new output with a coinbase kernel
// carrying its excess. On chains that verify issuance out of band the
// value is disclosed.
type Issue struct {
	Output core.Output   `json:"output"`
	Value  uint64        `json:"value"`
	Kernel core.TxKernel `json:"kernel,omitempty"`
}
