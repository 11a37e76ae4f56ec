package wallet

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mwkit/slatewallet/ledger"
)

// OutputSet is the authoritative record of locally-known outputs and their
// lifecycle state:
//
//	Unconfirmed -> Unspent -> Locked -> Spent
//
// with Unconfirmed -> Cancelled and Locked -> Unspent as escape
// transitions. Unspent is the only spendable state; Spent and Cancelled
// are terminal. Callers serialize mutating calls under the wallet lock.
type OutputSet struct {
	db Database
}

func NewOutputSet(db Database) *OutputSet {
	return &OutputSet{db: db}
}

// Every lifecycle transition below validates against the stored state and
// returns the mutated records without writing them: the caller saves them
// in the same batch as the slate and transaction records they belong to,
// so the guard and the atomicity both hold.

// Record validates an upsert of an output with the given status and
// returns the record to save. Idempotent, except that a Spent output can
// never be reverted: spending is terminal.
func (t *OutputSet) Record(output Output, status OutputStatus) (Output, error) {
	existing, err := t.db.GetOutput(output.Commit)
	if err == nil {
		if existing.Status == OutputSpent && status != OutputSpent {
			return Output{}, errors.Wrapf(ErrConflict, "output %v is spent", output.Commit)
		}
	}

	output.Status = status

	return output, nil
}

// Lock validates Unspent -> Locked for every given output under the
// negotiation txID. If any output is not Unspent nothing is returned and
// ErrAlreadyLocked reported: within the wallet this is what prevents two
// negotiations from double-spending an output.
func (t *OutputSet) Lock(commits []string, txID uuid.UUID) ([]Output, error) {
	locked := make([]Output, 0, len(commits))

	for _, commit := range commits {
		output, err := t.db.GetOutput(commit)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot GetOutput %v", commit)
		}
		if output.Status != OutputUnspent {
			return nil, errors.Wrapf(ErrAlreadyLocked, "output %v is %v", commit, output.Status)
		}
		output.Status = OutputLocked
		output.SlateID = txID
		locked = append(locked, output)
	}

	return locked, nil
}

// Unlock transitions Locked -> Unspent; used on cancellation. Outputs not
// currently Locked are left alone, so a Spent output stays spent.
func (t *OutputSet) Unlock(commits []string) []Output {
	unlocked := make([]Output, 0, len(commits))

	for _, commit := range commits {
		output, err := t.db.GetOutput(commit)
		if err != nil {
			// not ours, nothing to unlock
			continue
		}
		if output.Status != OutputLocked {
			continue
		}
		output.Status = OutputUnspent
		output.SlateID = uuid.Nil
		unlocked = append(unlocked, output)
	}

	return unlocked
}

// Spend transitions inputs to Spent once the transaction that consumed
// them confirmed. Unknown commitments and already-Spent outputs are
// skipped.
func (t *OutputSet) Spend(commits []string) []Output {
	spent := make([]Output, 0, len(commits))

	for _, commit := range commits {
		output, err := t.db.GetOutput(commit)
		if err != nil {
			continue
		}
		if output.Status == OutputSpent {
			continue
		}
		output.Status = OutputSpent
		spent = append(spent, output)
	}

	return spent
}

// Confirm transitions Unconfirmed outputs to Unspent at their confirmation
// height. Other states are left alone: a Cancelled or Spent output never
// comes back this way.
func (t *OutputSet) Confirm(commits []string, height uint64) []Output {
	confirmed := make([]Output, 0, len(commits))

	for _, commit := range commits {
		output, err := t.db.GetOutput(commit)
		if err != nil {
			continue
		}
		if output.Status != OutputUnconfirmed {
			continue
		}
		output.Status = OutputUnspent
		output.Height = height
		confirmed = append(confirmed, output)
	}

	return confirmed
}

// CancelUnconfirmed transitions Unconfirmed outputs to Cancelled when
// their negotiation is aborted. Other states are left alone.
func (t *OutputSet) CancelUnconfirmed(commits []string) []Output {
	cancelled := make([]Output, 0, len(commits))

	for _, commit := range commits {
		output, err := t.db.GetOutput(commit)
		if err != nil {
			continue
		}
		if output.Status != OutputUnconfirmed {
			continue
		}
		output.Status = OutputCancelled
		cancelled = append(cancelled, output)
	}

	return cancelled
}

// Query produces a restartable iterator over outputs with at least minConf
// confirmations at the given tip, skipping Spent and Cancelled outputs
// unless includeSpent is set.
func (t *OutputSet) Query(minConf uint64, includeSpent bool, tip uint64) (*OutputIterator, error) {
	outputs, err := t.db.ListOutputs()
	if err != nil {
		return nil, errors.Wrap(err, "cannot ListOutputs")
	}

	matched := make([]Output, 0, len(outputs))
	for _, output := range outputs {
		if !includeSpent && (output.Status == OutputSpent || output.Status == OutputCancelled) {
			continue
		}
		if minConf > 0 && output.Confirmations(tip) < minConf {
			continue
		}
		matched = append(matched, output)
	}

	return &OutputIterator{outputs: matched}, nil
}

// Spendable lists the Unspent outputs above the confirmation threshold,
// for the coin selector.
func (t *OutputSet) Spendable(minConf uint64, tip uint64) ([]Output, error) {
	iter, err := t.Query(minConf, false, tip)
	if err != nil {
		return nil, err
	}

	spendable := make([]Output, 0)
	for output, ok := iter.Next(); ok; output, ok = iter.Next() {
		if output.Status != OutputUnspent {
			continue
		}
		if output.LockHeight > tip {
			continue
		}
		spendable = append(spendable, output)
	}

	return spendable, nil
}

// OutputIterator is a finite, restartable cursor over a query result.
type OutputIterator struct {
	outputs []Output
	pos     int
}

func (it *OutputIterator) Next() (Output, bool) {
	if it.pos >= len(it.outputs) {
		return Output{}, false
	}
	output := it.outputs[it.pos]
	it.pos++
	return output, true
}

// Reset rewinds the iterator to the first output.
func (it *OutputIterator) Reset() {
	it.pos = 0
}

// ChainOutput is one confirmed output as reported by the node.
type ChainOutput struct {
	Output ledger.Output `json:"output"`
	Height uint64        `json:"height"`
	// Value is disclosed only by chains that publish it (test chains,
	// issue outputs); zero means unknown and the output cannot be
	// rediscovered by derivation scan.
	Value uint64 `json:"value,omitempty"`
}

// ChainView is the chain state Reconcile repairs against, supplied by the
// caller from node client queries.
type ChainView struct {
	TipHeight uint64
	// Outputs maps commitment to its confirmed chain record.
	Outputs map[string]ChainOutput
}

// scanGap is how many derivation indices past the last allocated one a
// reconcile scan covers when rediscovering outputs from seed.
const scanGap = 100

// Reconcile repairs local state from chain data: marks Unconfirmed outputs
// seen on-chain Unspent, marks Unspent outputs that disappeared from the
// chain Spent, and rediscovers outputs that the chain knows but the wallet
// lost, by recomputing commitments over a bounded derivation range. When
// deleteUnconfirmed is set, Unconfirmed outputs absent from the chain are
// cancelled and their locked siblings released.
//
// Returns the commitments of transactions whose outputs were confirmed, so
// the caller can confirm the matching records.
func (t *OutputSet) Reconcile(keychain *KeyChain, view ChainView, deleteUnconfirmed bool) (confirmedSlates []uuid.UUID, err error) {
	outputs, err := t.db.ListOutputs()
	if err != nil {
		return nil, errors.Wrap(err, "cannot ListOutputs")
	}

	known := make(map[string]bool, len(outputs))
	changed := make([]Output, 0)

	for _, output := range outputs {
		known[output.Commit] = true
		chainOutput, onChain := view.Outputs[output.Commit]

		switch output.Status {
		case OutputUnconfirmed:
			if onChain {
				output.Status = OutputUnspent
				output.Height = chainOutput.Height
				changed = append(changed, output)
				if output.SlateID != uuid.Nil {
					confirmedSlates = append(confirmedSlates, output.SlateID)
				}
			} else if deleteUnconfirmed {
				output.Status = OutputCancelled
				changed = append(changed, output)
			}
		case OutputUnspent:
			if !onChain {
				// consumed by a transaction this wallet never saw confirm
				output.Status = OutputSpent
				changed = append(changed, output)
			}
		case OutputLocked:
			if !onChain && deleteUnconfirmed {
				output.Status = OutputUnspent
				output.SlateID = uuid.Nil
				changed = append(changed, output)
			}
		}
	}

	restored, err := t.scan(keychain, view, known)
	if err != nil {
		return nil, errors.Wrap(err, "cannot scan derivation range")
	}
	changed = append(changed, restored...)

	err = t.db.Save(changed, nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "cannot save reconciled outputs")
	}

	return confirmedSlates, nil
}

// scan rediscovers outputs by recomputing the commitment for every
// derivation path in a bounded range against every value-disclosing chain
// output the wallet does not know.
func (t *OutputSet) scan(keychain *KeyChain, view ChainView, known map[string]bool) ([]Output, error) {
	unknown := make([]ChainOutput, 0)
	for commit, chainOutput := range view.Outputs {
		if !known[commit] && chainOutput.Value > 0 {
			unknown = append(unknown, chainOutput)
		}
	}
	if len(unknown) == 0 {
		return nil, nil
	}

	lastIndex, err := t.db.CurrentIndex()
	if err != nil {
		return nil, errors.Wrap(err, "cannot get CurrentIndex")
	}

	restored := make([]Output, 0)
	for index := uint32(0); index < lastIndex+scanGap; index++ {
		keyID := KeyID{Index: index}
		remaining := unknown[:0]
		for _, chainOutput := range unknown {
			match, err := commitmentMatches(keychain, keyID, chainOutput)
			if err != nil {
				return nil, err
			}
			if match {
				restored = append(restored, Output{
					Output: chainOutput.Output,
					Value:  chainOutput.Value,
					KeyID:  keyID,
					Height: chainOutput.Height,
					Status: OutputUnspent,
				})
			} else {
				remaining = append(remaining, chainOutput)
			}
		}
		unknown = remaining
		if len(unknown) == 0 {
			break
		}
	}

	return restored, nil
}
