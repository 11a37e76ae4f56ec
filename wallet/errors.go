package wallet

import "github.com/pkg/errors"

// Sentinel errors of the engine. Callers test with errors.Cause since
// every layer wraps with context on the way up.
var (
	// ErrKeyDerivation means no usable master key: the operation fails,
	// the process does not.
	ErrKeyDerivation = errors.New("key derivation failed, master key unavailable")

	// ErrInsufficientFunds means no combination of spendable outputs covers
	// amount plus fee under the confirmation threshold.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAlreadyLocked means an output selected for locking is not Unspent.
	// Either a concurrent negotiation got there first or the caller is
	// trying to double-spend within the wallet.
	ErrAlreadyLocked = errors.New("output is not unspent")

	// ErrConflict means a state transition would rewind a terminal state,
	// such as reverting a Spent output to Unspent.
	ErrConflict = errors.New("conflicting output state transition")

	// ErrInvalidPartialSignature means the counterparty's partial signature
	// does not verify: protocol violation or tampering. The negotiation is
	// aborted before anything of ours is revealed.
	ErrInvalidPartialSignature = errors.New("partial signature does not verify")

	// ErrNotCancellable means the transaction is confirmed or already
	// cancelled and cancel is a no-op error.
	ErrNotCancellable = errors.New("transaction cannot be cancelled")

	// ErrNodeUnavailable wraps node client failures. Local state is never
	// mutated by these; locks persist until explicit cancel or confirm.
	ErrNodeUnavailable = errors.New("node unavailable")

	// ErrTransport wraps slate exchange failures.
	ErrTransport = errors.New("transport failed")
)
