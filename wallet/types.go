package wallet

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mwkit/slatewallet/ledger"
)

// Database is the durable key-value storage the engine requires. All
// multi-record mutations go through Save, which must apply atomically:
// a lock/select/finalize sequence either lands entirely or not at all.
type Database interface {
	PutOutput(output Output) error
	GetOutput(commit string) (Output, error)
	ListOutputs() ([]Output, error)
	PutTransaction(tx TxRecord) error
	GetTransaction(id uuid.UUID) (TxRecord, error)
	ListTransactions() ([]TxRecord, error)
	PutSlate(slate *SavedSlate) error
	GetSlate(id uuid.UUID, role ParticipantRole) (*SavedSlate, error)
	ListSlates() ([]SavedSlate, error)
	// Save writes outputs, transaction records and slates in one atomic
	// batch.
	Save(outputs []Output, txs []TxRecord, slates []*SavedSlate) error
	// NextIndex allocates the next child key index, durably.
	NextIndex() (uint32, error)
	// CurrentIndex reads the last allocated child key index without
	// allocating.
	CurrentIndex() (uint32, error)
	Close()
}

// Output is a wallet-owned coin fragment: the chain-visible commitment
// plus the private bookkeeping needed to spend it again.
type Output struct {
	ledger.Output
	Value uint64 `json:"value"`
	// KeyID is the derivation path of the blinding factor. The factor
	// itself is never stored; it is recomputed from the seed on demand.
	KeyID KeyID `json:"key_id"`
	// Height the output was confirmed at, zero while unconfirmed.
	Height     uint64       `json:"height,omitempty"`
	LockHeight uint64       `json:"lock_height,omitempty"`
	Status     OutputStatus `json:"status"`
	// SlateID of the transaction currently reserving or creating this
	// output.
	SlateID uuid.UUID `json:"slate_id,omitempty"`
}

// Confirmations at the given tip. Unconfirmed outputs have zero.
func (o Output) Confirmations(tip uint64) uint64 {
	if o.Height == 0 || tip < o.Height {
		return 0
	}
	return tip - o.Height + 1
}

type OutputStatus int

const (
	OutputUnconfirmed OutputStatus = iota
	OutputUnspent
	OutputLocked
	OutputSpent
	OutputCancelled
)

func (s OutputStatus) String() string {
	switch s {
	case OutputUnconfirmed:
		return "Unconfirmed"
	case OutputUnspent:
		return "Unspent"
	case OutputLocked:
		return "Locked"
	case OutputSpent:
		return "Spent"
	case OutputCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// TxRecord is the wallet-local record of one transaction, in flight or
// historical, keyed by the slate id it was negotiated under.
type TxRecord struct {
	SlateID        uuid.UUID `json:"slate_id"`
	Type           TxType    `json:"type"`
	CreatedAt      time.Time `json:"created_at"`
	Status         TxStatus  `json:"status"`
	AmountCredited uint64    `json:"amount_credited,omitempty"`
	AmountDebited  uint64    `json:"amount_debited,omitempty"`
	Fee            uint64    `json:"fee,omitempty"`
	// Inputs are the commitments this transaction reserved, Outputs the
	// commitments it creates for this wallet.
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
	// Tx is the finalized transaction body, kept for repost. Nil until
	// finalized.
	Tx *ledger.Transaction `json:"tx,omitempty"`
}

type TxType int

const (
	TxSent TxType = iota
	TxReceived
	TxCoinbase
	TxInvoice
)

func (t TxType) String() string {
	switch t {
	case TxSent:
		return "Sent"
	case TxReceived:
		return "Received"
	case TxCoinbase:
		return "Coinbase"
	case TxInvoice:
		return "Invoice"
	default:
		return fmt.Sprintf("%d", int(t))
	}
}

type TxStatus int

const (
	TxActive TxStatus = iota
	TxConfirmed
	TxCancelled
)

func (s TxStatus) String() string {
	switch s {
	case TxActive:
		return "Active"
	case TxConfirmed:
		return "Confirmed"
	case TxCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// ParticipantRole doubles as the participant id within the slate: the
// initiating party is 0, the responding party 1.
type ParticipantRole uint8

const (
	RoleInitiator ParticipantRole = 0
	RoleResponder ParticipantRole = 1
)

// SavedSlate is the locally persisted side of a negotiation: the slate as
// last exchanged plus the derivation paths needed to resume. No raw
// blinding factor or nonce is ever saved; both are re-derived from the
// seed and the paths when the next round runs.
type SavedSlate struct {
	Slate
	Role   ParticipantRole `json:"role"`
	Status SlateStatus     `json:"slate_status"`
	// InputKeyIDs are the paths of this party's contributed inputs,
	// OutputKeyIDs those of its change or receiving outputs.
	InputKeyIDs  []KeyID `json:"input_key_ids,omitempty"`
	OutputKeyIDs []KeyID `json:"output_key_ids,omitempty"`
}

type SlateStatus int

const (
	SlateCreated SlateStatus = iota
	SlateSent
	SlateResponded
	SlateInvoiced
	SlateFinalized
	SlateCancelled
	SlateExpired
)

func (s SlateStatus) String() string {
	switch s {
	case SlateCreated:
		return "Created"
	case SlateSent:
		return "Sent"
	case SlateResponded:
		return "Responded"
	case SlateInvoiced:
		return "Invoiced"
	case SlateFinalized:
		return "Finalized"
	case SlateCancelled:
		return "Cancelled"
	case SlateExpired:
		return "Expired"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// terminal slate states never transition again
func (s SlateStatus) terminal() bool {
	return s == SlateFinalized || s == SlateCancelled || s == SlateExpired
}
