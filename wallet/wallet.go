package wallet

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/blockcypher/libgrin/core"
	"github.com/google/uuid"
	"github.com/olegabu/go-secp256k1-zkp"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/mwkit/slatewallet/ledger"
	"github.com/mwkit/slatewallet/node"
)

// Wallet ties the engine together: key chain, output set, coin selector,
// slate builder, transaction ledger and posting policy over one database.
//
// A single mutex serializes every state mutation. The mutex is never held
// across a transport or node round-trip: a slow or dead counterparty can
// not wedge the wallet, it can only leave a negotiation in flight.
type Wallet struct {
	mu sync.Mutex

	config   *Config
	db       Database
	keychain *KeyChain
	outputs  *OutputSet
	selector *CoinSelector
	txs      *TransactionLedger
	builder  *SlateBuilder
	posting  *PostingPolicy
	node     node.Client
}

// SendOptions tune one send or pay operation. Zero values fall back to the
// wallet config.
type SendOptions struct {
	Strategy         Strategy
	MinConfirmations uint64
	NumChangeOutputs int
	Message          *string
}

// NewWallet opens the wallet at config.Dir. The master key must exist;
// run Init first otherwise. The node client may be nil for offline use,
// in which case posting, confirming and reconciling are unavailable.
func NewWallet(config *Config, client node.Client) (*Wallet, error) {
	w, err := NewWalletWithoutMasterKey(config, client)
	if err != nil {
		return nil, err
	}

	keychain, err := NewKeyChain(config.Dir)
	if err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "cannot open master key in %v, run init first", config.Dir)
	}
	w.keychain = keychain
	w.builder = NewSlateBuilder(keychain, w.db, time.Duration(config.SlateTTLSeconds)*time.Second)

	return w, nil
}

// NewWalletWithoutMasterKey opens the database without requiring a master
// key, for the init flow.
func NewWalletWithoutMasterKey(config *Config, client node.Client) (*Wallet, error) {
	db, err := NewLeveldbDatabase(config.Dir)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create NewLeveldbDatabase")
	}

	outputs := NewOutputSet(db)

	w := &Wallet{
		config:   config,
		db:       db,
		outputs:  outputs,
		selector: NewCoinSelector(outputs, FeeByWeight(config.BaseFee)),
		txs:      NewTransactionLedger(db),
		posting:  NewPostingPolicy(db, client),
		node:     client,
	}

	return w, nil
}

func (t *Wallet) Close() {
	t.db.Close()
}

// Init creates the master key from a bip39 mnemonic, generating one when
// none is given, and returns the mnemonic for the user to back up. Fails
// if a master key already exists.
func (t *Wallet) Init(mnemonic string) (string, error) {
	keychain := NewKeyChainUninitialized(t.config.Dir)
	created, err := keychain.Init(mnemonic)
	if err != nil {
		return "", err
	}
	t.keychain = keychain
	t.builder = NewSlateBuilder(keychain, t.db, time.Duration(t.config.SlateTTLSeconds)*time.Second)
	return created, nil
}

func (t *Wallet) sendOptions(opts *SendOptions) SendOptions {
	o := SendOptions{}
	if opts != nil {
		o = *opts
	}
	if o.MinConfirmations == 0 {
		o.MinConfirmations = t.config.MinConfirmations
	}
	if o.NumChangeOutputs < 1 {
		o.NumChangeOutputs = 1
	}
	if o.Strategy == StrategyUnset {
		strategy, err := ParseStrategy(t.config.Strategy)
		if err != nil || strategy == StrategyUnset {
			strategy = StrategySmallest
		}
		o.Strategy = strategy
	}
	return o
}

// tipHeight asks the node for the current tip; without a node the tip is
// unknown and confirmation thresholds degrade to zero.
func (t *Wallet) tipHeight() uint64 {
	if t.node == nil {
		return 0
	}
	tip, err := t.node.GetChainHeight()
	if err != nil {
		return 0
	}
	return tip
}

// Send starts a send negotiation: selects and locks inputs, builds the
// round 1 slate and persists every record in one batch. The returned bytes
// go to the receiver; the locked funds are released only by Finalize
// confirming on chain or by Cancel.
func (t *Wallet) Send(amount uint64, opts *SendOptions) ([]byte, error) {
	o := t.sendOptions(opts)
	tip := t.tipHeight()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.sweepLocked(time.Now()); err != nil {
		return nil, err
	}

	selection, err := t.selector.Select(SelectArgs{
		Amount:           amount,
		MinConfirmations: o.MinConfirmations,
		Strategy:         o.Strategy,
		NumChangeOutputs: o.NumChangeOutputs,
		TipHeight:        tip,
	})
	if err != nil {
		return nil, err
	}

	result, err := t.builder.InitiateSend(amount, selection, tip, o.Message)
	if err != nil {
		return nil, err
	}

	err = t.saveRound(result)
	if err != nil {
		return nil, err
	}

	return result.SlateBytes, nil
}

// Receive handles an incoming round 1 send slate: adds this wallet's
// output and partial signature and returns the response slate for the
// sender to finalize.
func (t *Wallet) Receive(slateBytes []byte, message *string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	result, err := t.builder.Respond(slateBytes, message)
	if err != nil {
		return nil, err
	}

	err = t.saveRound(result)
	if err != nil {
		return nil, err
	}

	return result.SlateBytes, nil
}

// Finalize closes a negotiation this wallet initiated, send or invoice
// alike, and returns the complete transaction bytes ready to post.
func (t *Wallet) Finalize(slateBytes []byte) ([]byte, error) {
	id, err := ParseIDFromSlate(slateBytes)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	saved, err := t.db.GetSlate(id, RoleInitiator)
	if err != nil {
		return nil, errors.Wrapf(err, "no negotiation %v to finalize", id)
	}

	result, txBytes, err := t.builder.Finalize(slateBytes, saved)
	if err != nil {
		return nil, err
	}

	// the record keeps the finalized body for repost
	record, err := t.db.GetTransaction(id)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot GetTransaction %v", id)
	}
	record.Tx = &ledger.Transaction{
		Transaction: result.Slate.Transaction.Transaction,
		ID:          id,
	}

	err = t.db.Save(nil, []TxRecord{record}, []*SavedSlate{result.Slate})
	if err != nil {
		return nil, errors.Wrap(err, "cannot save finalized negotiation")
	}

	return txBytes, nil
}

// Invoice starts an invoice negotiation: this wallet names the amount it
// wants to receive. The returned slate goes to the payer.
func (t *Wallet) Invoice(amount uint64, message *string) ([]byte, error) {
	tip := t.tipHeight()

	t.mu.Lock()
	defer t.mu.Unlock()

	result, err := t.builder.InitiateInvoice(amount, tip, message)
	if err != nil {
		return nil, err
	}

	err = t.saveRound(result)
	if err != nil {
		return nil, err
	}

	return result.SlateBytes, nil
}

// Pay handles an incoming invoice slate: funds the requested amount from
// this wallet's outputs, locking them, and returns the signed response for
// the invoicing party to finalize.
func (t *Wallet) Pay(slateBytes []byte, opts *SendOptions) ([]byte, error) {
	slate, err := ParseSlate(slateBytes)
	if err != nil {
		return nil, err
	}
	o := t.sendOptions(opts)
	tip := t.tipHeight()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.sweepLocked(time.Now()); err != nil {
		return nil, err
	}

	selection, err := t.selector.Select(SelectArgs{
		Amount:           uint64(slate.Amount),
		MinConfirmations: o.MinConfirmations,
		Strategy:         o.Strategy,
		NumChangeOutputs: o.NumChangeOutputs,
		TipHeight:        tip,
	})
	if err != nil {
		return nil, err
	}

	result, err := t.builder.PayInvoice(slateBytes, selection, o.Message)
	if err != nil {
		return nil, err
	}

	err = t.saveRound(result)
	if err != nil {
		return nil, err
	}

	return result.SlateBytes, nil
}

// saveRound persists everything one protocol round produced in one atomic
// batch: output transitions, the transaction record and the slate.
func (t *Wallet) saveRound(result *RoundResult) error {
	var txs []TxRecord
	if result.TxRecord != nil {
		txs = []TxRecord{*result.TxRecord}
	}
	err := t.db.Save(result.Outputs, txs, []*SavedSlate{result.Slate})
	if err != nil {
		return errors.Wrap(err, "cannot save negotiation round")
	}
	return nil
}

// SendTo runs the whole send flow over a transport: initiate, exchange,
// finalize. The wallet lock is taken per round, never across the exchange.
// Returns the finalized transaction bytes, or nil when the transport is
// one-way and Finalize must be called later with the counterparty's reply.
func (t *Wallet) SendTo(transport Transport, amount uint64, opts *SendOptions) ([]byte, error) {
	slateBytes, err := t.Send(amount, opts)
	if err != nil {
		return nil, err
	}

	responseBytes, err := transport.Send(slateBytes)
	if err != nil {
		return nil, err
	}
	if responseBytes == nil {
		return nil, nil
	}

	return t.Finalize(responseBytes)
}

// Cancel aborts a non-confirmed transaction and releases its locked
// inputs.
func (t *Wallet) Cancel(id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.txs.Cancel(id)
}

// Confirm records that the transaction landed on chain. With a node
// attached the kernel is checked first.
func (t *Wallet) Confirm(id uuid.UUID) error {
	tip := t.tipHeight()

	if t.node != nil {
		record, err := t.txs.Find(id)
		if err != nil {
			return err
		}
		if record.Tx != nil {
			onChain, err := t.node.GetKernel(record.Tx.Body.Kernels[0].Excess)
			if err != nil {
				return errors.Wrap(ErrNodeUnavailable, err.Error())
			}
			if !onChain {
				return errors.Errorf("transaction %v kernel not found on chain", id)
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.txs.MarkConfirmed(id, tip)
}

// Post submits finalized transaction bytes to the node, stem relay unless
// fluff is set.
func (t *Wallet) Post(txBytes []byte, fluff bool) error {
	if t.node == nil {
		return errors.Wrap(ErrNodeUnavailable, "no node configured")
	}
	return t.posting.Post(txBytes, fluff)
}

// Repost resubmits a finalized transaction that never confirmed.
func (t *Wallet) Repost(id uuid.UUID, fluff bool) error {
	if t.node == nil {
		return errors.Wrap(ErrNodeUnavailable, "no node configured")
	}
	return t.posting.Repost(id, fluff)
}

// Reconcile repairs local state against the chain: queries the node for
// the tip and the confirmed output set, runs the output reconciliation and
// confirms any transaction whose outputs landed. When deleteUnconfirmed is
// set, outputs of negotiations the chain never saw are cancelled and their
// locks released.
func (t *Wallet) Reconcile(deleteUnconfirmed bool) error {
	if t.node == nil {
		return errors.Wrap(ErrNodeUnavailable, "no node configured")
	}

	tip, err := t.node.GetChainHeight()
	if err != nil {
		return errors.Wrap(ErrNodeUnavailable, err.Error())
	}
	entries, err := t.node.GetOutputs(nil)
	if err != nil {
		return errors.Wrap(ErrNodeUnavailable, err.Error())
	}

	view := ChainView{TipHeight: tip, Outputs: make(map[string]ChainOutput, len(entries))}
	for commit, entry := range entries {
		view.Outputs[commit] = ChainOutput{
			Output: ledger.Output{Features: core.PlainOutput, Commit: entry.Commit},
			Height: entry.Height,
			Value:  entry.Value,
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.sweepLocked(time.Now()); err != nil {
		return err
	}

	confirmedSlates, err := t.outputs.Reconcile(t.keychain, view, deleteUnconfirmed)
	if err != nil {
		return err
	}

	for _, id := range confirmedSlates {
		err = t.txs.MarkConfirmed(id, tip)
		if err == nil {
			continue
		}
		// records for slates of counterparties may not exist, and a slate
		// already settled by a prior reconcile is not an error
		cause := errors.Cause(err)
		if cause == leveldb.ErrNotFound || cause == ErrConflict {
			continue
		}
		return err
	}

	return nil
}

// Estimate dry-runs coin selection for every strategy without locking
// anything.
func (t *Wallet) Estimate(amount uint64, opts *SendOptions) ([]Estimate, error) {
	o := t.sendOptions(opts)
	tip := t.tipHeight()

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.selector.EstimateAll(amount, o.MinConfirmations, o.NumChangeOutputs, tip)
}

// Sweep expires every in-flight negotiation that outlived the configured
// TTL, releasing its locks. Returns how many were expired. A TTL of zero
// disables expiry.
func (t *Wallet) Sweep(now time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.sweepLocked(now)
}

// sweepLocked does the expiry walk; the caller holds t.mu.
func (t *Wallet) sweepLocked(now time.Time) (int, error) {
	if t.builder == nil || t.config.SlateTTLSeconds <= 0 {
		return 0, nil
	}

	slates, err := t.db.ListSlates()
	if err != nil {
		return 0, errors.Wrap(err, "cannot ListSlates")
	}

	expired := 0
	for i := range slates {
		slate := slates[i]
		if !t.builder.Expired(&slate, now) {
			continue
		}
		err = t.txs.Expire(&slate)
		if err != nil {
			return expired, errors.Wrapf(err, "cannot expire negotiation %v", slate.ID())
		}
		expired++
	}

	return expired, nil
}

// Balance is the wallet's funds bucketed by spendability at a tip.
type Balance struct {
	Spendable            uint64 `json:"spendable"`
	AwaitingConfirmation uint64 `json:"awaiting_confirmation"`
	Locked               uint64 `json:"locked"`
	Total                uint64 `json:"total"`
}

// Balance sums output values per lifecycle state at the current tip, using
// the configured confirmation threshold for spendability.
func (t *Wallet) Balance() (Balance, error) {
	tip := t.tipHeight()

	t.mu.Lock()
	defer t.mu.Unlock()

	outputs, err := t.db.ListOutputs()
	if err != nil {
		return Balance{}, errors.Wrap(err, "cannot ListOutputs")
	}

	balance := Balance{}
	for _, output := range outputs {
		switch output.Status {
		case OutputUnspent:
			if output.Confirmations(tip) >= t.config.MinConfirmations && output.LockHeight <= tip {
				balance.Spendable += output.Value
			} else {
				balance.AwaitingConfirmation += output.Value
			}
		case OutputUnconfirmed:
			balance.AwaitingConfirmation += output.Value
		case OutputLocked:
			balance.Locked += output.Value
		default:
			continue
		}
		balance.Total += output.Value
	}

	return balance, nil
}

// Issue creates a coinbase output for the given value and returns the
// issuance bytes to post. The output stays Unconfirmed until the chain
// reports it.
func (t *Wallet) Issue(value uint64) ([]byte, error) {
	context, err := secp256k1.ContextCreate(secp256k1.ContextSign)
	if err != nil {
		return nil, errors.Wrap(err, "cannot ContextCreate")
	}
	defer secp256k1.ContextDestroy(context)

	t.mu.Lock()
	defer t.mu.Unlock()

	index, err := t.db.NextIndex()
	if err != nil {
		return nil, errors.Wrap(err, "cannot get NextIndex")
	}
	keyID := KeyID{Index: index}
	blind, err := t.keychain.DeriveBlindingFactor(keyID)
	if err != nil {
		return nil, errors.Wrap(err, "cannot derive blinding factor")
	}

	slateOutput, err := createOutput(context, blind, value, core.CoinbaseOutput)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create coinbase output")
	}

	excess, err := secp256k1.Commit(context, blind[:], 0, &secp256k1.GeneratorH, &secp256k1.GeneratorG)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create excess")
	}

	id := uuid.New()

	walletOutput, err := t.outputs.Record(Output{
		Output:  slateOutput,
		Value:   value,
		KeyID:   keyID,
		SlateID: id,
	}, OutputUnconfirmed)
	if err != nil {
		return nil, err
	}

	record := TxRecord{
		SlateID:        id,
		Type:           TxCoinbase,
		CreatedAt:      time.Now().UTC(),
		Status:         TxActive,
		AmountCredited: value,
		Outputs:        []string{slateOutput.Commit},
	}

	err = t.db.Save([]Output{walletOutput}, []TxRecord{record}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "cannot save issued output")
	}

	issue := ledger.Issue{
		Output: slateOutput,
		Value:  value,
		Kernel: core.TxKernel{
			Features: core.CoinbaseKernel,
			Excess:   excess.String(),
		},
	}

	issueBytes, err := json.Marshal(issue)
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal issue to json")
	}

	return issueBytes, nil
}

// Transactions lists the wallet's records newest first.
func (t *Wallet) Transactions() (*TxIterator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.txs.List()
}

// Outputs queries the wallet's outputs at the current tip.
func (t *Wallet) Outputs(minConf uint64, includeSpent bool) (*OutputIterator, error) {
	tip := t.tipHeight()

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.outputs.Query(minConf, includeSpent, tip)
}
