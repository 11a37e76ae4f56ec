package wallet

import (
	"sort"

	"github.com/pkg/errors"
)

// Strategy is the coin selection strategy. The set is closed; an unset
// strategy selects as smallest.
type Strategy int

const (
	// StrategyUnset means the caller expressed no preference; the wallet
	// falls back to its configured strategy. Keeping the zero value out of
	// the real strategies lets an explicit choice survive the fallback.
	StrategyUnset Strategy = iota
	// StrategySmallest accumulates the fewest, smallest outputs covering
	// amount plus fee.
	StrategySmallest
	// StrategyAll spends every eligible output regardless of overshoot,
	// maximizing the privacy set and minimizing future selections.
	StrategyAll
)

func (s Strategy) String() string {
	switch s {
	case StrategyAll:
		return "all"
	case StrategySmallest:
		return "smallest"
	default:
		return "unset"
	}
}

// ParseStrategy maps the CLI/config form to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "smallest":
		return StrategySmallest, nil
	case "all":
		return StrategyAll, nil
	case "":
		return StrategyUnset, nil
	default:
		return 0, errors.Errorf("unknown selection strategy %q", s)
	}
}

// FeeFunc maps transaction shape to a fee. Policy, not correctness: the
// balance invariant holds for whatever fee this returns.
type FeeFunc func(inputs, outputs, kernels int) uint64

// DefaultBaseFee is the per-weight-unit fee in the smallest denomination.
const DefaultBaseFee uint64 = 1000000

// DefaultFeeFunc charges by transaction weight, where outputs weigh four
// units, kernels one, and inputs earn one back, floored at one unit.
func DefaultFeeFunc(inputs, outputs, kernels int) uint64 {
	return FeeByWeight(DefaultBaseFee)(inputs, outputs, kernels)
}

// FeeByWeight builds the weight-based fee function for a base fee.
func FeeByWeight(base uint64) FeeFunc {
	return func(inputs, outputs, kernels int) uint64 {
		weight := 4*outputs + kernels - inputs
		if weight < 1 {
			weight = 1
		}
		return base * uint64(weight)
	}
}

// SelectArgs describes one selection request.
type SelectArgs struct {
	Amount           uint64
	MinConfirmations uint64
	Strategy         Strategy
	// NumChangeOutputs is how many change outputs the remainder splits
	// into; at least one when there is change at all.
	NumChangeOutputs int
	// TipHeight anchors the confirmation threshold.
	TipHeight uint64
}

// Selection is the result: inputs to spend, the computed fee, and the
// change partition. Nothing is locked yet.
type Selection struct {
	Inputs []Output
	Fee    uint64
	Total  uint64
	// Change values, one per change output. Empty when inputs exactly
	// cover amount plus fee.
	Change []uint64
}

// Estimate is the dry-run result for one strategy.
type Estimate struct {
	Strategy Strategy
	Total    uint64
	Fee      uint64
	Inputs   int
}

// CoinSelector picks spendable outputs to fund a transaction.
type CoinSelector struct {
	outputs *OutputSet
	fee     FeeFunc
}

func NewCoinSelector(outputs *OutputSet, fee FeeFunc) *CoinSelector {
	if fee == nil {
		fee = DefaultFeeFunc
	}
	return &CoinSelector{outputs: outputs, fee: fee}
}

// Select chooses outputs per the strategy. Pure with respect to wallet
// state: the caller locks the returned inputs.
func (t *CoinSelector) Select(args SelectArgs) (*Selection, error) {
	eligible, err := t.outputs.Spendable(args.MinConfirmations, args.TipHeight)
	if err != nil {
		return nil, errors.Wrap(err, "cannot list spendable outputs")
	}

	numChange := args.NumChangeOutputs
	if numChange < 1 {
		numChange = 1
	}

	var inputs []Output
	var fee uint64

	switch args.Strategy {
	case StrategyAll:
		inputs, fee, err = t.selectAll(eligible, args.Amount, numChange)
	default:
		inputs, fee, err = t.selectSmallest(eligible, args.Amount, numChange)
	}
	if err != nil {
		return nil, err
	}

	var total uint64
	for _, input := range inputs {
		total += input.Value
	}

	return &Selection{
		Inputs: inputs,
		Fee:    fee,
		Total:  total,
		Change: splitChange(total-args.Amount-fee, numChange),
	}, nil
}

// EstimateAll dry-runs every strategy and reports fee and input count per
// strategy. No side effects, nothing locked.
func (t *CoinSelector) EstimateAll(amount uint64, minConf uint64, numChange int, tip uint64) ([]Estimate, error) {
	estimates := make([]Estimate, 0, 2)

	for _, strategy := range []Strategy{StrategySmallest, StrategyAll} {
		selection, err := t.Select(SelectArgs{
			Amount:           amount,
			MinConfirmations: minConf,
			Strategy:         strategy,
			NumChangeOutputs: numChange,
			TipHeight:        tip,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "cannot estimate strategy %v", strategy)
		}
		estimates = append(estimates, Estimate{
			Strategy: strategy,
			Total:    selection.Total,
			Fee:      selection.Fee,
			Inputs:   len(selection.Inputs),
		})
	}

	return estimates, nil
}

// selectAll takes every eligible output. The fee still depends on the
// resulting input count.
func (t *CoinSelector) selectAll(eligible []Output, amount uint64, numChange int) ([]Output, uint64, error) {
	fee := t.fee(len(eligible), numChange+1, 1)

	var sum uint64
	for _, output := range eligible {
		sum += output.Value
	}
	if len(eligible) == 0 || sum < amount+fee {
		return nil, 0, errors.Wrapf(ErrInsufficientFunds, "have %d, need %d", sum, amount+fee)
	}

	return eligible, fee, nil
}

// selectSmallest accumulates ascending by value until the sum covers
// amount plus fee, recomputing the fee as the input count grows, then
// drops leading (smallest) inputs that turned out unnecessary. On
// [10 20 70] with target 15 this settles on [20].
func (t *CoinSelector) selectSmallest(eligible []Output, amount uint64, numChange int) ([]Output, uint64, error) {
	sorted := make([]Output, len(eligible))
	copy(sorted, eligible)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Value < sorted[j].Value
	})

	var picked []Output
	var sum uint64
	for _, output := range sorted {
		picked = append(picked, output)
		sum += output.Value
		if sum >= amount+t.fee(len(picked), numChange+1, 1) {
			break
		}
	}

	if len(picked) == 0 || sum < amount+t.fee(len(picked), numChange+1, 1) {
		return nil, 0, errors.Wrapf(ErrInsufficientFunds, "have %d, need %d", sum, amount+t.fee(len(picked), numChange+1, 1))
	}

	// the last output added may cover the target on its own; shed the
	// small ones that no longer pull their weight
	for len(picked) > 1 {
		fee := t.fee(len(picked)-1, numChange+1, 1)
		if sum-picked[0].Value < amount+fee {
			break
		}
		sum -= picked[0].Value
		picked = picked[1:]
	}

	return picked, t.fee(len(picked), numChange+1, 1), nil
}

// splitChange partitions change into equal shares, remainder to the first.
func splitChange(change uint64, numChange int) []uint64 {
	if change == 0 {
		return nil
	}

	shares := make([]uint64, numChange)
	each := change / uint64(numChange)
	for i := range shares {
		shares[i] = each
	}
	shares[0] += change % uint64(numChange)

	// drop zero shares when change is smaller than the requested count
	nonZero := shares[:0]
	for _, share := range shares {
		if share > 0 {
			nonZero = append(nonZero, share)
		}
	}

	return nonZero
}
