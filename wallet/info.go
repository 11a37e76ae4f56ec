package wallet

import (
	"os"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

// Info prints the wallet's outputs, negotiations and transactions as
// tables on stdout.
func (t *Wallet) Info() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	outputs, err := t.db.ListOutputs()
	if err != nil {
		return errors.Wrap(err, "cannot ListOutputs")
	}

	// sort outputs decreasing by child key index
	sort.Slice(outputs, func(i, j int) bool {
		return outputs[i].KeyID.Index > outputs[j].KeyID.Index
	})

	outputTable := tablewriter.NewWriter(os.Stdout)
	outputTable.SetHeader([]string{"value", "status", "features", "commit", "height", "key"})
	outputTable.SetCaption(true, "Outputs")
	for _, output := range outputs {
		outputTable.Append([]string{
			strconv.FormatUint(output.Value, 10),
			output.Status.String(),
			output.Features.String(),
			shortCommit(output.Commit),
			strconv.FormatUint(output.Height, 10),
			output.KeyID.String(),
		})
	}
	outputTable.Render()
	print("\n")

	slates, err := t.db.ListSlates()
	if err != nil {
		return errors.Wrap(err, "cannot ListSlates")
	}
	slateTable := tablewriter.NewWriter(os.Stdout)
	slateTable.SetHeader([]string{"id", "status", "role", "round", "amount", "fee", "inputs", "outputs"})
	slateTable.SetCaption(true, "Slates")
	for _, slate := range slates {
		id, _ := slate.Transaction.ID.MarshalText()

		var inputs = ""
		for _, input := range slate.Transaction.Body.Inputs {
			inputs += shortCommit(input.Commit) + " "
		}
		var outputs = ""
		for _, output := range slate.Transaction.Body.Outputs {
			outputs += shortCommit(output.Commit) + " "
		}

		role := "initiator"
		if slate.Role == RoleResponder {
			role = "responder"
		}

		slateTable.Append([]string{
			string(id),
			slate.Status.String(),
			role,
			strconv.Itoa(int(slate.Round)),
			strconv.FormatUint(uint64(slate.Amount), 10),
			strconv.FormatUint(uint64(slate.Fee), 10),
			inputs,
			outputs,
		})
	}
	slateTable.Render()
	print("\n")

	transactions, err := t.db.ListTransactions()
	if err != nil {
		return errors.Wrap(err, "cannot ListTransactions")
	}
	sort.Slice(transactions, func(i, j int) bool {
		return transactions[i].CreatedAt.After(transactions[j].CreatedAt)
	})
	transactionTable := tablewriter.NewWriter(os.Stdout)
	transactionTable.SetHeader([]string{"id", "type", "status", "credited", "debited", "fee", "inputs", "outputs"})
	transactionTable.SetCaption(true, "Transactions")
	for _, tx := range transactions {
		id, _ := tx.SlateID.MarshalText()

		var inputs = ""
		for _, commit := range tx.Inputs {
			inputs += shortCommit(commit) + " "
		}
		var outputs = ""
		for _, commit := range tx.Outputs {
			outputs += shortCommit(commit) + " "
		}

		transactionTable.Append([]string{
			string(id),
			tx.Type.String(),
			tx.Status.String(),
			strconv.FormatUint(tx.AmountCredited, 10),
			strconv.FormatUint(tx.AmountDebited, 10),
			strconv.FormatUint(tx.Fee, 10),
			inputs,
			outputs,
		})
	}
	transactionTable.Render()
	print("\n")

	return nil
}

// PrintOutputs prints the outputs matching the confirmation filter as a
// table on stdout.
func (t *Wallet) PrintOutputs(minConf uint64, includeSpent bool) error {
	iter, err := t.Outputs(minConf, includeSpent)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"value", "status", "features", "commit", "height", "key"})
	table.SetCaption(true, "Outputs")
	for output, ok := iter.Next(); ok; output, ok = iter.Next() {
		table.Append([]string{
			strconv.FormatUint(output.Value, 10),
			output.Status.String(),
			output.Features.String(),
			shortCommit(output.Commit),
			strconv.FormatUint(output.Height, 10),
			output.KeyID.String(),
		})
	}
	table.Render()

	return nil
}

// PrintTransactions prints the transaction records newest first as a table
// on stdout.
func (t *Wallet) PrintTransactions() error {
	iter, err := t.Transactions()
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"id", "type", "status", "credited", "debited", "fee", "inputs", "outputs"})
	table.SetCaption(true, "Transactions")
	for tx, ok := iter.Next(); ok; tx, ok = iter.Next() {
		id, _ := tx.SlateID.MarshalText()

		var inputs = ""
		for _, commit := range tx.Inputs {
			inputs += shortCommit(commit) + " "
		}
		var outputs = ""
		for _, commit := range tx.Outputs {
			outputs += shortCommit(commit) + " "
		}

		table.Append([]string{
			string(id),
			tx.Type.String(),
			tx.Status.String(),
			strconv.FormatUint(tx.AmountCredited, 10),
			strconv.FormatUint(tx.AmountDebited, 10),
			strconv.FormatUint(tx.Fee, 10),
			inputs,
			outputs,
		})
	}
	table.Render()

	return nil
}

func shortCommit(commit string) string {
	if len(commit) < 4 {
		return commit
	}
	return commit[0:4]
}
