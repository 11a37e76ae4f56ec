package main

import (
	"fmt"
	"io/ioutil"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mwkit/slatewallet/ledger"
	"github.com/mwkit/slatewallet/node"
	"github.com/mwkit/slatewallet/wallet"
)

var (
	flagFluff             bool
	flagStrategy          string
	flagMinConf           uint64
	flagNumChange         int
	flagMessage           string
	flagDeleteUnconfirmed bool
	flagIncludeSpent      bool
)

// openWallet loads the config and opens the wallet, connecting to the node
// only when the command needs one.
func openWallet(withNode bool) (*wallet.Wallet, func(), error) {
	config, err := wallet.LoadConfig()
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot load config")
	}

	var client node.Client
	if withNode {
		client, err = node.NewRPCClient(config.NodeAddress)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "cannot connect to node at %v", config.NodeAddress)
		}
	}

	w, err := wallet.NewWallet(config, client)
	if err != nil {
		if client != nil {
			_ = client.Stop()
		}
		return nil, nil, err
	}

	closer := func() {
		w.Close()
		if client != nil {
			_ = client.Stop()
		}
	}

	return w, closer, nil
}

func sendOptions() *wallet.SendOptions {
	opts := &wallet.SendOptions{
		MinConfirmations: flagMinConf,
		NumChangeOutputs: flagNumChange,
	}
	if flagStrategy != "" {
		strategy, err := wallet.ParseStrategy(flagStrategy)
		if err == nil {
			opts.Strategy = strategy
		}
	}
	if flagMessage != "" {
		opts.Message = &flagMessage
	}
	return opts
}

func parseAmount(s string) (uint64, error) {
	amount, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "cannot parse amount")
	}
	return amount, nil
}

func main() {
	var initCmd = &cobra.Command{
		Use:   "init [mnemonic...]",
		Short: "Creates the wallet master key",
		Long:  `Creates the master key from a bip39 mnemonic, generating a new one when none is given. Print and back up the mnemonic.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := wallet.LoadConfig()
			if err != nil {
				return errors.Wrap(err, "cannot load config")
			}
			w, err := wallet.NewWalletWithoutMasterKey(config, nil)
			if err != nil {
				return err
			}
			defer w.Close()

			mnemonic := ""
			for i, word := range args {
				if i > 0 {
					mnemonic += " "
				}
				mnemonic += word
			}

			created, err := w.Init(mnemonic)
			if err != nil {
				return errors.Wrap(err, "cannot init wallet")
			}
			fmt.Printf("wallet initialized in %v\nmnemonic: %v\n", config.Dir, created)
			return nil
		},
	}

	var issueCmd = &cobra.Command{
		Use:   "issue amount",
		Short: "Creates a coinbase output in the wallet",
		Long:  `Creates a coinbase output in own wallet. Use for testing only.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			w, closer, err := openWallet(false)
			if err != nil {
				return err
			}
			defer closer()

			issueBytes, err := w.Issue(amount)
			if err != nil {
				return errors.Wrap(err, "cannot wallet.Issue")
			}
			fileName := "tx-issue-" + args[0] + ".json"
			err = ioutil.WriteFile(fileName, issueBytes, 0644)
			if err != nil {
				return errors.Wrap(err, "cannot write file "+fileName)
			}
			fmt.Printf("wrote issue of %v, send it to the network: post %v\n", args[0], fileName)
			return nil
		},
	}

	var sendCmd = &cobra.Command{
		Use:   "send amount",
		Short: "Initiates a send transaction",
		Long:  `Selects and locks inputs and creates a json file with a slate to pass to the receiver.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			w, closer, err := openWallet(false)
			if err != nil {
				return err
			}
			defer closer()

			slateBytes, err := w.Send(amount, sendOptions())
			if err != nil {
				return errors.Wrap(err, "cannot wallet.Send")
			}
			id, err := wallet.ParseIDFromSlate(slateBytes)
			if err != nil {
				return errors.Wrap(err, "cannot parse id from slate")
			}
			fileName := "slate-send-" + id.String() + ".json"
			err = ioutil.WriteFile(fileName, slateBytes, 0644)
			if err != nil {
				return errors.Wrap(err, "cannot write file "+fileName)
			}
			fmt.Printf("wrote slate, pass it to the receiver to fill in and respond: receive %v\n", fileName)
			return nil
		},
	}

	var receiveCmd = &cobra.Command{
		Use:   "receive slate_send_file",
		Short: "Receives transfer by creating a response slate",
		Long:  `Creates a json file with a response slate with own output and partial signature from the sender's slate file.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slateBytes, err := ioutil.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "cannot read sender slate file "+args[0])
			}
			w, closer, err := openWallet(false)
			if err != nil {
				return err
			}
			defer closer()

			var message *string
			if flagMessage != "" {
				message = &flagMessage
			}

			responseBytes, err := w.Receive(slateBytes, message)
			if err != nil {
				return errors.Wrap(err, "cannot wallet.Receive")
			}
			id, err := wallet.ParseIDFromSlate(responseBytes)
			if err != nil {
				return errors.Wrap(err, "cannot parse id from slate")
			}
			fileName := "slate-receive-" + id.String() + ".json"
			err = ioutil.WriteFile(fileName, responseBytes, 0644)
			if err != nil {
				return errors.Wrap(err, "cannot write file "+fileName)
			}
			fmt.Printf("wrote slate, pass it back to the sender: finalize %v\n", fileName)
			return nil
		},
	}

	var finalizeCmd = &cobra.Command{
		Use:   "finalize slate_response_file",
		Short: "Finalizes a negotiation into a complete transaction",
		Long:  `Creates a json file with a transaction to be posted to the network. Works for send and invoice negotiations alike.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slateBytes, err := ioutil.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "cannot read response slate file "+args[0])
			}
			w, closer, err := openWallet(false)
			if err != nil {
				return err
			}
			defer closer()

			txBytes, err := w.Finalize(slateBytes)
			if err != nil {
				return errors.Wrap(err, "cannot wallet.Finalize")
			}
			id, err := wallet.ParseIDFromSlate(slateBytes)
			if err != nil {
				return errors.Wrap(err, "cannot parse id from slate")
			}
			fileName := "tx-" + id.String() + ".json"
			err = ioutil.WriteFile(fileName, txBytes, 0644)
			if err != nil {
				return errors.Wrap(err, "cannot write file "+fileName)
			}
			fmt.Printf("wrote transaction %v, send it to the network: post %v\nthen tell wallet it has been confirmed: confirm %v\n", id, fileName, id)
			return nil
		},
	}

	var invoiceCmd = &cobra.Command{
		Use:   "invoice amount",
		Short: "Requests a payment by creating an invoice slate",
		Long:  `Creates a json file with an invoice slate naming the amount this wallet wants to receive. Pass it to the payer.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			w, closer, err := openWallet(false)
			if err != nil {
				return err
			}
			defer closer()

			var message *string
			if flagMessage != "" {
				message = &flagMessage
			}

			slateBytes, err := w.Invoice(amount, message)
			if err != nil {
				return errors.Wrap(err, "cannot wallet.Invoice")
			}
			id, err := wallet.ParseIDFromSlate(slateBytes)
			if err != nil {
				return errors.Wrap(err, "cannot parse id from slate")
			}
			fileName := "slate-invoice-" + id.String() + ".json"
			err = ioutil.WriteFile(fileName, slateBytes, 0644)
			if err != nil {
				return errors.Wrap(err, "cannot write file "+fileName)
			}
			fmt.Printf("wrote invoice slate, pass it to the payer: pay %v\n", fileName)
			return nil
		},
	}

	var payCmd = &cobra.Command{
		Use:   "pay slate_invoice_file",
		Short: "Pays an invoice by funding and signing its slate",
		Long:  `Selects and locks inputs for the invoiced amount and creates a json file with the signed response. Pass it back to the invoicing party to finalize.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slateBytes, err := ioutil.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "cannot read invoice slate file "+args[0])
			}
			w, closer, err := openWallet(false)
			if err != nil {
				return err
			}
			defer closer()

			responseBytes, err := w.Pay(slateBytes, sendOptions())
			if err != nil {
				return errors.Wrap(err, "cannot wallet.Pay")
			}
			id, err := wallet.ParseIDFromSlate(responseBytes)
			if err != nil {
				return errors.Wrap(err, "cannot parse id from slate")
			}
			fileName := "slate-pay-" + id.String() + ".json"
			err = ioutil.WriteFile(fileName, responseBytes, 0644)
			if err != nil {
				return errors.Wrap(err, "cannot write file "+fileName)
			}
			fmt.Printf("wrote slate, pass it back to the invoicing party: finalize %v\n", fileName)
			return nil
		},
	}

	var cancelCmd = &cobra.Command{
		Use:   "cancel transaction_id",
		Short: "Cancels an in-flight transaction",
		Long:  `Releases the locked inputs of a non-confirmed transaction and discards its unconfirmed outputs.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return errors.Wrap(err, "cannot parse transaction id")
			}
			w, closer, err := openWallet(false)
			if err != nil {
				return err
			}
			defer closer()

			err = w.Cancel(id)
			if err != nil {
				return errors.Wrap(err, "cannot wallet.Cancel")
			}
			fmt.Printf("cancelled transaction %v\n", id)
			return nil
		},
	}

	var confirmCmd = &cobra.Command{
		Use:   "confirm transaction_id",
		Short: "Tells the wallet the transaction has been confirmed",
		Long:  `Marks a transaction confirmed so its outputs become spendable and its inputs spent. With a node configured the kernel is checked on chain first.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return errors.Wrap(err, "cannot parse transaction id")
			}
			w, closer, err := openWallet(true)
			if err != nil {
				return err
			}
			defer closer()

			err = w.Confirm(id)
			if err != nil {
				return errors.Wrap(err, "cannot wallet.Confirm")
			}
			fmt.Printf("confirmed transaction %v\n", id)
			return nil
		},
	}

	var postCmd = &cobra.Command{
		Use:   "post transaction_file",
		Short: "Posts a finalized transaction to the network",
		Long:  `Submits the transaction through the stem relay by default; use --fluff to broadcast immediately.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txBytes, err := ioutil.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "cannot read transaction file "+args[0])
			}
			w, closer, err := openWallet(true)
			if err != nil {
				return err
			}
			defer closer()

			err = w.Post(txBytes, flagFluff)
			if err != nil {
				return errors.Wrap(err, "cannot wallet.Post")
			}
			fmt.Println("posted transaction")
			return nil
		},
	}

	var repostCmd = &cobra.Command{
		Use:   "repost transaction_id",
		Short: "Reposts a finalized transaction that never confirmed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return errors.Wrap(err, "cannot parse transaction id")
			}
			w, closer, err := openWallet(true)
			if err != nil {
				return err
			}
			defer closer()

			err = w.Repost(id, flagFluff)
			if err != nil {
				return errors.Wrap(err, "cannot wallet.Repost")
			}
			fmt.Printf("reposted transaction %v\n", id)
			return nil
		},
	}

	var estimateCmd = &cobra.Command{
		Use:   "estimate amount",
		Short: "Estimates fee and inputs per selection strategy",
		Long:  `Dry-runs coin selection for every strategy without locking anything.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			w, closer, err := openWallet(false)
			if err != nil {
				return err
			}
			defer closer()

			estimates, err := w.Estimate(amount, sendOptions())
			if err != nil {
				return errors.Wrap(err, "cannot wallet.Estimate")
			}
			for _, e := range estimates {
				fmt.Printf("strategy=%v inputs=%v total=%v fee=%v\n", e.Strategy, e.Inputs, e.Total, e.Fee)
			}
			return nil
		},
	}

	var balanceCmd = &cobra.Command{
		Use:   "balance",
		Short: "Prints the wallet balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, closer, err := openWallet(false)
			if err != nil {
				return err
			}
			defer closer()

			balance, err := w.Balance()
			if err != nil {
				return errors.Wrap(err, "cannot wallet.Balance")
			}
			fmt.Printf("spendable=%v awaiting_confirmation=%v locked=%v total=%v\n",
				balance.Spendable, balance.AwaitingConfirmation, balance.Locked, balance.Total)
			return nil
		},
	}

	var infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints out outputs, slates, transactions",
		Long:  `Prints out outputs, slates, transactions stored in the wallet.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, closer, err := openWallet(false)
			if err != nil {
				return err
			}
			defer closer()

			err = w.Info()
			if err != nil {
				return errors.Wrap(err, "cannot wallet.Info")
			}
			return nil
		},
	}

	var outputsCmd = &cobra.Command{
		Use:   "outputs",
		Short: "Prints the wallet outputs",
		Long:  `Prints outputs matching the confirmation filter. Use --include-spent to also list spent and cancelled ones.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, closer, err := openWallet(false)
			if err != nil {
				return err
			}
			defer closer()

			err = w.PrintOutputs(flagMinConf, flagIncludeSpent)
			if err != nil {
				return errors.Wrap(err, "cannot wallet.PrintOutputs")
			}
			return nil
		},
	}

	var txsCmd = &cobra.Command{
		Use:   "txs",
		Short: "Prints the wallet transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, closer, err := openWallet(false)
			if err != nil {
				return err
			}
			defer closer()

			err = w.PrintTransactions()
			if err != nil {
				return errors.Wrap(err, "cannot wallet.PrintTransactions")
			}
			return nil
		},
	}

	var reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "Repairs wallet state against the chain",
		Long:  `Queries the node for confirmed outputs, fixes local output states and rediscovers lost outputs derivable from the seed. Use --delete-unconfirmed to also cancel negotiations the chain never saw.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, closer, err := openWallet(true)
			if err != nil {
				return err
			}
			defer closer()

			err = w.Reconcile(flagDeleteUnconfirmed)
			if err != nil {
				return errors.Wrap(err, "cannot wallet.Reconcile")
			}
			fmt.Println("reconciled wallet against chain")
			return nil
		},
	}

	var sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Expires negotiations that outlived their TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, closer, err := openWallet(false)
			if err != nil {
				return err
			}
			defer closer()

			expired, err := w.Sweep(time.Now())
			if err != nil {
				return errors.Wrap(err, "cannot wallet.Sweep")
			}
			fmt.Printf("expired %v negotiations\n", expired)
			return nil
		},
	}

	var validateCmd = &cobra.Command{
		Use:   "validate transaction_file",
		Short: "Validates a transaction standalone",
		Long:  `Validates the transaction's signature, the sum of inputs and outputs and the bulletproofs.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txBytes, err := ioutil.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "cannot read transaction file "+args[0])
			}
			tx, err := ledger.ValidateTransactionBytes(txBytes)
			if err != nil {
				return errors.Wrap(err, "cannot validate transaction")
			}
			fmt.Printf("transaction %v is valid\n", tx.ID)
			return nil
		},
	}

	var rootCmd = &cobra.Command{
		Use:          "mww",
		Short:        "Mimblewimble wallet",
		Long:         `Wallet implementing the slate-based interactive Mimblewimble transaction protocol.`,
		SilenceUsage: true,
	}

	for _, c := range []*cobra.Command{sendCmd, payCmd, estimateCmd} {
		c.Flags().StringVar(&flagStrategy, "strategy", "", "coin selection strategy: smallest or all")
		c.Flags().Uint64Var(&flagMinConf, "min-confirmations", 0, "minimum confirmations for spendable inputs")
		c.Flags().IntVar(&flagNumChange, "num-change", 1, "number of change outputs")
	}
	for _, c := range []*cobra.Command{sendCmd, payCmd, invoiceCmd, receiveCmd} {
		c.Flags().StringVar(&flagMessage, "message", "", "participant message to attach to the slate")
	}
	for _, c := range []*cobra.Command{postCmd, repostCmd} {
		c.Flags().BoolVar(&flagFluff, "fluff", false, "broadcast immediately instead of stem relay")
	}
	reconcileCmd.Flags().BoolVar(&flagDeleteUnconfirmed, "delete-unconfirmed", false, "cancel negotiations the chain never saw and release their locks")
	outputsCmd.Flags().Uint64Var(&flagMinConf, "min-confirmations", 0, "only outputs with at least this many confirmations")
	outputsCmd.Flags().BoolVar(&flagIncludeSpent, "include-spent", false, "also list spent and cancelled outputs")

	rootCmd.AddCommand(initCmd, issueCmd, sendCmd, receiveCmd, finalizeCmd, invoiceCmd, payCmd,
		cancelCmd, confirmCmd, postCmd, repostCmd, estimateCmd, balanceCmd, infoCmd,
		outputsCmd, txsCmd, reconcileCmd, sweepCmd, validateCmd)

	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
