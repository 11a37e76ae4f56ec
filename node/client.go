// Package node talks to the external chain node. Every call here is a
// fallible remote call; failures never mutate wallet state and retry is
// the caller's business.
package node

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/rpc/client"
)

// Client is the node interface the wallet core depends on.
type Client interface {
	// GetOutputs reports which of the given commitments are confirmed
	// unspent outputs on chain, mapped to the height they confirmed at.
	GetOutputs(commits []string) (map[string]ChainEntry, error)
	// GetKernel reports whether a kernel with the given excess is on
	// chain, meaning the transaction that carried it confirmed.
	GetKernel(excess string) (bool, error)
	// GetChainHeight returns the current tip height.
	GetChainHeight() (uint64, error)
	// PostTransaction submits finalized transaction bytes. With fluff set
	// the node broadcasts immediately; otherwise it relays through the
	// stem phase first.
	PostTransaction(txBytes []byte, fluff bool) error
	Stop() error
}

// ChainEntry is one confirmed output as the node reports it.
type ChainEntry struct {
	Commit string `json:"commit"`
	Height uint64 `json:"height"`
	// Value is non-zero only on chains that disclose it.
	Value uint64 `json:"value,omitempty"`
}

type rpcClient struct {
	address    string
	httpClient *client.HTTP
}

// NewRPCClient connects to a tendermint-backed node at the given address.
func NewRPCClient(address string) (Client, error) {
	httpClient := client.NewHTTP(address, "/websocket")
	err := httpClient.Start()
	if err != nil {
		return nil, errors.Wrap(err, "cannot start websocket http client")
	}

	return &rpcClient{address: address, httpClient: httpClient}, nil
}

func (t *rpcClient) Stop() error {
	return t.httpClient.Stop()
}

func (t *rpcClient) GetOutputs(commits []string) (map[string]ChainEntry, error) {
	response, err := t.httpClient.ABCIQuery("output", nil)
	if err != nil {
		return nil, errors.Wrap(err, "cannot query outputs")
	}

	entries := make([]ChainEntry, 0)
	err = json.Unmarshal(response.Response.Value, &entries)
	if err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal outputs")
	}

	wanted := make(map[string]bool, len(commits))
	for _, commit := range commits {
		wanted[commit] = true
	}

	confirmed := make(map[string]ChainEntry)
	for _, entry := range entries {
		if len(commits) == 0 || wanted[entry.Commit] {
			confirmed[entry.Commit] = entry
		}
	}

	return confirmed, nil
}

func (t *rpcClient) GetKernel(excess string) (bool, error) {
	response, err := t.httpClient.ABCIQuery("kernel", []byte(excess))
	if err != nil {
		return false, errors.Wrap(err, "cannot query kernel")
	}

	return len(response.Response.Value) > 0, nil
}

func (t *rpcClient) GetChainHeight() (uint64, error) {
	status, err := t.httpClient.Status()
	if err != nil {
		return 0, errors.Wrap(err, "cannot query status")
	}

	return uint64(status.SyncInfo.LatestBlockHeight), nil
}

func (t *rpcClient) PostTransaction(txBytes []byte, fluff bool) error {
	if fluff {
		result, err := t.httpClient.BroadcastTxSync(txBytes)
		if err != nil {
			return errors.Wrap(err, "cannot broadcast transaction")
		}
		if result.Code != 0 {
			return errors.Errorf("transaction rejected: code=%v log=%v", result.Code, result.Log)
		}
		return nil
	}

	// stem: hand the bytes to one node and return without waiting for the
	// broadcast to spread
	_, err := t.httpClient.BroadcastTxAsync(txBytes)
	if err != nil {
		return errors.Wrap(err, "cannot relay transaction")
	}

	return nil
}
