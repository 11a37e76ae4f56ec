package wallet

import (
	"testing"

	"github.com/blockcypher/libgrin/core"
	"github.com/olegabu/go-secp256k1-zkp"
	"github.com/stretchr/testify/require"
)

func testDb(t *testing.T) Database {
	db, err := NewLeveldbDatabase(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func testKeychain(t *testing.T) *KeyChain {
	keychain := NewKeyChainUninitialized(t.TempDir())
	_, err := keychain.Init("")
	require.NoError(t, err)
	return keychain
}

// fakeOutput builds an output with a placeholder commitment, good enough
// for selection and lifecycle tests that never touch the crypto.
func fakeOutput(commit string, value uint64, status OutputStatus, height uint64) Output {
	return Output{
		Output: core.Output{Features: core.PlainOutput, Commit: commit},
		Value:  value,
		KeyID:  KeyID{Index: 0},
		Height: height,
		Status: status,
	}
}

// fundOutput creates a real spendable output whose blinding factor derives
// from the keychain, for protocol round tests.
func fundOutput(t *testing.T, keychain *KeyChain, db Database, value uint64) Output {
	context, err := secp256k1.ContextCreate(secp256k1.ContextSign)
	require.NoError(t, err)
	defer secp256k1.ContextDestroy(context)

	index, err := db.NextIndex()
	require.NoError(t, err)
	keyID := KeyID{Index: index}

	blind, err := keychain.DeriveBlindingFactor(keyID)
	require.NoError(t, err)

	slateOutput, err := createOutput(context, blind, value, core.CoinbaseOutput)
	require.NoError(t, err)

	output := Output{
		Output: slateOutput,
		Value:  value,
		KeyID:  keyID,
		Status: OutputUnspent,
	}
	require.NoError(t, db.PutOutput(output))

	return output
}

func zeroFee(inputs, outputs, kernels int) uint64 {
	return 0
}
