package wallet

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwkit/slatewallet/ledger"
)

func TestLockIsExclusive(t *testing.T) {
	db := testDb(t)
	set := NewOutputSet(db)

	require.NoError(t, db.PutOutput(fakeOutput("in1", 10, OutputUnspent, 1)))
	require.NoError(t, db.PutOutput(fakeOutput("in2", 20, OutputUnspent, 1)))

	first := uuid.New()
	locked, err := set.Lock([]string{"in1", "in2"}, first)
	require.NoError(t, err)
	require.NoError(t, db.Save(locked, nil, nil))

	for _, commit := range []string{"in1", "in2"} {
		output, err := db.GetOutput(commit)
		require.NoError(t, err)
		assert.Equal(t, OutputLocked, output.Status)
		assert.Equal(t, first, output.SlateID)
	}

	// a second negotiation cannot take the same outputs
	_, err = set.Lock([]string{"in1"}, uuid.New())
	assert.Equal(t, ErrAlreadyLocked, errors.Cause(err))

	output, err := db.GetOutput("in1")
	require.NoError(t, err)
	assert.Equal(t, first, output.SlateID)
}

func TestLockAllOrNothing(t *testing.T) {
	db := testDb(t)
	set := NewOutputSet(db)

	require.NoError(t, db.PutOutput(fakeOutput("free", 10, OutputUnspent, 1)))
	require.NoError(t, db.PutOutput(fakeOutput("taken", 20, OutputLocked, 1)))

	pending, err := set.Lock([]string{"free", "taken"}, uuid.New())
	assert.Equal(t, ErrAlreadyLocked, errors.Cause(err))
	assert.Nil(t, pending)

	// the lockable output must not have been locked by the failed call
	output, err := db.GetOutput("free")
	require.NoError(t, err)
	assert.Equal(t, OutputUnspent, output.Status)
}

func TestUnlockReleasesOnlyLocked(t *testing.T) {
	db := testDb(t)
	set := NewOutputSet(db)

	locked := fakeOutput("locked", 10, OutputLocked, 1)
	locked.SlateID = uuid.New()
	require.NoError(t, db.PutOutput(locked))
	require.NoError(t, db.PutOutput(fakeOutput("spent", 20, OutputSpent, 1)))

	released := set.Unlock([]string{"locked", "spent", "unknown"})
	require.Len(t, released, 1)
	require.NoError(t, db.Save(released, nil, nil))

	output, err := db.GetOutput("locked")
	require.NoError(t, err)
	assert.Equal(t, OutputUnspent, output.Status)
	assert.Equal(t, uuid.Nil, output.SlateID)

	output, err = db.GetOutput("spent")
	require.NoError(t, err)
	assert.Equal(t, OutputSpent, output.Status)
}

func TestRecordNeverRevertsSpent(t *testing.T) {
	db := testDb(t)
	set := NewOutputSet(db)

	output := fakeOutput("gone", 10, OutputSpent, 1)
	require.NoError(t, db.PutOutput(output))

	_, err := set.Record(output, OutputUnspent)
	assert.Equal(t, ErrConflict, errors.Cause(err))

	stored, err := db.GetOutput("gone")
	require.NoError(t, err)
	assert.Equal(t, OutputSpent, stored.Status)
}

func TestSpendAndConfirmSkipTerminalStates(t *testing.T) {
	db := testDb(t)
	set := NewOutputSet(db)

	require.NoError(t, db.PutOutput(fakeOutput("live", 10, OutputLocked, 1)))
	require.NoError(t, db.PutOutput(fakeOutput("done", 20, OutputSpent, 1)))
	require.NoError(t, db.PutOutput(fakeOutput("new", 30, OutputUnconfirmed, 0)))

	spent := set.Spend([]string{"live", "done", "unknown"})
	require.Len(t, spent, 1)
	assert.Equal(t, "live", spent[0].Commit)
	assert.Equal(t, OutputSpent, spent[0].Status)

	confirmed := set.Confirm([]string{"new", "done"}, 9)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "new", confirmed[0].Commit)
	assert.Equal(t, OutputUnspent, confirmed[0].Status)
	assert.Equal(t, uint64(9), confirmed[0].Height)

	cancelled := set.CancelUnconfirmed([]string{"new", "done", "live"})
	require.Len(t, cancelled, 1)
	assert.Equal(t, "new", cancelled[0].Commit)
	assert.Equal(t, OutputCancelled, cancelled[0].Status)
}

func TestQueryFiltersAndRestarts(t *testing.T) {
	db := testDb(t)
	set := NewOutputSet(db)

	require.NoError(t, db.PutOutput(fakeOutput("deep", 10, OutputUnspent, 1)))
	require.NoError(t, db.PutOutput(fakeOutput("shallow", 20, OutputUnspent, 9)))
	require.NoError(t, db.PutOutput(fakeOutput("spent", 30, OutputSpent, 1)))

	iter, err := set.Query(5, false, 10)
	require.NoError(t, err)

	count := 0
	for output, ok := iter.Next(); ok; output, ok = iter.Next() {
		assert.Equal(t, "deep", output.Commit)
		count++
	}
	assert.Equal(t, 1, count)

	// restartable: a second pass sees the same outputs
	iter.Reset()
	_, ok := iter.Next()
	assert.True(t, ok)

	// includeSpent widens the result
	iter, err = set.Query(0, true, 10)
	require.NoError(t, err)
	count = 0
	for _, ok := iter.Next(); ok; _, ok = iter.Next() {
		count++
	}
	assert.Equal(t, 3, count)
}

func TestReconcileTransitions(t *testing.T) {
	db := testDb(t)
	set := NewOutputSet(db)
	keychain := testKeychain(t)

	slateID := uuid.New()
	pending := fakeOutput("pending", 10, OutputUnconfirmed, 0)
	pending.SlateID = slateID
	require.NoError(t, db.PutOutput(pending))
	require.NoError(t, db.PutOutput(fakeOutput("vanished", 20, OutputUnspent, 1)))
	require.NoError(t, db.PutOutput(fakeOutput("stuck", 30, OutputLocked, 1)))

	view := ChainView{
		TipHeight: 50,
		Outputs: map[string]ChainOutput{
			"pending": {Output: ledger.Output{Commit: "pending"}, Height: 42},
		},
	}

	confirmed, err := set.Reconcile(keychain, view, true)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{slateID}, confirmed)

	output, err := db.GetOutput("pending")
	require.NoError(t, err)
	assert.Equal(t, OutputUnspent, output.Status)
	assert.Equal(t, uint64(42), output.Height)

	output, err = db.GetOutput("vanished")
	require.NoError(t, err)
	assert.Equal(t, OutputSpent, output.Status)

	output, err = db.GetOutput("stuck")
	require.NoError(t, err)
	assert.Equal(t, OutputUnspent, output.Status)
	assert.Equal(t, uuid.Nil, output.SlateID)
}

func TestReconcileKeepsLocksWithoutDelete(t *testing.T) {
	db := testDb(t)
	set := NewOutputSet(db)
	keychain := testKeychain(t)

	require.NoError(t, db.PutOutput(fakeOutput("stuck", 30, OutputLocked, 1)))

	_, err := set.Reconcile(keychain, ChainView{TipHeight: 50}, false)
	require.NoError(t, err)

	output, err := db.GetOutput("stuck")
	require.NoError(t, err)
	assert.Equal(t, OutputLocked, output.Status)
}

func TestReconcileRediscoversFromSeed(t *testing.T) {
	db := testDb(t)
	set := NewOutputSet(db)
	keychain := testKeychain(t)

	// an output derived from the seed that the wallet database lost
	lost := fundOutput(t, keychain, db, 77)
	require.NoError(t, db.PutOutput(fakeOutput("keep", 10, OutputUnspent, 1)))

	fresh, err := NewLeveldbDatabase(t.TempDir())
	require.NoError(t, err)
	defer fresh.Close()
	freshSet := NewOutputSet(fresh)

	view := ChainView{
		TipHeight: 50,
		Outputs: map[string]ChainOutput{
			lost.Commit: {Output: lost.Output, Height: 7, Value: 77},
		},
	}

	_, err = freshSet.Reconcile(keychain, view, false)
	require.NoError(t, err)

	restored, err := fresh.GetOutput(lost.Commit)
	require.NoError(t, err)
	assert.Equal(t, OutputUnspent, restored.Status)
	assert.Equal(t, uint64(77), restored.Value)
	assert.Equal(t, lost.KeyID, restored.KeyID)
	assert.Equal(t, uint64(7), restored.Height)
}
