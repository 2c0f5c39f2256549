package txn_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moodb/moodb/internal/store/storetest"
	"github.com/moodb/moodb/internal/store/txn"
)

// TestConflictRetryViaSharedFixture exercises spec §4.5's optimistic
// read-set validation using storetest's shared fixture builder rather
// than hand-rolling a pool/box/relation/WAL stack, the way a test above
// the storage layer is expected to.
func TestConflictRetryViaSharedFixture(t *testing.T) {
	const rel = uint32(0)
	fx := storetest.New(t, storetest.RelationSpec{ID: rel, Name: "objects"})

	seed := fx.Manager.Begin()
	require.NoError(t, seed.Insert(rel, []byte("k"), []byte("v0")))
	outcome, err := seed.Commit()
	require.NoError(t, err)
	require.Equal(t, txn.Success, outcome)

	reader := fx.Manager.Begin()
	_, _, err = reader.Seek(rel, []byte("k"))
	require.NoError(t, err)

	writer := fx.Manager.Begin()
	require.NoError(t, writer.Update(rel, []byte("k"), []byte("v1")))
	outcome, err = writer.Commit()
	require.NoError(t, err)
	require.Equal(t, txn.Success, outcome)

	require.NoError(t, reader.Update(rel, []byte("k"), []byte("v2")))
	outcome, err = reader.Commit()
	require.NoError(t, err)
	require.Equal(t, txn.ConflictRetry, outcome, "reader's read set is stale after writer's commit")
}
