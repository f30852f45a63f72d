package trie

import (
	"testing"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"podescrow/storage"
)

func TestCommitPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db1, err := storage.NewLevelDB(dir)
	require.NoError(t, err)

	tr, err := NewTrie(db1, nil)
	require.NoError(t, err)
	require.Equal(t, gethtypes.EmptyRootHash, tr.Root())

	require.NoError(t, tr.Put([]byte("payment/1"), []byte("pending")))
	root, err := tr.Commit(1)
	require.NoError(t, err)
	require.Equal(t, root, tr.Root())

	db1.Close()

	db2, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	restored, err := NewTrie(db2, root.Bytes())
	require.NoError(t, err)

	got, err := restored.Get([]byte("payment/1"))
	require.NoError(t, err)
	require.Equal(t, []byte("pending"), got)

	missing, err := restored.Get([]byte("payment/2"))
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestCopyIsolatesUncommittedWrites(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	base, err := NewTrie(db, nil)
	require.NoError(t, err)
	require.NoError(t, base.Put([]byte("payment/7"), []byte("pending")))
	root, err := base.Commit(1)
	require.NoError(t, err)

	working, err := base.Copy()
	require.NoError(t, err)
	require.NoError(t, working.Put([]byte("payment/7"), []byte("completed")))
	require.NoError(t, working.Delete([]byte("absent")))

	got, err := base.Get([]byte("payment/7"))
	require.NoError(t, err)
	require.Equal(t, []byte("pending"), got)
	require.Equal(t, root, base.Root())
	require.Equal(t, root, working.Root())
	require.NotEqual(t, root, working.Hash())

	next, err := working.Commit(2)
	require.NoError(t, err)
	require.Equal(t, next, working.Root())
	require.Same(t, db, working.Database())
}

func TestEmptyKeyRejected(t *testing.T) {
	tr, err := NewTrie(storage.NewMemDB(), nil)
	require.NoError(t, err)
	require.Error(t, tr.Put(nil, []byte("x")))
	_, err = tr.Get([]byte{})
	require.Error(t, err)
	require.Error(t, tr.Delete(nil))
}
