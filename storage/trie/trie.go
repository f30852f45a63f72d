package trie

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/trie/trienode"
	"github.com/ethereum/go-ethereum/triedb"

	"podescrow/storage"
)

var errEmptyKey = errors.New("trie: key must not be empty")

// Trie is the ledger's authenticated key/value state. Logical keys are
// hashed with keccak256 before they reach the Merkle Patricia trie, so
// callers use readable keys such as "payment/<id>".
//
// A Trie is not safe for concurrent use. Node mutates a Copy and swaps it in
// once the transition has committed.
type Trie struct {
	db    storage.Database
	nodes *triedb.Database
	trie  *gethtrie.Trie
	root  common.Hash
}

// NewTrie opens the trie at root. An empty root opens an empty ledger.
func NewTrie(db storage.Database, root []byte) (*Trie, error) {
	rootHash := gethtypes.EmptyRootHash
	if len(root) > 0 {
		rootHash = common.BytesToHash(root)
	}
	t := &Trie{db: db, nodes: db.TrieDB()}
	if err := t.open(rootHash); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Trie) open(root common.Hash) error {
	underlying, err := gethtrie.New(gethtrie.TrieID(root), t.nodes)
	if err != nil {
		return err
	}
	t.trie = underlying
	t.root = root
	return nil
}

func hashKey(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errEmptyKey
	}
	return crypto.Keccak256(key), nil
}

// Get returns the value stored under key, or nil when absent.
func (t *Trie) Get(key []byte) ([]byte, error) {
	hashed, err := hashKey(key)
	if err != nil {
		return nil, err
	}
	return t.trie.Get(hashed)
}

func (t *Trie) Put(key, value []byte) error {
	hashed, err := hashKey(key)
	if err != nil {
		return err
	}
	return t.trie.Update(hashed, value)
}

// Delete removes key. Missing keys are not an error.
func (t *Trie) Delete(key []byte) error {
	hashed, err := hashKey(key)
	if err != nil {
		return err
	}
	return t.trie.Delete(hashed)
}

// Hash is the root including uncommitted writes.
func (t *Trie) Hash() common.Hash {
	return t.trie.Hash()
}

// Root is the last committed root.
func (t *Trie) Root() common.Hash {
	return t.root
}

// Copy returns an independent working trie over the same node database.
func (t *Trie) Copy() (*Trie, error) {
	return &Trie{db: t.db, nodes: t.nodes, trie: t.trie.Copy(), root: t.root}, nil
}

// Commit flushes dirty nodes as state version and reopens the trie at the new
// root. The previously committed root is recorded as the parent.
func (t *Trie) Commit(version uint64) (common.Hash, error) {
	newRoot, nodes := t.trie.Commit(false)
	if nodes != nil {
		merged := trienode.NewMergedNodeSet()
		if err := merged.Merge(nodes); err != nil {
			return common.Hash{}, err
		}
		if err := t.nodes.Update(newRoot, t.root, version, merged, nil); err != nil {
			return common.Hash{}, err
		}
		if err := t.nodes.Commit(newRoot, false); err != nil {
			return common.Hash{}, err
		}
	}
	if err := t.open(newRoot); err != nil {
		return common.Hash{}, err
	}
	return newRoot, nil
}

// Database returns the backing store.
func (t *Trie) Database() storage.Database {
	return t.db
}
