package state

import (
	"errors"
	"fmt"

	"podescrow/storage/trie"
)

// StateVersion is the ledger schema this binary reads and writes. Bump it
// whenever a record layout under one of the key prefixes changes.
const StateVersion uint32 = 1

// ErrStateVersionMismatch is returned when the data directory was written by
// an incompatible schema.
var ErrStateVersionMismatch = errors.New("state: schema version mismatch")

func (m *Manager) SetStateVersion(version uint32) error {
	return m.KVPut(schemaVersionKey, version)
}

// StateVersion returns the recorded schema and whether one was recorded.
func (m *Manager) StateVersion() (uint32, bool, error) {
	var stored uint32
	ok, err := m.KVGet(schemaVersionKey, &stored)
	if err != nil || !ok {
		return 0, false, err
	}
	return stored, true, nil
}

// EnsureStateVersion rejects a trie written by another schema. A fresh ledger
// with no recorded version passes.
func EnsureStateVersion(tr *trie.Trie) error {
	if tr == nil {
		return fmt.Errorf("state: trie must not be nil")
	}
	version, ok, err := NewManager(tr).StateVersion()
	if err != nil {
		return err
	}
	if ok && version != StateVersion {
		return fmt.Errorf("%w: on-disk=%d expected=%d", ErrStateVersionMismatch, version, StateVersion)
	}
	return nil
}
