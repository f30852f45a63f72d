package config

import (
	"fmt"
	"strings"

	"podescrow/core/genesis"
)

// GenesisAllocations merges the inline [Genesis] table with GenesisFile. An
// address listed in both is rejected.
func (c *Config) GenesisAllocations() ([]genesis.Allocation, error) {
	inline, err := genesis.ParseAllocations(c.Genesis)
	if err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	if strings.TrimSpace(c.GenesisFile) == "" {
		return inline, nil
	}
	spec, err := genesis.LoadGenesisSpec(c.GenesisFile)
	if err != nil {
		return nil, err
	}
	fromFile := spec.Allocations()
	seen := make(map[[20]byte]struct{}, len(inline))
	for _, alloc := range inline {
		seen[alloc.Address] = struct{}{}
	}
	for _, alloc := range fromFile {
		if _, dup := seen[alloc.Address]; dup {
			return nil, fmt.Errorf("genesis: address %x allocated in both config and %s", alloc.Address, c.GenesisFile)
		}
	}
	return append(inline, fromFile...), nil
}
