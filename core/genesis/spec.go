package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"podescrow/crypto"
)

// GenesisSpec describes the initial ledger balances. Alloc maps bech32
// addresses to decimal amounts.
type GenesisSpec struct {
	GenesisTime string            `json:"genesisTime"`
	Alloc       map[string]string `json:"alloc"`

	genesisTimestamp time.Time
	allocations      []Allocation
}

// Allocation credits Amount to Address when the ledger is first created.
type Allocation struct {
	Address [20]byte
	Amount  *big.Int
}

func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode genesis spec %q: %w", path, err)
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis spec %q: %w", path, err)
	}
	return &spec, nil
}

func (s *GenesisSpec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

// Allocations returns the parsed allocations ordered by address.
func (s *GenesisSpec) Allocations() []Allocation {
	out := make([]Allocation, len(s.allocations))
	for i, alloc := range s.allocations {
		out[i] = Allocation{Address: alloc.Address, Amount: new(big.Int).Set(alloc.Amount)}
	}
	return out
}

func (s *GenesisSpec) validate() error {
	if strings.TrimSpace(s.GenesisTime) != "" {
		ts, err := parseGenesisTime(s.GenesisTime)
		if err != nil {
			return err
		}
		s.genesisTimestamp = ts
	}
	allocs, err := ParseAllocations(s.Alloc)
	if err != nil {
		return err
	}
	s.allocations = allocs
	return nil
}

// ParseAllocations validates an address to amount map and returns the
// allocations sorted by address bytes so genesis is applied deterministically.
func ParseAllocations(raw map[string]string) ([]Allocation, error) {
	seen := make(map[[20]byte]struct{}, len(raw))
	out := make([]Allocation, 0, len(raw))
	for addr, amount := range raw {
		parsed, err := crypto.ParseAddress(strings.TrimSpace(addr))
		if err != nil {
			return nil, fmt.Errorf("alloc %q: %w", addr, err)
		}
		if _, dup := seen[parsed]; dup {
			return nil, fmt.Errorf("alloc %q: duplicate address", addr)
		}
		seen[parsed] = struct{}{}
		value, err := parseAmountString(amount)
		if err != nil {
			return nil, fmt.Errorf("alloc %q: %w", addr, err)
		}
		if value.Sign() == 0 {
			continue
		}
		out = append(out, Allocation{Address: parsed, Amount: value})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out, nil
}

func parseAmountString(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount must be provided")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parseGenesisTime(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid genesisTime %q", value)
}
