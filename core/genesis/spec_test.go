package genesis

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"podescrow/crypto"
)

func TestLoadGenesisSpecParsesAllocations(t *testing.T) {
	addr1 := crypto.MustNewAddress(crypto.EscrowPrefix, bytes.Repeat([]byte{0x02}, 20)).String()
	addr2 := crypto.MustNewAddress(crypto.EscrowPrefix, bytes.Repeat([]byte{0x01}, 20)).String()
	spec := GenesisSpec{
		GenesisTime: "2024-01-01T00:00:00Z",
		Alloc: map[string]string{
			addr1: "1000",
			addr2: "2500",
		},
	}
	path := filepath.Join(t.TempDir(), "genesis.json")
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}

	loaded, err := LoadGenesisSpec(path)
	if err != nil {
		t.Fatalf("load spec: %v", err)
	}
	if loaded.GenesisTimestamp().Year() != 2024 {
		t.Fatalf("unexpected genesis time %s", loaded.GenesisTimestamp())
	}
	allocs := loaded.Allocations()
	if len(allocs) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(allocs))
	}
	if allocs[0].Address[0] != 0x01 || allocs[0].Amount.String() != "2500" {
		t.Fatalf("allocations not sorted by address: %+v", allocs)
	}
}

func TestLoadGenesisSpecRejectsBadInput(t *testing.T) {
	valid := crypto.MustNewAddress(crypto.EscrowPrefix, bytes.Repeat([]byte{0x01}, 20)).String()
	foreign := crypto.MustNewAddress(crypto.AddressPrefix("cosmos"), bytes.Repeat([]byte{0x01}, 20)).String()
	cases := map[string]string{
		"negative amount": `{"alloc":{"` + valid + `":"-1"}}`,
		"bad amount":      `{"alloc":{"` + valid + `":"ten"}}`,
		"foreign prefix":  `{"alloc":{"` + foreign + `":"1"}}`,
		"bad time":        `{"genesisTime":"yesterday"}`,
		"unknown field":   `{"owners":[]}`,
	}
	for name, body := range cases {
		path := filepath.Join(t.TempDir(), "genesis.json")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("%s: write: %v", name, err)
		}
		if _, err := LoadGenesisSpec(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
