package state

import "math/big"

func balanceKey(addr [20]byte) []byte {
	return prefixedKey(balancePrefix, addr[:])
}

func allowanceKey(owner, spender [20]byte) []byte {
	return prefixedKey(allowancePrefix, owner[:], spender[:])
}

// TokenBalance returns the ledger balance of addr. Unknown accounts hold zero.
func (m *Manager) TokenBalance(addr [20]byte) (*big.Int, error) {
	return m.loadAmount(balanceKey(addr))
}

// SetTokenBalance stores the ledger balance of addr. Zero balances are removed
// from the trie.
func (m *Manager) SetTokenBalance(addr [20]byte, amount *big.Int) error {
	return m.storeAmount(balanceKey(addr), amount)
}

// TokenAllowance returns how much spender may pull from owner.
func (m *Manager) TokenAllowance(owner, spender [20]byte) (*big.Int, error) {
	return m.loadAmount(allowanceKey(owner, spender))
}

// SetTokenAllowance stores the allowance owner granted to spender.
func (m *Manager) SetTokenAllowance(owner, spender [20]byte, amount *big.Int) error {
	return m.storeAmount(allowanceKey(owner, spender), amount)
}
