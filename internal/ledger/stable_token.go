package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// BalanceEntry is one (user, balance) pair of the stable token.
type BalanceEntry struct {
	User    string
	Balance uint256.Int
}

// StableTokenSnapshot is a read-only copy of the stable token ledger.
type StableTokenSnapshot struct {
	TotalSupply uint256.Int
	Balances    []BalanceEntry // first-insertion order
}

// StableToken is the fungible balance table minted 1:1 with deposits.
// Not thread-safe: only accessed under the engine lock.
type StableToken struct {
	totalSupply uint256.Int
	balances    map[string]*uint256.Int
	order       []string
}

func NewStableToken() *StableToken {
	return &StableToken{
		balances: make(map[string]*uint256.Int),
	}
}

// CanCredit reports whether crediting amount keeps total supply within
// 256 bits. Individual balances never exceed the supply.
func (st *StableToken) CanCredit(amount *uint256.Int) bool {
	var next uint256.Int
	_, overflow := next.AddOverflow(&st.totalSupply, amount)
	return !overflow
}

// Credit increases user's balance and the total supply by amount. A zero
// amount still records the user in enumeration order.
func (st *StableToken) Credit(user string, amount *uint256.Int) {
	bal, ok := st.balances[user]
	if !ok {
		bal = new(uint256.Int)
		st.balances[user] = bal
		st.order = append(st.order, user)
	}
	bal.Add(bal, amount)
	st.totalSupply.Add(&st.totalSupply, amount)
}

// BalanceOf returns user's balance, zero if never credited.
func (st *StableToken) BalanceOf(user string) uint256.Int {
	if bal, ok := st.balances[user]; ok {
		return *bal
	}
	return uint256.Int{}
}

// TotalSupply returns the current total supply.
func (st *StableToken) TotalSupply() uint256.Int {
	return st.totalSupply
}

// Snapshot returns the total supply and balances in first-insertion order.
func (st *StableToken) Snapshot() StableTokenSnapshot {
	snap := StableTokenSnapshot{
		TotalSupply: st.totalSupply,
		Balances:    make([]BalanceEntry, 0, len(st.order)),
	}
	for _, user := range st.order {
		snap.Balances = append(snap.Balances, BalanceEntry{User: user, Balance: *st.balances[user]})
	}
	return snap
}

// SumBalances recomputes Σ balances. Used by the invariant validator.
func (st *StableToken) SumBalances() (uint256.Int, bool) {
	var sum uint256.Int
	for _, user := range st.order {
		if _, overflow := sum.AddOverflow(&sum, st.balances[user]); overflow {
			return sum, false
		}
	}
	return sum, true
}

// Restore replaces the ledger contents. The total supply is recomputed from
// the entries.
func (st *StableToken) Restore(entries []BalanceEntry) error {
	balances := make(map[string]*uint256.Int, len(entries))
	order := make([]string, 0, len(entries))
	var total uint256.Int

	for _, e := range entries {
		if _, dup := balances[e.User]; dup {
			return fmt.Errorf("duplicate stable balance %q in restore set", e.User)
		}
		bal := e.Balance
		balances[e.User] = &bal
		order = append(order, e.User)
		if _, overflow := total.AddOverflow(&total, &bal); overflow {
			return fmt.Errorf("total supply overflows at balance %q", e.User)
		}
	}

	st.balances = balances
	st.order = order
	st.totalSupply = total
	return nil
}
