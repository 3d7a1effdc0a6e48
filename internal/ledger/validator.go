package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// CollateralPolicy decides whether a (collateral, borrowed) pair is safe.
// Satisfied by *state.RiskEngine; declared here to avoid an import cycle.
type CollateralPolicy interface {
	IsSafe(collateral, borrowed *uint256.Int) bool
}

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	accounts *AccountBook
	stable   *StableToken
	policy   CollateralPolicy
}

func NewInvariantValidator(accounts *AccountBook, stable *StableToken, policy CollateralPolicy) *InvariantValidator {
	return &InvariantValidator{
		accounts: accounts,
		stable:   stable,
		policy:   policy,
	}
}

// ValidateJournal verifies a journal is well-formed before it is emitted.
func (v *InvariantValidator) ValidateJournal(j *Journal) error {
	return j.Validate()
}

// ValidateAccount checks collateral >= ratio * borrowed for one user.
func (v *InvariantValidator) ValidateAccount(user string) error {
	acct := v.accounts.Get(user)
	if !v.policy.IsSafe(&acct.Collateral, &acct.Borrowed) {
		return fmt.Errorf("account %q under-collateralized: collateral=%s borrowed=%s",
			user, acct.Collateral.Dec(), acct.Borrowed.Dec())
	}
	return nil
}

// ValidateAllAccounts runs ValidateAccount over every known user.
func (v *InvariantValidator) ValidateAllAccounts() error {
	for _, user := range v.accounts.Users() {
		if err := v.ValidateAccount(user); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSupply verifies total_supply == Σ balances == Σ deposited.
func (v *InvariantValidator) ValidateSupply() error {
	supply := v.stable.TotalSupply()

	sum, ok := v.stable.SumBalances()
	if !ok {
		return fmt.Errorf("stable balances overflow 256 bits")
	}
	if !sum.Eq(&supply) {
		return fmt.Errorf("total supply %s != sum of balances %s", supply.Dec(), sum.Dec())
	}

	var deposited uint256.Int
	for _, e := range v.accounts.Entries() {
		if _, overflow := deposited.AddOverflow(&deposited, &e.Account.Deposited); overflow {
			return fmt.Errorf("deposited sum overflows 256 bits")
		}
	}
	if !deposited.Eq(&supply) {
		return fmt.Errorf("total supply %s != sum of deposits %s", supply.Dec(), deposited.Dec())
	}

	tracked := v.accounts.TotalDeposited()
	if !tracked.Eq(&deposited) {
		return fmt.Errorf("tracked deposit total %s != recomputed %s", tracked.Dec(), deposited.Dec())
	}
	return nil
}

// ValidateAll runs every invariant check.
func (v *InvariantValidator) ValidateAll() error {
	if err := v.ValidateSupply(); err != nil {
		return err
	}
	return v.ValidateAllAccounts()
}
