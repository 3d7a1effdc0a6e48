package state

import (
	"PoolLedger/internal/ledger"

	"github.com/holiman/uint256"
)

// Verdict is the Risk Engine's decision on a candidate post-state.
type Verdict uint8

const (
	VerdictSafe Verdict = iota
	VerdictUndercollateralized
	VerdictInsufficientCollateral
	VerdictInsufficientLiquidity
	VerdictOverflow
)

func (v Verdict) String() string {
	switch v {
	case VerdictSafe:
		return "safe"
	case VerdictUndercollateralized:
		return "undercollateralized"
	case VerdictInsufficientCollateral:
		return "insufficient_collateral"
	case VerdictInsufficientLiquidity:
		return "insufficient_liquidity"
	case VerdictOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// IsSafe reports whether the verdict allows the mutation to commit.
func (v Verdict) IsSafe() bool {
	return v == VerdictSafe
}

// RiskEngine evaluates candidate post-states. Stateless apart from its
// immutable params; never mutates accounts.
type RiskEngine struct {
	params RiskParams
	ratio  uint256.Int
}

// NewRiskEngine creates a risk engine. Params are assumed validated; a zero
// ratio falls back to the default.
func NewRiskEngine(params RiskParams) *RiskEngine {
	if params.CollateralRatio == 0 {
		params.CollateralRatio = DefaultCollateralRatio
	}
	re := &RiskEngine{params: params}
	re.ratio.SetUint64(params.CollateralRatio)
	return re
}

// Params returns the active policy.
func (re *RiskEngine) Params() RiskParams {
	return re.params
}

// IsSafe reports collateral >= ratio * borrowed. An overflowing requirement
// can never be covered and is unsafe.
func (re *RiskEngine) IsSafe(collateral, borrowed *uint256.Int) bool {
	var required uint256.Int
	if _, overflow := required.MulOverflow(borrowed, &re.ratio); overflow {
		return false
	}
	return !collateral.Lt(&required)
}

// EvaluateBorrow checks the post-borrow state of acct. poolAvailable is
// Σ deposited - Σ borrowed and is only consulted when the liquidity policy
// is enabled.
func (re *RiskEngine) EvaluateBorrow(acct ledger.UserAccount, amount, poolAvailable *uint256.Int) Verdict {
	var candidate uint256.Int
	if _, overflow := candidate.AddOverflow(&acct.Borrowed, amount); overflow {
		return VerdictOverflow
	}
	if !re.IsSafe(&acct.Collateral, &candidate) {
		return VerdictUndercollateralized
	}
	if re.params.EnforcePoolLiquidity && amount.Gt(poolAvailable) {
		return VerdictInsufficientLiquidity
	}
	return VerdictSafe
}

// EvaluateWithdrawCollateral checks the post-withdrawal state of acct.
func (re *RiskEngine) EvaluateWithdrawCollateral(acct ledger.UserAccount, amount *uint256.Int) Verdict {
	var candidate uint256.Int
	if _, underflow := candidate.SubOverflow(&acct.Collateral, amount); underflow {
		return VerdictInsufficientCollateral
	}
	if !re.IsSafe(&candidate, &acct.Borrowed) {
		return VerdictUndercollateralized
	}
	return VerdictSafe
}

// MaxBorrowable returns how much more acct could borrow under the ratio
// alone: floor(collateral / ratio) - borrowed, or zero.
func (re *RiskEngine) MaxBorrowable(acct ledger.UserAccount) uint256.Int {
	var capacity, out uint256.Int
	capacity.Div(&acct.Collateral, &re.ratio)
	if capacity.Gt(&acct.Borrowed) {
		out.Sub(&capacity, &acct.Borrowed)
	}
	return out
}
