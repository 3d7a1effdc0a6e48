package state_test

import (
	"testing"

	"PoolLedger/internal/ledger"
	"PoolLedger/internal/state"
)

func acct(collateral, borrowed uint64) ledger.UserAccount {
	return ledger.UserAccount{
		Collateral: ledger.Amount(collateral),
		Borrowed:   ledger.Amount(borrowed),
	}
}

func TestRiskEngine_IsSafe(t *testing.T) {
	re := state.NewRiskEngine(state.DefaultRiskParams())

	cases := []struct {
		collateral, borrowed uint64
		want                 bool
	}{
		{0, 0, true},
		{200, 100, true},
		{199, 100, false},
		{0, 1, false},
		{1, 0, true},
	}
	for _, tc := range cases {
		c, b := ledger.Amount(tc.collateral), ledger.Amount(tc.borrowed)
		if got := re.IsSafe(&c, &b); got != tc.want {
			t.Errorf("IsSafe(%d, %d) = %v, want %v", tc.collateral, tc.borrowed, got, tc.want)
		}
	}
}

func TestRiskEngine_OverflowIsUnsafe(t *testing.T) {
	re := state.NewRiskEngine(state.DefaultRiskParams())
	max := ledger.MustAmount("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	half := ledger.MustAmount("57896044618658097711785492504343953926634992332820282019728792003956564819968")

	if re.IsSafe(&max, &half) {
		t.Error("2 * borrowed overflowing must be unsafe")
	}
}

func TestRiskEngine_EvaluateBorrow(t *testing.T) {
	re := state.NewRiskEngine(state.DefaultRiskParams())
	pool := ledger.Amount(0)

	a := ledger.Amount(100)
	if v := re.EvaluateBorrow(acct(200, 0), &a, &pool); v != state.VerdictSafe {
		t.Errorf("got %s, want safe (liquidity off by default)", v)
	}
	a = ledger.Amount(1)
	if v := re.EvaluateBorrow(acct(200, 100), &a, &pool); v != state.VerdictUndercollateralized {
		t.Errorf("got %s, want undercollateralized", v)
	}

	max := ledger.MustAmount("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	if v := re.EvaluateBorrow(acct(0, 1), &max, &pool); v != state.VerdictOverflow {
		t.Errorf("got %s, want overflow", v)
	}
}

func TestRiskEngine_LiquidityCeiling(t *testing.T) {
	re := state.NewRiskEngine(state.RiskParams{CollateralRatio: 2, EnforcePoolLiquidity: true})
	pool := ledger.Amount(50)

	a := ledger.Amount(51)
	if v := re.EvaluateBorrow(acct(1000, 0), &a, &pool); v != state.VerdictInsufficientLiquidity {
		t.Errorf("got %s, want insufficient_liquidity", v)
	}
	a = ledger.Amount(50)
	if v := re.EvaluateBorrow(acct(1000, 0), &a, &pool); !v.IsSafe() {
		t.Errorf("got %s, want safe", v)
	}
}

func TestRiskEngine_EvaluateWithdrawCollateral(t *testing.T) {
	re := state.NewRiskEngine(state.DefaultRiskParams())

	a := ledger.Amount(201)
	if v := re.EvaluateWithdrawCollateral(acct(200, 0), &a); v != state.VerdictInsufficientCollateral {
		t.Errorf("got %s, want insufficient_collateral", v)
	}
	a = ledger.Amount(200)
	if v := re.EvaluateWithdrawCollateral(acct(200, 50), &a); v != state.VerdictUndercollateralized {
		t.Errorf("got %s, want undercollateralized", v)
	}
	a = ledger.Amount(100)
	if v := re.EvaluateWithdrawCollateral(acct(200, 50), &a); v != state.VerdictSafe {
		t.Errorf("got %s, want safe", v)
	}
}

func TestRiskEngine_MaxBorrowable(t *testing.T) {
	re := state.NewRiskEngine(state.DefaultRiskParams())

	if got := re.MaxBorrowable(acct(201, 40)); got.Uint64() != 60 {
		t.Errorf("got %s, want 60", got.Dec())
	}
	if got := re.MaxBorrowable(acct(10, 40)); !got.IsZero() {
		t.Errorf("got %s, want 0", got.Dec())
	}
}

func TestRiskParams_Validate(t *testing.T) {
	if err := (state.RiskParams{CollateralRatio: 0}).Validate(); err == nil {
		t.Error("ratio 0 must be rejected")
	}
	if err := state.DefaultRiskParams().Validate(); err != nil {
		t.Errorf("default params invalid: %v", err)
	}
}

func TestNewRiskEngine_ZeroRatioFallsBack(t *testing.T) {
	re := state.NewRiskEngine(state.RiskParams{})
	if re.Params().CollateralRatio != state.DefaultCollateralRatio {
		t.Errorf("got ratio %d, want %d", re.Params().CollateralRatio, state.DefaultCollateralRatio)
	}
}

func TestAdvice(t *testing.T) {
	re := state.NewRiskEngine(state.DefaultRiskParams())
	amt := ledger.Amount(60)

	cases := []struct {
		name   string
		action state.Action
		v      state.Verdict
		want   string
	}{
		{"borrow short of collateral", state.ActionBorrow, re.EvaluateBorrow(acct(100, 0), &amt, nil),
			"Insufficient collateral to borrow requested amount"},
		{"borrow accepted", state.ActionBorrow, state.VerdictSafe, ""},
		{"withdraw more than posted", state.ActionWithdrawCollateral, re.EvaluateWithdrawCollateral(acct(50, 0), &amt),
			"Insufficient collateral to withdraw"},
		{"withdraw breaching ratio", state.ActionWithdrawCollateral, re.EvaluateWithdrawCollateral(acct(100, 30), &amt),
			"Cannot withdraw: would breach minimum collateral"},
		{"withdraw accepted", state.ActionWithdrawCollateral, re.EvaluateWithdrawCollateral(acct(100, 0), &amt),
			"Collateral withdrawn successfully"},
	}
	for _, tc := range cases {
		if got := state.Advice(tc.action, tc.v); got != tc.want {
			t.Errorf("%s: Advice = %q, want %q", tc.name, got, tc.want)
		}
	}
}
