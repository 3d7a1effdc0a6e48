package state

// Action is a risk-checked mutation that leaves advice on the account.
type Action uint8

const (
	ActionBorrow Action = iota
	ActionWithdrawCollateral
)

// Advice returns the human-readable hint recorded on an account after the
// Risk Engine decides on action. Empty means the previous hint stands.
func Advice(action Action, v Verdict) string {
	switch action {
	case ActionBorrow:
		switch v {
		case VerdictUndercollateralized, VerdictInsufficientCollateral:
			return "Insufficient collateral to borrow requested amount"
		case VerdictInsufficientLiquidity:
			return "Pool liquidity insufficient for requested amount"
		case VerdictOverflow:
			return "Requested amount exceeds the representable debt"
		}
	case ActionWithdrawCollateral:
		switch v {
		case VerdictSafe:
			return "Collateral withdrawn successfully"
		case VerdictInsufficientCollateral:
			return "Insufficient collateral to withdraw"
		case VerdictUndercollateralized:
			return "Cannot withdraw: would breach minimum collateral"
		}
	}
	return ""
}
