package event

// WithdrawCollateral releases posted collateral, subject to the collateral
// ratio on the remaining position.
type WithdrawCollateral struct {
	Command
}

func (w *WithdrawCollateral) EventType() EventType {
	return EventTypeWithdrawCollateral
}
