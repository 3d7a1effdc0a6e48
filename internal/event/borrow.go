package event

// Borrow increases the account's debt, subject to the collateral ratio.
type Borrow struct {
	Command
}

func (b *Borrow) EventType() EventType {
	return EventTypeBorrow
}

// Repay decreases the account's debt; excess repayment is clamped at zero.
type Repay struct {
	Command
}

func (r *Repay) EventType() EventType {
	return EventTypeRepay
}
