// internal/event/deposit.go
package event

// Deposit credits principal and mints the same amount of stable token.
type Deposit struct {
	Command
}

func (d *Deposit) EventType() EventType {
	return EventTypeDeposit
}

// DepositCollateral posts collateral to secure borrowing capacity.
type DepositCollateral struct {
	Command
}

func (d *DepositCollateral) EventType() EventType {
	return EventTypeDepositCollateral
}
