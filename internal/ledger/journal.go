package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the pool operation a journal entry records
type JournalType int32

const (
	JournalTypeUnknown JournalType = iota
	JournalTypeDeposit
	JournalTypeCollateralDeposit
	JournalTypeBorrow
	JournalTypeRepay
	JournalTypeCollateralWithdrawal
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeCollateralDeposit:
		return "collateral_deposit"
	case JournalTypeBorrow:
		return "borrow"
	case JournalTypeRepay:
		return "repay"
	case JournalTypeCollateralWithdrawal:
		return "collateral_withdrawal"
	default:
		return "unknown"
	}
}

// Journal records one committed mutation and the state it left behind.
type Journal struct {
	JournalID   uuid.UUID
	EventRef    string      // request id of the source command, may be empty
	Sequence    int64       // engine commit sequence
	JournalType JournalType // operation
	User        string
	Amount      uint256.Int // requested amount
	Applied     uint256.Int // effective change; differs from Amount only for clamped repays
	Post        UserAccount // account after commit
	TotalSupply uint256.Int // stable token supply after commit
	Timestamp   int64       // command timestamp (epoch microseconds)
}

// Validate ensures the journal is well-formed.
func (j *Journal) Validate() error {
	if j.JournalType == JournalTypeUnknown {
		return fmt.Errorf("journal %s has unknown type", j.JournalID)
	}
	if j.Applied.Gt(&j.Amount) {
		return fmt.Errorf("journal %s applied %s exceeds requested %s",
			j.JournalID, j.Applied.Dec(), j.Amount.Dec())
	}
	if j.JournalType != JournalTypeRepay && !j.Applied.Eq(&j.Amount) {
		return fmt.Errorf("journal %s (%s) applied %s differs from requested %s",
			j.JournalID, j.JournalType, j.Applied.Dec(), j.Amount.Dec())
	}
	return nil
}
