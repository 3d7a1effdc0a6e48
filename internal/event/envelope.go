package event

import (
	"time"

	"github.com/holiman/uint256"
)

// EventType discriminator for pool commands
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposit
	EventTypeDepositCollateral
	EventTypeBorrow
	EventTypeRepay
	EventTypeWithdrawCollateral
)

// EventEnvelope wraps every committed command in the log
type EventEnvelope struct {
	// Engine commit sequence
	Sequence int64

	// Request id from upstream (empty for direct API calls)
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Account the command mutated
	User string

	// Command timestamp
	Timestamp time.Time

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command holds the fields shared by every pool command.
type Command struct {
	RequestID string
	User      string
	Amount    uint256.Int
	Timestamp time.Time
}

// IdempotencyKey returns the stable dedup key. Empty means the command is
// not deduplicated.
func (c *Command) IdempotencyKey() string {
	return c.RequestID
}

// Base exposes the shared command fields.
func (c *Command) Base() *Command {
	return c
}

// Event is the interface all pool commands implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Base returns the shared command fields
	Base() *Command
}

func (et EventType) String() string {
	switch et {
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeDepositCollateral:
		return "DepositCollateral"
	case EventTypeBorrow:
		return "Borrow"
	case EventTypeRepay:
		return "Repay"
	case EventTypeWithdrawCollateral:
		return "WithdrawCollateral"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	switch s {
	case "Deposit":
		return EventTypeDeposit
	case "DepositCollateral":
		return EventTypeDepositCollateral
	case "Borrow":
		return EventTypeBorrow
	case "Repay":
		return EventTypeRepay
	case "WithdrawCollateral":
		return EventTypeWithdrawCollateral
	default:
		return EventTypeUnknown
	}
}

// New builds the typed command for et. Returns nil for unknown types.
func New(et EventType, cmd Command) Event {
	switch et {
	case EventTypeDeposit:
		return &Deposit{Command: cmd}
	case EventTypeDepositCollateral:
		return &DepositCollateral{Command: cmd}
	case EventTypeBorrow:
		return &Borrow{Command: cmd}
	case EventTypeRepay:
		return &Repay{Command: cmd}
	case EventTypeWithdrawCollateral:
		return &WithdrawCollateral{Command: cmd}
	default:
		return nil
	}
}
