package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
)

const (
	CommandSubjectPrefix = "pool.commands."
	EventSubjectPrefix   = "pool.ledger.events."
)

// ErrInvalidCommand marks a message that can never be applied. Such
// messages are terminated rather than redelivered.
var ErrInvalidCommand = errors.New("invalid command")

// opTokens maps subject op tokens to command types.
var opTokens = map[string]event.EventType{
	"deposit":             event.EventTypeDeposit,
	"deposit_collateral":  event.EventTypeDepositCollateral,
	"borrow":              event.EventTypeBorrow,
	"repay":               event.EventTypeRepay,
	"withdraw_collateral": event.EventTypeWithdrawCollateral,
}

// OpToken returns the subject token for et, or "" for unknown types.
func OpToken(et event.EventType) string {
	for tok, t := range opTokens {
		if t == et {
			return tok
		}
	}
	return ""
}

// --- JSON wire format ---
// Field names use snake_case to match upstream producers.

type commandJSON struct {
	RequestID   string     `json:"request_id"`
	User        string     `json:"user"`
	Amount      amountJSON `json:"amount"`
	TimestampUs int64      `json:"timestamp_us,omitempty"`
}

// amountJSON accepts a decimal string or a bare JSON integer.
type amountJSON string

func (a *amountJSON) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = amountJSON(s)
		return nil
	}
	*a = amountJSON(data)
	return nil
}

// ParseCommand converts a message on pool.commands.<op>.<user> into a typed
// command. The payload user is authoritative; the subject user token is for
// routing only. receivedAt stamps commands that carry no timestamp_us.
func ParseCommand(subject string, data []byte, receivedAt time.Time) (event.Event, error) {
	et, err := eventTypeFromSubject(subject)
	if err != nil {
		return nil, err
	}

	var j commandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidCommand, et, err)
	}
	if strings.TrimSpace(j.User) == "" {
		return nil, fmt.Errorf("%w: %s: empty user", ErrInvalidCommand, et)
	}

	amount, err := ledger.ParseAmount(string(j.Amount))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCommand, et, err)
	}

	ts := receivedAt
	if j.TimestampUs > 0 {
		ts = time.UnixMicro(j.TimestampUs)
	}

	return event.New(et, event.Command{
		RequestID: j.RequestID,
		User:      j.User,
		Amount:    amount,
		Timestamp: ts,
	}), nil
}

func eventTypeFromSubject(subject string) (event.EventType, error) {
	rest, ok := strings.CutPrefix(subject, CommandSubjectPrefix)
	if !ok {
		return event.EventTypeUnknown, fmt.Errorf("%w: subject %q outside %s>", ErrInvalidCommand, subject, CommandSubjectPrefix)
	}
	op, _, _ := strings.Cut(rest, ".")
	et, ok := opTokens[op]
	if !ok {
		return event.EventTypeUnknown, fmt.Errorf("%w: unknown op %q", ErrInvalidCommand, op)
	}
	return et, nil
}

// SubjectToken makes a user id safe to use as a single NATS subject token.
func SubjectToken(user string) string {
	if user == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, user)
}

// CommandSubject is the subject a producer publishes a command on.
func CommandSubject(et event.EventType, user string) string {
	return CommandSubjectPrefix + OpToken(et) + "." + SubjectToken(user)
}
