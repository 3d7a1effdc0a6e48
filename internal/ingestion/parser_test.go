package ingestion_test

import (
	"errors"
	"testing"
	"time"

	"PoolLedger/internal/event"
	"PoolLedger/internal/ingestion"
)

var received = time.UnixMicro(1_700_000_000_000_000)

func TestParseDeposit(t *testing.T) {
	data := []byte(`{"request_id":"req-1","user":"alice","amount":"1000"}`)

	evt, err := ingestion.ParseCommand("pool.commands.deposit.alice", data, received)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	d, ok := evt.(*event.Deposit)
	if !ok {
		t.Fatalf("expected *event.Deposit, got %T", evt)
	}
	if d.User != "alice" {
		t.Errorf("user: got %s, want alice", d.User)
	}
	if d.Amount.Uint64() != 1000 {
		t.Errorf("amount: got %s, want 1000", d.Amount.Dec())
	}
	if d.IdempotencyKey() != "req-1" {
		t.Errorf("request id: got %s, want req-1", d.IdempotencyKey())
	}
	if !d.Timestamp.Equal(received) {
		t.Errorf("timestamp: got %v, want receive time", d.Timestamp)
	}
}

func TestParseAllOps(t *testing.T) {
	cases := map[string]event.EventType{
		"deposit":             event.EventTypeDeposit,
		"deposit_collateral":  event.EventTypeDepositCollateral,
		"borrow":              event.EventTypeBorrow,
		"repay":               event.EventTypeRepay,
		"withdraw_collateral": event.EventTypeWithdrawCollateral,
	}
	for op, want := range cases {
		evt, err := ingestion.ParseCommand("pool.commands."+op+".u1", []byte(`{"user":"u1","amount":5}`), received)
		if err != nil {
			t.Fatalf("%s: parse failed: %v", op, err)
		}
		if evt.EventType() != want {
			t.Errorf("%s: got %v, want %v", op, evt.EventType(), want)
		}
		if ingestion.OpToken(want) != op {
			t.Errorf("OpToken(%v): got %q, want %q", want, ingestion.OpToken(want), op)
		}
	}
}

func TestParseLargeAmountAndTimestamp(t *testing.T) {
	maxAmount := "115792089237316195423570985008687907853269984665640564039457584007913129639935"
	data := []byte(`{"user":"whale","amount":"` + maxAmount + `","timestamp_us":1700000000000123}`)

	evt, err := ingestion.ParseCommand("pool.commands.deposit_collateral.whale", data, received)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if evt.Base().Amount.Dec() != maxAmount {
		t.Errorf("amount: got %s, want 2^256-1", evt.Base().Amount.Dec())
	}
	if evt.Base().Timestamp.UnixMicro() != 1700000000000123 {
		t.Errorf("timestamp: got %d", evt.Base().Timestamp.UnixMicro())
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []struct {
		name    string
		subject string
		data    string
	}{
		{"wrong prefix", "perp.trades.x", `{"user":"a","amount":"1"}`},
		{"unknown op", "pool.commands.liquidate.a", `{"user":"a","amount":"1"}`},
		{"bad json", "pool.commands.deposit.a", `{"user":`},
		{"empty user", "pool.commands.deposit.a", `{"user":"  ","amount":"1"}`},
		{"negative amount", "pool.commands.deposit.a", `{"user":"a","amount":"-5"}`},
		{"negative number", "pool.commands.deposit.a", `{"user":"a","amount":-5}`},
		{"fractional", "pool.commands.borrow.a", `{"user":"a","amount":"1.5"}`},
		{"missing amount", "pool.commands.repay.a", `{"user":"a"}`},
		{"overflow", "pool.commands.deposit.a", `{"user":"a","amount":"115792089237316195423570985008687907853269984665640564039457584007913129639936"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand(tc.subject, []byte(tc.data), received)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ingestion.ErrInvalidCommand) {
				t.Errorf("expected ErrInvalidCommand, got %v", err)
			}
		})
	}
}

func TestSubjects(t *testing.T) {
	if got := ingestion.SubjectToken("a.b*c>d e"); got != "a_b_c_d_e" {
		t.Errorf("SubjectToken: got %q", got)
	}
	if got := ingestion.SubjectToken(""); got != "_" {
		t.Errorf("SubjectToken(empty): got %q", got)
	}
	if got := ingestion.CommandSubject(event.EventTypeBorrow, "alice"); got != "pool.commands.borrow.alice" {
		t.Errorf("CommandSubject: got %q", got)
	}
}
