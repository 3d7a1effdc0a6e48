package persistence

import (
	"encoding/json"
	"testing"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotDataRoundTrip(t *testing.T) {
	e := core.NewPoolEngine(core.EngineConfig{})
	e.Apply(event.New(event.EventTypeDeposit, event.Command{RequestID: "d-1", User: "alice", Amount: ledger.Amount(100)}))
	e.Deposit("bob", ledger.MustAmount("340282366920938463463374607431768211456"))
	e.DepositCollateral("alice", ledger.Amount(300))
	e.Borrow("alice", ledger.Amount(150))

	st := e.CreateSnapshotState()
	data := SnapshotFromState(st, time.Unix(1_700_000_000, 0).UTC())

	encoded, err := json.Marshal(data)
	require.NoError(t, err)
	var decoded SnapshotData
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	back, err := decoded.ToState()
	require.NoError(t, err)
	assert.Equal(t, st, back)

	restored := core.NewPoolEngine(core.EngineConfig{})
	require.NoError(t, restored.RestoreFromSnapshot(back))
	assert.Equal(t, e.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, e.GetStableToken(), restored.GetStableToken())
}

func TestSnapshotToStateRejectsCorruption(t *testing.T) {
	good := SnapshotData{StateHash: make([]byte, 32)}

	bad := good
	bad.StateHash = []byte{1}
	_, err := bad.ToState()
	assert.ErrorContains(t, err, "state hash")

	bad = good
	bad.Accounts = []AccountSnap{{User: "alice", Deposited: "x", Collateral: "0", Borrowed: "0"}}
	_, err = bad.ToState()
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	bad = good
	bad.Balances = []BalanceSnap{{User: "alice", Balance: ""}}
	_, err = bad.ToState()
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}
