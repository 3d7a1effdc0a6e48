package query_test

import (
	"context"
	"errors"
	"testing"

	"PoolLedger/internal/core"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/projection"
	"PoolLedger/internal/query"
	"PoolLedger/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	engine  *core.PoolEngine
	history *projection.HistoryProjection
	outputs chan core.CoreOutput
	qs      *query.QueryService
	metrics *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		history: projection.NewHistoryProjection(100),
		outputs: make(chan core.CoreOutput, 64),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	f.engine = core.NewPoolEngine(core.EngineConfig{
		RiskParams:     state.DefaultRiskParams(),
		ProjectionChan: f.outputs,
	})
	f.qs = query.NewQueryService(f.engine, nil, f.history, f.metrics)
	return f
}

// drain feeds emitted outputs into the history projection.
func (f *fixture) drain() {
	for {
		select {
		case out := <-f.outputs:
			f.history.Apply(out)
		default:
			return
		}
	}
}

func TestQuery_UserAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.engine.DepositCollateral("alice", ledger.Amount(100)))
	require.True(t, f.engine.Borrow("alice", ledger.Amount(30)))

	resp, err := f.qs.GetUserAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", resp.User)
	assert.Equal(t, "0", resp.Deposited)
	assert.Equal(t, "100", resp.Collateral)
	assert.Equal(t, "30", resp.Borrowed)
	assert.Equal(t, "20", resp.MaxBorrowable)
	assert.Equal(t, int64(1), resp.AsOfSequence)

	unknown, err := f.qs.GetUserAccount(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, "0", unknown.Collateral)
	assert.Equal(t, "0", unknown.MaxBorrowable)
}

func TestQuery_StableToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty, err := f.qs.GetStableToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", empty.TotalSupply)
	assert.Empty(t, empty.Balances)
	assert.Equal(t, int64(-1), empty.AsOfSequence)

	require.True(t, f.engine.Deposit("bob", ledger.Amount(7)))
	require.True(t, f.engine.Deposit("alice", ledger.Amount(5)))
	require.True(t, f.engine.Deposit("bob", ledger.Amount(3)))

	resp, err := f.qs.GetStableToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "15", resp.TotalSupply)
	assert.Equal(t, []query.BalanceEntry{
		{User: "bob", Balance: "10"},
		{User: "alice", Balance: "5"},
	}, resp.Balances)

	bal, err := f.qs.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "10", bal.Balance)

	supply, err := f.qs.GetTotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, "15", supply.TotalSupply)
	assert.Equal(t, int64(2), supply.AsOfSequence)

	users, err := f.qs.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "alice"}, users.Users)
}

func TestQuery_OperationHistoryInMemory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.engine.DepositCollateral("alice", ledger.Amount(100)))
	require.True(t, f.engine.Borrow("alice", ledger.Amount(40)))
	require.False(t, f.engine.Borrow("alice", ledger.Amount(40)))
	require.True(t, f.engine.Repay("alice", ledger.Amount(100)))
	require.True(t, f.engine.Deposit("bob", ledger.Amount(1)))
	f.drain()

	resp, err := f.qs.GetOperationHistory(ctx, "alice", 0, nil)
	require.NoError(t, err)
	require.Len(t, resp.Operations, 3, "rejected borrow is not history")
	assert.Equal(t, int64(3), resp.AsOfSequence)

	assert.Equal(t, "repay", resp.Operations[0].OpType)
	assert.Equal(t, "100", resp.Operations[0].Amount)
	assert.Equal(t, "40", resp.Operations[0].Applied)
	assert.Equal(t, "borrow", resp.Operations[1].OpType)
	assert.Equal(t, "collateral_deposit", resp.Operations[2].OpType)

	before := int64(2)
	page, err := f.qs.GetOperationHistory(ctx, "alice", 1, &before)
	require.NoError(t, err)
	require.Len(t, page.Operations, 1)
	assert.Equal(t, int64(1), page.Operations[0].Sequence)

	none, err := f.qs.GetOperationHistory(ctx, "carol", 10, nil)
	require.NoError(t, err)
	assert.NotNil(t, none.Operations)
	assert.Empty(t, none.Operations)
}

func TestQuery_HistoryWithoutProjection(t *testing.T) {
	e := core.NewPoolEngine(core.EngineConfig{RiskParams: state.DefaultRiskParams()})
	qs := query.NewQueryService(e, nil, nil, nil)

	resp, err := qs.GetOperationHistory(context.Background(), "alice", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Operations)
	assert.Equal(t, int64(-1), resp.AsOfSequence)
}

func TestQuery_VerifyIntegrity(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.engine.Deposit("alice", ledger.Amount(10)))

	report, err := f.qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
	assert.Empty(t, report.EngineError)
	assert.Equal(t, int64(0), report.EngineSequence)
	assert.Equal(t, int64(-1), report.PersistedSequence)
	assert.Len(t, report.StateHash, 64)
}

func TestQuery_Metrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.qs.GetUserAccount(ctx, "alice")
	_, _ = f.qs.GetUserAccount(ctx, "bob")
	_, _ = f.qs.GetStableToken(ctx)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.QueryRequests.WithLabelValues("user_account")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.QueryRequests.WithLabelValues("stable_token")))
}

func TestQuery_UsernameAndAdvice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.qs.GetUsername(ctx, "alice")
	assert.True(t, errors.Is(err, query.ErrNotFound))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.QueryErrors.WithLabelValues("username", "not_found")))

	require.True(t, f.engine.Signup("alice", "Alice"))
	name, err := f.qs.GetUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &query.UsernameResponse{User: "alice", Username: "Alice"}, name)

	require.True(t, f.engine.DepositCollateral("alice", ledger.Amount(10)))
	require.False(t, f.engine.WithdrawCollateral("alice", ledger.Amount(11)))

	acct, err := f.qs.GetUserAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", acct.Username)
	assert.Equal(t, "Insufficient collateral to withdraw", acct.RiskAdvice)

	other, err := f.qs.GetUserAccount(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, other.Username)
	assert.Empty(t, other.RiskAdvice)
}
