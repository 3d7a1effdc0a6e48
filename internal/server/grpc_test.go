package server_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"PoolLedger/internal/client"
	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/query"
	"PoolLedger/internal/server"
	"PoolLedger/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type harness struct {
	engine  *core.PoolEngine
	qs      *query.QueryService
	svc     *server.PoolService
	metrics *observability.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine := core.NewPoolEngine(core.EngineConfig{
		RiskParams: state.DefaultRiskParams(),
		Metrics:    metrics,
	})
	qs := query.NewQueryService(engine, nil, nil, metrics)
	return &harness{
		engine:  engine,
		qs:      qs,
		svc:     server.NewPoolService(engine, qs),
		metrics: metrics,
	}
}

// startGRPC serves the harness over an in-process listener and returns a
// connected client.
func startGRPC(t *testing.T, h *harness) (*client.Client, *server.GRPCServer) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := server.NewGRPCServer("bufnet", h.svc, h.metrics, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()

	c, err := client.Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		<-done
	})
	return c, srv
}

func amountReq(user, amount string) *server.AmountRequest {
	return &server.AmountRequest{User: user, Amount: amount}
}

func TestGRPC_LendingLifecycle(t *testing.T) {
	h := newHarness(t)
	c, _ := startGRPC(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := func(resp *server.MutationResponse, err error) bool {
		t.Helper()
		require.NoError(t, err)
		return resp.Accepted
	}

	// Borrow up to half the collateral.
	assert.True(t, accepted(c.Deposit(ctx, amountReq("alice", "100"))))
	assert.True(t, accepted(c.DepositCollateral(ctx, amountReq("alice", "200"))))
	assert.True(t, accepted(c.Borrow(ctx, amountReq("alice", "100"))))
	acct, err := c.GetUserAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "100", acct.Borrowed)

	// Repay in installments.
	assert.True(t, accepted(c.Repay(ctx, amountReq("alice", "50"))))
	assert.True(t, accepted(c.Repay(ctx, amountReq("alice", "50"))))
	acct, err = c.GetUserAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "0", acct.Borrowed)

	// Over the ratio: rejected, nothing changes.
	resp, err := c.Borrow(ctx, amountReq("alice", "200"))
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, "undercollateralized", resp.Reason)
	assert.Equal(t, int64(-1), resp.Sequence)
	after, err := c.GetUserAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, acct.Deposited, after.Deposited)
	assert.Equal(t, acct.Collateral, after.Collateral)
	assert.Equal(t, acct.Borrowed, after.Borrowed)

	// Withdraw that would breach the ratio.
	assert.True(t, accepted(c.Borrow(ctx, amountReq("alice", "50"))))
	assert.False(t, accepted(c.WithdrawCollateral(ctx, amountReq("alice", "200"))))

	// A fresh user has no collateral.
	assert.False(t, accepted(c.Borrow(ctx, amountReq("carol", "100"))))

	// Balances list in first-credit order.
	assert.True(t, accepted(c.Deposit(ctx, amountReq("bob", "300"))))
	assert.True(t, accepted(c.Deposit(ctx, amountReq("carol", "50"))))
	token, err := c.GetStableToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "450", token.TotalSupply)
	assert.Equal(t, []query.BalanceEntry{
		{User: "alice", Balance: "100"},
		{User: "bob", Balance: "300"},
		{User: "carol", Balance: "50"},
	}, token.Balances)

	supply, err := c.GetTotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, "450", supply.TotalSupply)

	bal, err := c.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "300", bal.Balance)

	users, err := c.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, users.Users)
}

func TestGRPC_BoundaryValidation(t *testing.T) {
	h := newHarness(t)
	c, _ := startGRPC(t, h)
	ctx := context.Background()

	cases := []*server.AmountRequest{
		{User: "", Amount: "1"},
		{User: "   ", Amount: "1"},
		{User: "alice", Amount: "-1"},
		{User: "alice", Amount: "abc"},
		{User: "alice", Amount: ""},
	}
	for _, req := range cases {
		_, err := c.Deposit(ctx, req)
		assert.Equal(t, codes.InvalidArgument, status.Code(err), "request %+v", req)
	}

	_, err := c.GetUserAccount(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	assert.Equal(t, int64(0), h.engine.GetSequence(), "nothing reached the engine")
	assert.Equal(t, 5.0, testutil.ToFloat64(
		h.metrics.GRPCRequests.WithLabelValues(server.FullMethod("Deposit"), codes.InvalidArgument.String())))
}

func TestGRPC_SignupAndUsername(t *testing.T) {
	h := newHarness(t)
	c, _ := startGRPC(t, h)
	ctx := context.Background()

	_, err := c.GetUsername(ctx, "alice")
	assert.Equal(t, codes.NotFound, status.Code(err))

	resp, err := c.Signup(ctx, "alice", "Alice")
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, int64(-1), resp.Sequence)

	resp, err = c.Signup(ctx, "alice", "Other")
	require.NoError(t, err)
	assert.False(t, resp.Accepted)

	name, err := c.GetUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", name.Username)

	_, err = c.Signup(ctx, "", "x")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	acct, err := c.GetUserAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", acct.Username)
}

type unreachableDedup struct{}

func (unreachableDedup) LookupOutcome(op, key string) (core.Outcome, bool, error) {
	return core.Outcome{}, false, errors.New("connection refused")
}

func TestGRPC_DedupUnavailableIsRetryable(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine := core.NewPoolEngine(core.EngineConfig{DBChecker: unreachableDedup{}, Metrics: metrics})
	qs := query.NewQueryService(engine, nil, nil, metrics)
	h := &harness{engine: engine, qs: qs, svc: server.NewPoolService(engine, qs), metrics: metrics}
	c, _ := startGRPC(t, h)
	ctx := context.Background()

	_, err := c.Deposit(ctx, &server.AmountRequest{RequestID: "r-1", User: "alice", Amount: "10"})
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, int64(0), engine.GetSequence())

	resp, err := c.Deposit(ctx, amountReq("alice", "10"))
	require.NoError(t, err, "requests without a request id skip deduplication")
	assert.True(t, resp.Accepted)
}

func TestGRPC_IdempotentRequest(t *testing.T) {
	h := newHarness(t)
	c, _ := startGRPC(t, h)
	ctx := context.Background()

	req := &server.AmountRequest{RequestID: "req-7", User: "alice", Amount: "10"}
	first, err := c.Deposit(ctx, req)
	require.NoError(t, err)
	second, err := c.Deposit(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	bal, err := c.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "10", bal.Balance)
}

func TestGRPC_Health(t *testing.T) {
	h := newHarness(t)
	c, srv := startGRPC(t, h)
	ctx := context.Background()

	st, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	srv.SetServing(true)
	st, err = c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)
}
