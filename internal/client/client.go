// Package client is a Go client for pool.v1.PoolService.
package client

import (
	"context"
	"fmt"

	"PoolLedger/internal/query"
	"PoolLedger/internal/server"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client calls PoolService over any gRPC connection.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to target without TLS.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// New wraps an existing connection. Close is then the caller's job.
func New(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func invoke[T any](ctx context.Context, c *Client, method string, in any) (*T, error) {
	out := new(T)
	if err := c.cc.Invoke(ctx, server.FullMethod(method), in, out, grpc.CallContentSubtype(server.CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Deposit(ctx context.Context, req *server.AmountRequest) (*server.MutationResponse, error) {
	return invoke[server.MutationResponse](ctx, c, "Deposit", req)
}

func (c *Client) DepositCollateral(ctx context.Context, req *server.AmountRequest) (*server.MutationResponse, error) {
	return invoke[server.MutationResponse](ctx, c, "DepositCollateral", req)
}

func (c *Client) Borrow(ctx context.Context, req *server.AmountRequest) (*server.MutationResponse, error) {
	return invoke[server.MutationResponse](ctx, c, "Borrow", req)
}

func (c *Client) Repay(ctx context.Context, req *server.AmountRequest) (*server.MutationResponse, error) {
	return invoke[server.MutationResponse](ctx, c, "Repay", req)
}

func (c *Client) WithdrawCollateral(ctx context.Context, req *server.AmountRequest) (*server.MutationResponse, error) {
	return invoke[server.MutationResponse](ctx, c, "WithdrawCollateral", req)
}

func (c *Client) Signup(ctx context.Context, user, username string) (*server.MutationResponse, error) {
	return invoke[server.MutationResponse](ctx, c, "Signup", &server.SignupRequest{User: user, Username: username})
}

func (c *Client) GetUsername(ctx context.Context, user string) (*query.UsernameResponse, error) {
	return invoke[query.UsernameResponse](ctx, c, "GetUsername", &server.UserRequest{User: user})
}

func (c *Client) GetUserAccount(ctx context.Context, user string) (*query.AccountResponse, error) {
	return invoke[query.AccountResponse](ctx, c, "GetUserAccount", &server.UserRequest{User: user})
}

func (c *Client) GetStableToken(ctx context.Context) (*query.StableTokenResponse, error) {
	return invoke[query.StableTokenResponse](ctx, c, "GetStableToken", &server.Empty{})
}

func (c *Client) GetBalance(ctx context.Context, user string) (*query.BalanceResponse, error) {
	return invoke[query.BalanceResponse](ctx, c, "GetBalance", &server.UserRequest{User: user})
}

func (c *Client) GetTotalSupply(ctx context.Context) (*query.SupplyResponse, error) {
	return invoke[query.SupplyResponse](ctx, c, "GetTotalSupply", &server.Empty{})
}

func (c *Client) ListUsers(ctx context.Context) (*query.UsersResponse, error) {
	return invoke[query.UsersResponse](ctx, c, "ListUsers", &server.Empty{})
}

// Health queries the standard health service for PoolService.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(c.cc).Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
