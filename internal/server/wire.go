package server

import (
	"context"
	"encoding/json"

	"PoolLedger/internal/query"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype the pool service speaks. Clients
// must send grpc.CallContentSubtype(CodecName).
const CodecName = "json"

const ServiceName = "pool.v1.PoolService"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries plain Go structs over gRPC as JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// --- Messages ---
// Amounts are base-10 strings.

type AmountRequest struct {
	RequestID string `json:"request_id,omitempty"`
	User      string `json:"user"`
	Amount    string `json:"amount"`
}

type MutationResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Sequence int64  `json:"sequence"`
}

type SignupRequest struct {
	User     string `json:"user"`
	Username string `json:"username"`
}

type UserRequest struct {
	User string `json:"user"`
}

type Empty struct{}

// PoolServiceServer is the server API for pool.v1.PoolService.
type PoolServiceServer interface {
	Deposit(context.Context, *AmountRequest) (*MutationResponse, error)
	DepositCollateral(context.Context, *AmountRequest) (*MutationResponse, error)
	Borrow(context.Context, *AmountRequest) (*MutationResponse, error)
	Repay(context.Context, *AmountRequest) (*MutationResponse, error)
	WithdrawCollateral(context.Context, *AmountRequest) (*MutationResponse, error)
	Signup(context.Context, *SignupRequest) (*MutationResponse, error)
	GetUsername(context.Context, *UserRequest) (*query.UsernameResponse, error)
	GetUserAccount(context.Context, *UserRequest) (*query.AccountResponse, error)
	GetStableToken(context.Context, *Empty) (*query.StableTokenResponse, error)
	GetBalance(context.Context, *UserRequest) (*query.BalanceResponse, error)
	GetTotalSupply(context.Context, *Empty) (*query.SupplyResponse, error)
	ListUsers(context.Context, *Empty) (*query.UsersResponse, error)
}

// PoolServiceDesc describes pool.v1.PoolService without generated stubs.
var PoolServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PoolServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deposit", Handler: unaryHandler("Deposit", PoolServiceServer.Deposit)},
		{MethodName: "DepositCollateral", Handler: unaryHandler("DepositCollateral", PoolServiceServer.DepositCollateral)},
		{MethodName: "Borrow", Handler: unaryHandler("Borrow", PoolServiceServer.Borrow)},
		{MethodName: "Repay", Handler: unaryHandler("Repay", PoolServiceServer.Repay)},
		{MethodName: "WithdrawCollateral", Handler: unaryHandler("WithdrawCollateral", PoolServiceServer.WithdrawCollateral)},
		{MethodName: "Signup", Handler: unaryHandler("Signup", PoolServiceServer.Signup)},
		{MethodName: "GetUsername", Handler: unaryHandler("GetUsername", PoolServiceServer.GetUsername)},
		{MethodName: "GetUserAccount", Handler: unaryHandler("GetUserAccount", PoolServiceServer.GetUserAccount)},
		{MethodName: "GetStableToken", Handler: unaryHandler("GetStableToken", PoolServiceServer.GetStableToken)},
		{MethodName: "GetBalance", Handler: unaryHandler("GetBalance", PoolServiceServer.GetBalance)},
		{MethodName: "GetTotalSupply", Handler: unaryHandler("GetTotalSupply", PoolServiceServer.GetTotalSupply)},
		{MethodName: "ListUsers", Handler: unaryHandler("ListUsers", PoolServiceServer.ListUsers)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pool/v1/pool.proto",
}

// FullMethod returns the gRPC method path for a PoolService method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryHandler[Req, Resp any](
	method string,
	call func(PoolServiceServer, context.Context, *Req) (*Resp, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PoolServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: FullMethod(method),
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(PoolServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
