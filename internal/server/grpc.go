package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/query"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Applier is the mutating side of the pool engine.
type Applier interface {
	Apply(evt event.Event) core.Outcome
	SignupOutcome(user, username string) core.Outcome
}

// PoolService implements PoolServiceServer. The HTTP API calls the same
// methods, so both transports validate and answer identically.
type PoolService struct {
	engine Applier
	qs     *query.QueryService
	now    func() time.Time
}

func NewPoolService(engine Applier, qs *query.QueryService) *PoolService {
	return &PoolService{engine: engine, qs: qs, now: time.Now}
}

var _ PoolServiceServer = (*PoolService)(nil)

func (s *PoolService) Deposit(ctx context.Context, req *AmountRequest) (*MutationResponse, error) {
	return s.mutate(event.EventTypeDeposit, req)
}

func (s *PoolService) DepositCollateral(ctx context.Context, req *AmountRequest) (*MutationResponse, error) {
	return s.mutate(event.EventTypeDepositCollateral, req)
}

func (s *PoolService) Borrow(ctx context.Context, req *AmountRequest) (*MutationResponse, error) {
	return s.mutate(event.EventTypeBorrow, req)
}

func (s *PoolService) Repay(ctx context.Context, req *AmountRequest) (*MutationResponse, error) {
	return s.mutate(event.EventTypeRepay, req)
}

func (s *PoolService) WithdrawCollateral(ctx context.Context, req *AmountRequest) (*MutationResponse, error) {
	return s.mutate(event.EventTypeWithdrawCollateral, req)
}

// Signup registers a display name. A refusal is a normal response, like a
// rejected mutation.
func (s *PoolService) Signup(ctx context.Context, req *SignupRequest) (*MutationResponse, error) {
	user, err := requireUser(req.User)
	if err != nil {
		return nil, toStatus(err)
	}
	out := s.engine.SignupOutcome(user, strings.TrimSpace(req.Username))
	if out.Reason == core.ReasonDirectoryUnavailable {
		return nil, status.Error(codes.Unavailable, "username directory unavailable")
	}
	return &MutationResponse{Accepted: out.Accepted, Reason: out.Reason, Sequence: out.Sequence}, nil
}

func (s *PoolService) GetUsername(ctx context.Context, req *UserRequest) (*query.UsernameResponse, error) {
	user, err := requireUser(req.User)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.qs.GetUsername(ctx, user)
	return resp, toStatus(err)
}

func (s *PoolService) mutate(et event.EventType, req *AmountRequest) (*MutationResponse, error) {
	user, err := requireUser(req.User)
	if err != nil {
		return nil, toStatus(err)
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		return nil, toStatus(fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}

	out := s.engine.Apply(event.New(et, event.Command{
		RequestID: strings.TrimSpace(req.RequestID),
		User:      user,
		Amount:    amount,
		Timestamp: s.now(),
	}))
	if out.Reason == core.ReasonDedupUnavailable {
		return nil, status.Error(codes.Unavailable, "deduplication store unavailable, retry with the same request_id")
	}
	return &MutationResponse{Accepted: out.Accepted, Reason: out.Reason, Sequence: out.Sequence}, nil
}

func (s *PoolService) GetUserAccount(ctx context.Context, req *UserRequest) (*query.AccountResponse, error) {
	user, err := requireUser(req.User)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.qs.GetUserAccount(ctx, user)
	return resp, toStatus(err)
}

func (s *PoolService) GetStableToken(ctx context.Context, _ *Empty) (*query.StableTokenResponse, error) {
	resp, err := s.qs.GetStableToken(ctx)
	return resp, toStatus(err)
}

func (s *PoolService) GetBalance(ctx context.Context, req *UserRequest) (*query.BalanceResponse, error) {
	user, err := requireUser(req.User)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.qs.GetBalance(ctx, user)
	return resp, toStatus(err)
}

func (s *PoolService) GetTotalSupply(ctx context.Context, _ *Empty) (*query.SupplyResponse, error) {
	resp, err := s.qs.GetTotalSupply(ctx)
	return resp, toStatus(err)
}

func (s *PoolService) ListUsers(ctx context.Context, _ *Empty) (*query.UsersResponse, error) {
	resp, err := s.qs.ListUsers(ctx)
	return resp, toStatus(err)
}

func requireUser(user string) (string, error) {
	if strings.TrimSpace(user) == "" {
		return "", fmt.Errorf("%w: user is required", ErrInvalidArgument)
	}
	return user, nil
}

// ============================================================================
// gRPC server
// ============================================================================

// GRPCServer hosts PoolService and the standard health service.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     zerolog.Logger
}

func NewGRPCServer(addr string, svc PoolServiceServer, metrics *observability.Metrics, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			loggingUnaryInterceptor(logger, metrics),
			recoveryUnaryInterceptor(logger),
		),
	)
	grpcServer.RegisterService(&PoolServiceDesc, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		addr:       addr,
		logger:     logger,
	}
}

// SetServing flips the health status once recovery has finished.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Start listens on the configured address and serves until ctx is done.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

func loggingUnaryInterceptor(logger zerolog.Logger, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ any, err error) {
		start := time.Now()
		defer func() {
			code := status.Code(err)
			if metrics != nil {
				metrics.GRPCRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
			}
			logger.Debug().
				Str("method", info.FullMethod).
				Str("code", code.String()).
				Dur("duration", time.Since(start)).
				Msg("grpc unary")
		}()
		return handler(ctx, req)
	}
}

// recoveryUnaryInterceptor turns handler panics into Internal errors. A
// FATAL panic from the engine means state is corrupt and is re-raised.
func recoveryUnaryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ any, err error) {
		defer func() {
			if r := recover(); r != nil {
				if msg, ok := r.(string); ok && strings.HasPrefix(msg, "FATAL:") {
					panic(r)
				}
				logger.Error().Str("method", info.FullMethod).Interface("panic", r).Msg("panic in unary handler")
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}
