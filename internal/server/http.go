package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"PoolLedger/internal/observability"
	"PoolLedger/internal/query"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/status"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// HTTPConfig configures the HTTP/JSON API.
type HTTPConfig struct {
	Addr      string
	RateLimit float64 // requests per second; <= 0 disables limiting
	RateBurst int
}

// HTTPServer serves the pool over HTTP/JSON.
type HTTPServer struct {
	svc     *PoolService
	qs      *query.QueryService
	health  *observability.HealthChecker
	metrics *observability.Metrics
	logger  zerolog.Logger
	limiter *rate.Limiter
	server  *http.Server
}

func NewHTTPServer(
	cfg HTTPConfig,
	svc *PoolService,
	qs *query.QueryService,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *HTTPServer {
	s := &HTTPServer{
		svc:     svc,
		qs:      qs,
		health:  health,
		metrics: metrics,
		logger:  logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *HTTPServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.observe)

	if s.health != nil {
		r.Get("/healthz", s.health.LivenessHandler)
		r.Get("/readyz", s.health.ReadinessHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.rateLimit)

		r.Post("/deposit", decodeAndCall(s.svc.Deposit))
		r.Post("/collateral/deposit", decodeAndCall(s.svc.DepositCollateral))
		r.Post("/borrow", decodeAndCall(s.svc.Borrow))
		r.Post("/repay", decodeAndCall(s.svc.Repay))
		r.Post("/collateral/withdraw", decodeAndCall(s.svc.WithdrawCollateral))
		r.Post("/signup", decodeAndCall(s.svc.Signup))

		r.Get("/users", s.listUsers)
		r.Get("/users/{user}/account", s.userAccount)
		r.Get("/users/{user}/balance", s.balance)
		r.Get("/users/{user}/username", s.username)
		r.Get("/users/{user}/operations", s.operations)

		r.Get("/stable-token", s.stableToken)
		r.Get("/stable-token/total-supply", s.totalSupply)

		r.Get("/admin/integrity", s.integrity)
	})

	return r
}

// Start serves until ctx is done.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- handlers ---

// decodeAndCall adapts a PoolService method taking a JSON body.
func decodeAndCall[Req, Resp any](call func(context.Context, *Req) (*Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestBodyLimit))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
		resp, err := call(r.Context(), &req)
		if err != nil {
			writeStatusError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *HTTPServer) listUsers(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.ListUsers(r.Context(), &Empty{})
	s.respond(w, resp, err)
}

func (s *HTTPServer) userAccount(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.GetUserAccount(r.Context(), &UserRequest{User: userParam(r)})
	s.respond(w, resp, err)
}

func (s *HTTPServer) balance(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.GetBalance(r.Context(), &UserRequest{User: userParam(r)})
	s.respond(w, resp, err)
}

func (s *HTTPServer) username(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.GetUsername(r.Context(), &UserRequest{User: userParam(r)})
	s.respond(w, resp, err)
}

func (s *HTTPServer) stableToken(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.GetStableToken(r.Context(), &Empty{})
	s.respond(w, resp, err)
}

func (s *HTTPServer) totalSupply(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.GetTotalSupply(r.Context(), &Empty{})
	s.respond(w, resp, err)
}

func (s *HTTPServer) operations(w http.ResponseWriter, r *http.Request) {
	user, err := requireUser(userParam(r))
	if err != nil {
		writeStatusError(w, toStatus(err))
		return
	}

	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
	}
	var before *int64
	if v := q.Get("before"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil || seq < 0 {
			writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid before %q", v))
			return
		}
		before = &seq
	}

	resp, err := s.qs.GetOperationHistory(r.Context(), user, limit, before)
	s.respond(w, resp, toStatus(err))
}

func (s *HTTPServer) integrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.qs.VerifyIntegrity(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("integrity check failed")
		writeStatusError(w, toStatus(err))
		return
	}
	code := http.StatusOK
	if !report.IsHealthy {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, report)
}

func (s *HTTPServer) respond(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// userParam returns the {user} path segment decoded exactly once. chi
// matches on RawPath when the request carries one (an escaped '/' for
// instance) and on the already-decoded Path otherwise.
func userParam(r *http.Request) string {
	param := chi.URLParam(r, "user")
	if r.URL.RawPath == "" {
		return param
	}
	if user, err := url.PathUnescape(param); err == nil {
		return user
	}
	return param
}

// --- middleware ---

func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			if s.metrics != nil {
				s.metrics.HTTPRateLimited.Inc()
			}
			writeJSONError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
		}
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", code).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// --- responses ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStatusError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSONError(w, httpStatus(st.Code()), errors.New(st.Message()))
}

func writeJSONError(w http.ResponseWriter, code int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(code)
	}
	writeJSON(w, code, map[string]string{"error": message})
}
