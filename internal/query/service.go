package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"PoolLedger/internal/ledger"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/projection"

	"github.com/holiman/uint256"
)

// ErrNotFound is returned for lookups of things that were never
// registered. Account queries never return it: unknown users read as zeros.
var ErrNotFound = errors.New("not found")

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 1000
)

// Engine is the read side of the pool engine.
type Engine interface {
	GetUserAccount(user string) ledger.UserAccount
	GetStableToken() ledger.StableTokenSnapshot
	GetBalance(user string) uint256.Int
	GetTotalSupply() uint256.Int
	ListUsers() []string
	MaxBorrowable(user string) uint256.Int
	GetUsername(user string) (string, bool)
	GetRiskAdvice(user string) (string, bool)
	IntegrityCheck() error
	GetSequence() int64
	GetStateHash() [32]byte
}

// QueryService serves read-only queries. Account and token state comes
// from the engine, which is authoritative; history comes from the
// operation log when Postgres is configured, else the in-memory projection.
// Every response carries as_of_sequence, the last sequence it reflects.
type QueryService struct {
	engine  Engine
	db      *sql.DB
	history *projection.HistoryProjection
	metrics *observability.Metrics
}

func NewQueryService(engine Engine, db *sql.DB, history *projection.HistoryProjection, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		engine:  engine,
		db:      db,
		history: history,
		metrics: metrics,
	}
}

// GetUserAccount returns a user's position; zeros for an unknown user.
func (qs *QueryService) GetUserAccount(ctx context.Context, user string) (*AccountResponse, error) {
	defer qs.observe("user_account", time.Now())

	acct := qs.engine.GetUserAccount(user)
	maxBorrow := qs.engine.MaxBorrowable(user)
	username, _ := qs.engine.GetUsername(user)
	advice, _ := qs.engine.GetRiskAdvice(user)
	return &AccountResponse{
		User:          user,
		Deposited:     acct.Deposited.Dec(),
		Collateral:    acct.Collateral.Dec(),
		Borrowed:      acct.Borrowed.Dec(),
		MaxBorrowable: maxBorrow.Dec(),
		Username:      username,
		RiskAdvice:    advice,
		AsOfSequence:  qs.asOf(),
	}, nil
}

// GetUsername returns the display name user signed up with.
func (qs *QueryService) GetUsername(ctx context.Context, user string) (*UsernameResponse, error) {
	defer qs.observe("username", time.Now())

	name, ok := qs.engine.GetUsername(user)
	if !ok {
		qs.fail("username", "not_found")
		return nil, fmt.Errorf("username for %q: %w", user, ErrNotFound)
	}
	return &UsernameResponse{User: user, Username: name}, nil
}

// GetStableToken returns supply and all balances in first-credit order.
func (qs *QueryService) GetStableToken(ctx context.Context) (*StableTokenResponse, error) {
	defer qs.observe("stable_token", time.Now())

	snap := qs.engine.GetStableToken()
	resp := &StableTokenResponse{
		TotalSupply:  snap.TotalSupply.Dec(),
		Balances:     make([]BalanceEntry, 0, len(snap.Balances)),
		AsOfSequence: qs.asOf(),
	}
	for _, b := range snap.Balances {
		resp.Balances = append(resp.Balances, BalanceEntry{User: b.User, Balance: b.Balance.Dec()})
	}
	return resp, nil
}

// GetBalance returns a user's stable token balance.
func (qs *QueryService) GetBalance(ctx context.Context, user string) (*BalanceResponse, error) {
	defer qs.observe("balance", time.Now())

	bal := qs.engine.GetBalance(user)
	return &BalanceResponse{User: user, Balance: bal.Dec(), AsOfSequence: qs.asOf()}, nil
}

// GetTotalSupply returns the stable token supply.
func (qs *QueryService) GetTotalSupply(ctx context.Context) (*SupplyResponse, error) {
	defer qs.observe("total_supply", time.Now())

	supply := qs.engine.GetTotalSupply()
	return &SupplyResponse{TotalSupply: supply.Dec(), AsOfSequence: qs.asOf()}, nil
}

// ListUsers returns every account in first-seen order.
func (qs *QueryService) ListUsers(ctx context.Context) (*UsersResponse, error) {
	defer qs.observe("users", time.Now())

	return &UsersResponse{Users: qs.engine.ListUsers(), AsOfSequence: qs.asOf()}, nil
}

// GetOperationHistory returns up to limit operations for user, newest
// first. beforeSequence, when set, pages backwards from that sequence.
func (qs *QueryService) GetOperationHistory(
	ctx context.Context,
	user string,
	limit int,
	beforeSequence *int64,
) (*OperationHistoryResponse, error) {
	defer qs.observe("operations", time.Now())

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	if qs.db != nil {
		resp, err := qs.historyFromLog(ctx, user, limit, beforeSequence)
		if err != nil {
			qs.fail("operations", "db")
			return nil, err
		}
		return resp, nil
	}

	resp := &OperationHistoryResponse{User: user, Operations: []OperationEntry{}, AsOfSequence: -1}
	if qs.history == nil {
		return resp, nil
	}
	resp.AsOfSequence = qs.history.LastSequence()
	// The in-memory projection is bounded; page by filtering.
	for _, h := range qs.history.QueryByUser(user, MaxHistoryLimit) {
		if beforeSequence != nil && h.Sequence >= *beforeSequence {
			continue
		}
		resp.Operations = append(resp.Operations, OperationEntry{
			Sequence:  h.Sequence,
			OpType:    h.OpType,
			Amount:    h.Amount,
			Applied:   h.Applied,
			RequestID: h.RequestID,
			Timestamp: h.Timestamp,
		})
		if len(resp.Operations) == limit {
			break
		}
	}
	return resp, nil
}

func (qs *QueryService) historyFromLog(ctx context.Context, user string, limit int, beforeSequence *int64) (*OperationHistoryResponse, error) {
	asOf, err := qs.persistedSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("persisted sequence: %w", err)
	}

	query := `
		SELECT sequence, op_type, amount::TEXT, applied::TEXT, idempotency_key, timestamp
		FROM event_log.operations
		WHERE user_id = $1
	`
	args := []any{user}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &OperationHistoryResponse{User: user, Operations: []OperationEntry{}, AsOfSequence: asOf}
	for rows.Next() {
		var e OperationEntry
		var opType string
		if err := rows.Scan(&e.Sequence, &opType, &e.Amount, &e.Applied, &e.RequestID, &e.Timestamp); err != nil {
			return nil, err
		}
		e.OpType = journalName(opType)
		resp.Operations = append(resp.Operations, e)
	}
	return resp, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity re-checks every ledger invariant in memory and, when
// Postgres is configured, the persisted hash chain and stable projection.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	defer qs.observe("integrity", time.Now())

	hash := qs.engine.GetStateHash()
	report := &IntegrityReport{
		EngineSequence:    qs.asOf(),
		PersistedSequence: -1,
		StateHash:         hex.EncodeToString(hash[:]),
	}

	if err := qs.engine.IntegrityCheck(); err != nil {
		report.EngineError = err.Error()
	}

	if qs.db != nil {
		if err := qs.verifyPersisted(ctx, report); err != nil {
			qs.fail("integrity", "db")
			return nil, err
		}
	}

	report.IsHealthy = report.EngineError == "" &&
		len(report.HashChainBreaks) == 0 &&
		report.ProjectionDrift == ""
	return report, nil
}

func (qs *QueryService) verifyPersisted(ctx context.Context, report *IntegrityReport) error {
	seq, err := qs.persistedSequence(ctx)
	if err != nil {
		return fmt.Errorf("persisted sequence: %w", err)
	}
	report.PersistedSequence = seq

	rows, err := qs.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM event_log.operations o1
		LEFT JOIN event_log.operations o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.sequence > 0 AND (o2.sequence IS NULL OR o1.prev_hash <> o2.state_hash)
		ORDER BY o1.sequence
		LIMIT 10
	`)
	if err != nil {
		return fmt.Errorf("hash chain: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s int64
		if err := rows.Scan(&s); err != nil {
			return err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, s)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var supply, sum sql.NullString
	err = qs.db.QueryRowContext(ctx, `
		SELECT
			(SELECT total_supply::TEXT FROM projections.stable_supply WHERE id = 1),
			(SELECT COALESCE(SUM(balance), 0)::TEXT FROM projections.stable_balances)
	`).Scan(&supply, &sum)
	if err != nil {
		return fmt.Errorf("projection totals: %w", err)
	}
	if supply.Valid && supply.String != sum.String {
		report.ProjectionDrift = fmt.Sprintf("projected supply %s != sum of projected balances %s", supply.String, sum.String)
	}
	return nil
}

// --- helpers ---

// asOf is the last committed sequence, -1 before any commit.
func (qs *QueryService) asOf() int64 {
	return qs.engine.GetSequence() - 1
}

func (qs *QueryService) persistedSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.operations`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !seq.Valid) {
		return -1, nil
	}
	return seq.Int64, err
}

func (qs *QueryService) observe(endpoint string, start time.Time) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (qs *QueryService) fail(endpoint, code string) {
	if qs.metrics != nil {
		qs.metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
	}
}

// journalName maps a logged op type to the history name used by the
// in-memory projection, so both sources answer alike.
func journalName(opType string) string {
	switch opType {
	case "Deposit":
		return ledger.JournalTypeDeposit.String()
	case "DepositCollateral":
		return ledger.JournalTypeCollateralDeposit.String()
	case "Borrow":
		return ledger.JournalTypeBorrow.String()
	case "Repay":
		return ledger.JournalTypeRepay.String()
	case "WithdrawCollateral":
		return ledger.JournalTypeCollateralWithdrawal.String()
	default:
		return opType
	}
}
