package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OperationLogWriter writes committed operations to event_log.operations
// using multi-row INSERT.
type OperationLogWriter struct {
	db *sql.DB
}

// OperationRow represents a row in event_log.operations. Amounts are
// base-10 strings stored as NUMERIC(78,0).
type OperationRow struct {
	Sequence       int64
	JournalID      string
	OpType         string
	IdempotencyKey string
	User           string
	Amount         string
	Applied        string
	PostDeposited  string
	PostCollateral string
	PostBorrowed   string
	TotalSupply    string
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

const operationColumns = 14

func NewOperationLogWriter(db *sql.DB) *OperationLogWriter {
	return &OperationLogWriter{db: db}
}

// RowFromOutput flattens an engine output into a log row.
func RowFromOutput(out core.CoreOutput) OperationRow {
	env, j := out.Envelope, out.Journal
	return OperationRow{
		Sequence:       env.Sequence,
		JournalID:      j.JournalID.String(),
		OpType:         env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		User:           env.User,
		Amount:         j.Amount.Dec(),
		Applied:        j.Applied.Dec(),
		PostDeposited:  j.Post.Deposited.Dec(),
		PostCollateral: j.Post.Collateral.Dec(),
		PostBorrowed:   j.Post.Borrowed.Dec(),
		TotalSupply:    j.TotalSupply.Dec(),
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}
}

// Event rebuilds the command a row was produced from, for replay.
func (r OperationRow) Event() (event.Event, error) {
	et := event.ParseEventType(r.OpType)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("sequence %d: unknown op type %q", r.Sequence, r.OpType)
	}
	amount, err := ledger.ParseAmount(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("sequence %d: %w", r.Sequence, err)
	}
	return event.New(et, event.Command{
		RequestID: r.IdempotencyKey,
		User:      r.User,
		Amount:    amount,
		Timestamp: r.Timestamp,
	}), nil
}

// Hash returns the stored state hash as a fixed array.
func (r OperationRow) Hash() ([32]byte, error) {
	var h [32]byte
	if len(r.StateHash) != len(h) {
		return h, fmt.Errorf("sequence %d: state hash has %d bytes", r.Sequence, len(r.StateHash))
	}
	copy(h[:], r.StateHash)
	return h, nil
}

// WriteOperationBatch writes rows with one INSERT and returns how many were
// stored. A row colliding with a stored sequence or (op, request id) is
// skipped, so a retried batch never duplicates and a duplicate command can
// never wedge the writer.
func (w *OperationLogWriter) WriteOperationBatch(ctx context.Context, q execer, rows []OperationRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if q == nil {
		q = w.db
	}

	query, args := buildOperationInsert(rows)
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func buildOperationInsert(rows []OperationRow) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO event_log.operations
		(sequence, journal_id, op_type, idempotency_key, user_id, amount, applied,
		 post_deposited, post_collateral, post_borrowed, total_supply, state_hash, prev_hash, timestamp)
		VALUES `)

	args := make([]any, 0, len(rows)*operationColumns)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * operationColumns
		sb.WriteString("(")
		for c := 1; c <= operationColumns; c++ {
			if c > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+c)
		}
		sb.WriteString(")")

		args = append(args,
			r.Sequence, r.JournalID, r.OpType, r.IdempotencyKey, r.User, r.Amount, r.Applied,
			r.PostDeposited, r.PostCollateral, r.PostBorrowed, r.TotalSupply,
			r.StateHash, r.PrevHash, r.Timestamp,
		)
	}
	sb.WriteString(" ON CONFLICT DO NOTHING")

	return sb.String(), args
}

// LoadOperationsFrom loads up to limit rows starting at fromSequence, for
// replay.
func (w *OperationLogWriter) LoadOperationsFrom(ctx context.Context, fromSequence int64, limit int) ([]OperationRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, journal_id, op_type, idempotency_key, user_id, amount::TEXT, applied::TEXT,
		       post_deposited::TEXT, post_collateral::TEXT, post_borrowed::TEXT, total_supply::TEXT,
		       state_hash, prev_hash, timestamp
		FROM event_log.operations
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OperationRow
	for rows.Next() {
		var r OperationRow
		if err := rows.Scan(
			&r.Sequence, &r.JournalID, &r.OpType, &r.IdempotencyKey, &r.User, &r.Amount, &r.Applied,
			&r.PostDeposited, &r.PostCollateral, &r.PostBorrowed, &r.TotalSupply,
			&r.StateHash, &r.PrevHash, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetLatestSequence returns the highest sequence in the log, or -1 when
// the log is empty.
func (w *OperationLogWriter) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.operations
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
