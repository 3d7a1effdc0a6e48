package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"PoolLedger/internal/core"
)

// PostgresIdempotencyChecker is the durable dedup tier. Only committed
// operations reach the log, so a hit is always an accepted outcome.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// LookupOutcome finds the commit for (op, request id).
func (pic *PostgresIdempotencyChecker) LookupOutcome(op string, idempotencyKey string) (core.Outcome, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	var seq int64
	err := pic.db.QueryRowContext(ctx, `
		SELECT sequence
		FROM event_log.operations
		WHERE op_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, op, idempotencyKey).Scan(&seq)

	if errors.Is(err, sql.ErrNoRows) {
		return core.Outcome{}, false, nil
	}
	if err != nil {
		return core.Outcome{}, false, err
	}
	return core.Outcome{Accepted: true, Sequence: seq}, true, nil
}

// LoadRecent returns up to limit of the most recent keyed commits,
// oldest first, for warming the LRU after a cold start.
func (pic *PostgresIdempotencyChecker) LoadRecent(ctx context.Context, limit int) ([]core.IdempotencyRecord, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT op_type, idempotency_key, sequence
		FROM event_log.operations
		WHERE idempotency_key <> ''
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recent []core.IdempotencyRecord
	for rows.Next() {
		var op, key string
		var seq int64
		if err := rows.Scan(&op, &key, &seq); err != nil {
			return nil, err
		}
		recent = append(recent, core.IdempotencyRecord{
			Key:     core.CompositeKey(op, key),
			Outcome: core.Outcome{Accepted: true, Sequence: seq},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}
