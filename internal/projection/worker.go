package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/observability"

	"github.com/rs/zerolog"
)

// WatermarkName identifies this worker in projections.projection_watermarks.
const WatermarkName = "pool"

// ProjectionWorker maintains read models from committed operations. The
// projection channel drops on a full buffer, so the worker checks that
// sequences arrive contiguously. On a gap, or a failed update, it stops
// advancing the watermark and rebuilds from the operation log once the log
// has caught up with everything it consumed.
type ProjectionWorker struct {
	store     store // nil: in-memory history only
	history   *HistoryProjection
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   atomic.Int64

	// dirtySince is the first sequence whose update is missing, -1 when
	// the tables are complete. Owned by the Run goroutine.
	dirtySince int64
	healEvery  time.Duration
}

// store is the Postgres side of the worker.
type store interface {
	Apply(ctx context.Context, output core.CoreOutput, advanceWatermark bool) error
	LogHead(ctx context.Context) (int64, error)
	Rebuild(ctx context.Context) error
}

func NewProjectionWorker(
	db *sql.DB,
	history *HistoryProjection,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	var st store
	if db != nil {
		st = &sqlStore{db: db, metrics: metrics}
	}
	return newWorker(st, history, inputChan, metrics, logger)
}

func newWorker(
	st store,
	history *HistoryProjection,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	pw := &ProjectionWorker{
		store:      st,
		history:    history,
		inputChan:  inputChan,
		metrics:    metrics,
		logger:     logger,
		dirtySince: -1,
		healEvery:  time.Second,
	}
	pw.lastSeq.Store(-1)
	return pw
}

// ResumeAfter tells the worker seq is already reflected, so the next
// output must carry seq+1. Call before Run.
func (pw *ProjectionWorker) ResumeAfter(seq int64) {
	pw.lastSeq.Store(seq)
}

// Run consumes outputs until ctx is cancelled or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(pw.healEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if pw.dirtySince >= 0 {
				pw.heal(ctx)
			}

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.consume(ctx, output)
		}
	}
}

func (pw *ProjectionWorker) consume(ctx context.Context, output core.CoreOutput) {
	seq := output.Envelope.Sequence
	if last := pw.lastSeq.Load(); seq > last+1 {
		pw.logger.Warn().Int64("after", last).Int64("sequence", seq).Msg("projection gap, outputs were dropped")
		pw.markDirty(last + 1)
	}

	if pw.history != nil {
		pw.history.Apply(output)
	}

	if pw.store != nil {
		if err := pw.store.Apply(ctx, output, pw.dirtySince < 0); err != nil {
			pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
			pw.markDirty(seq)
		}
	}

	pw.lastSeq.Store(seq)
	if pw.metrics != nil {
		pw.metrics.ProjectionLastSequence.Set(float64(seq))
	}
}

func (pw *ProjectionWorker) markDirty(seq int64) {
	if pw.metrics != nil {
		pw.metrics.ProjectionGaps.Inc()
	}
	if pw.store == nil {
		// History is best-effort; nothing to rebuild.
		return
	}
	if pw.dirtySince < 0 || seq < pw.dirtySince {
		pw.dirtySince = seq
	}
}

// heal rebuilds the tables once the log holds every consumed sequence; a
// rebuild from a shorter log would erase rows already applied.
func (pw *ProjectionWorker) heal(ctx context.Context) {
	head, err := pw.store.LogHead(ctx)
	if err != nil {
		pw.logger.Warn().Err(err).Msg("projection heal: read log head")
		return
	}
	if head < pw.lastSeq.Load() {
		return
	}
	if err := pw.store.Rebuild(ctx); err != nil {
		pw.logger.Warn().Err(err).Msg("projection rebuild failed")
		return
	}
	pw.logger.Info().Int64("dirty_since", pw.dirtySince).Int64("head", head).Msg("projections rebuilt from log")
	pw.dirtySince = -1
	if pw.metrics != nil {
		pw.metrics.ProjectionRebuilds.Inc()
	}
}

// LastSequence returns the last sequence the worker consumed.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}

// Watermark returns the last sequence reflected in the projection tables,
// -1 if none.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.projection_watermarks WHERE projection_name = $1
	`, WatermarkName).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

// sqlStore applies outputs to the projection tables.
type sqlStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// Apply upserts one output. The watermark only moves while every earlier
// sequence is reflected, so a restart with a stale watermark rebuilds.
func (st *sqlStore) Apply(ctx context.Context, output core.CoreOutput, advanceWatermark bool) error {
	start := time.Now()
	j := output.Journal
	seq := output.Envelope.Sequence

	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Journals carry the post-state, so upserts write absolute values and
	// a replayed row is harmless.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.accounts
			(user_id, deposited, collateral, borrowed, first_sequence, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			deposited = EXCLUDED.deposited,
			collateral = EXCLUDED.collateral,
			borrowed = EXCLUDED.borrowed,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.accounts.last_sequence < EXCLUDED.last_sequence
	`, j.User, j.Post.Deposited.Dec(), j.Post.Collateral.Dec(), j.Post.Borrowed.Dec(), seq); err != nil {
		return fmt.Errorf("account projection: %w", err)
	}

	if j.JournalType == ledger.JournalTypeDeposit {
		if err := updateStableProjection(ctx, tx, j, seq); err != nil {
			return fmt.Errorf("stable projection: %w", err)
		}
	}

	if advanceWatermark {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.projection_watermarks (projection_name, last_sequence, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
			WHERE projections.projection_watermarks.last_sequence < $2
		`, WatermarkName, seq); err != nil {
			return fmt.Errorf("watermark update: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if st.metrics != nil {
		st.metrics.ProjectionUpdateDur.WithLabelValues("accounts").Observe(time.Since(start).Seconds())
	}
	return nil
}

// LogHead returns the newest persisted sequence, -1 for an empty log.
func (st *sqlStore) LogHead(ctx context.Context) (int64, error) {
	var head int64
	err := st.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), -1) FROM event_log.operations`).Scan(&head)
	return head, err
}

func (st *sqlStore) Rebuild(ctx context.Context) error {
	return RebuildProjections(ctx, st.db)
}

// updateStableProjection: a user's stable balance always equals their
// deposited principal, so the post-state is enough.
func updateStableProjection(ctx context.Context, tx *sql.Tx, j *ledger.Journal, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.stable_balances (user_id, balance, first_sequence, last_sequence)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			last_sequence = EXCLUDED.last_sequence
		WHERE projections.stable_balances.last_sequence < EXCLUDED.last_sequence
	`, j.User, j.Post.Deposited.Dec(), seq); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.stable_supply (id, total_supply, last_sequence)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			total_supply = EXCLUDED.total_supply,
			last_sequence = EXCLUDED.last_sequence
		WHERE projections.stable_supply.last_sequence < EXCLUDED.last_sequence
	`, j.TotalSupply.Dec(), seq)
	return err
}

// RebuildProjections rebuilds every projection table from the operation
// log in one transaction.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []struct {
		name string
		sql  string
	}{
		{"truncate", `TRUNCATE projections.accounts, projections.stable_balances, projections.stable_supply`},
		{"accounts", `
			INSERT INTO projections.accounts
				(user_id, deposited, collateral, borrowed, first_sequence, last_sequence, updated_at)
			SELECT latest.user_id, latest.post_deposited, latest.post_collateral, latest.post_borrowed,
			       firsts.first_sequence, latest.sequence, NOW()
			FROM (
				SELECT DISTINCT ON (user_id) user_id, sequence, post_deposited, post_collateral, post_borrowed
				FROM event_log.operations
				ORDER BY user_id, sequence DESC
			) latest
			JOIN (
				SELECT user_id, MIN(sequence) AS first_sequence
				FROM event_log.operations
				GROUP BY user_id
			) firsts USING (user_id)`},
		{"stable_balances", `
			INSERT INTO projections.stable_balances (user_id, balance, first_sequence, last_sequence)
			SELECT user_id, (ARRAY_AGG(post_deposited ORDER BY sequence DESC))[1], MIN(sequence), MAX(sequence)
			FROM event_log.operations
			WHERE op_type = 'Deposit'
			GROUP BY user_id`},
		{"stable_supply", `
			INSERT INTO projections.stable_supply (id, total_supply, last_sequence)
			SELECT 1, total_supply, sequence
			FROM event_log.operations
			ORDER BY sequence DESC
			LIMIT 1`},
		{"watermark", `
			INSERT INTO projections.projection_watermarks (projection_name, last_sequence, updated_at)
			SELECT '` + WatermarkName + `', MAX(sequence), NOW() FROM event_log.operations
			HAVING MAX(sequence) IS NOT NULL
			ON CONFLICT (projection_name) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()`},
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("rebuild %s: %w", stmt.name, err)
		}
	}
	return tx.Commit()
}
