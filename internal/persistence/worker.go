package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"

	"github.com/rs/zerolog"
)

// batchWriter is the slice of OperationLogWriter the worker needs. Tests
// substitute an in-memory implementation.
type batchWriter interface {
	WriteBatch(ctx context.Context, rows []OperationRow) (int64, error)
}

// txBatchWriter writes each batch inside one transaction.
type txBatchWriter struct {
	db     *sql.DB
	writer *OperationLogWriter
}

func (t *txBatchWriter) WriteBatch(ctx context.Context, rows []OperationRow) (int64, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("tx begin: %w", err)
	}
	defer tx.Rollback()

	written, err := t.writer.WriteOperationBatch(ctx, tx, rows)
	if err != nil {
		return 0, fmt.Errorf("write operations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("tx commit: %w", err)
	}
	return written, nil
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on that channel with a blocking send, so a slow worker
// stalls the engine instead of losing operations.
type PersistenceWorker struct {
	writer       batchWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return newWorker(&txBatchWriter{db: db, writer: NewOperationLogWriter(db)},
		inputChan, batchSize, flushTimeout, metrics, logger)
}

func newWorker(
	w batchWriter,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       w,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]OperationRow, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("rows", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("rows", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, RowFromOutput(output))

			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. The worker never drops a batch.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, rows []OperationRow) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("rows", len(rows)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				// One last try outside the cancelled context.
				if err := pw.flush(context.Background(), rows); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, rows)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, rows []OperationRow) error {
	start := time.Now()

	written, err := pw.writer.WriteBatch(ctx, rows)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_operations").Inc()
		}
		return err
	}
	if skipped := int64(len(rows)) - written; skipped > 0 {
		// Already stored (a retry) or a second commit of a request id.
		pw.logger.Warn().
			Int64("skipped", skipped).
			Int64("first_sequence", rows[0].Sequence).
			Int64("last_sequence", rows[len(rows)-1].Sequence).
			Msg("operation rows conflicted with the log and were skipped")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("conflict_skipped").Add(float64(skipped))
		}
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(rows)))
		pw.metrics.PersistEventsWritten.Add(float64(len(rows)))
		pw.metrics.PersistLastSequence.Set(float64(rows[len(rows)-1].Sequence))
	}
	return nil
}
