package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/persistence"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

type snapshotLoader interface {
	LoadLatestSnapshot(ctx context.Context) (*persistence.SnapshotData, error)
}

type recentOutcomes interface {
	LoadRecent(ctx context.Context, limit int) ([]core.IdempotencyRecord, error)
}

// recoverEngine rebuilds engine state: restore the latest verified snapshot,
// replay the operation log after it, then warm the idempotency LRU. Every
// replayed operation must reproduce its logged sequence and state hash; a
// divergence means the log and the engine disagree and is fatal.
func recoverEngine(
	ctx context.Context,
	engine *core.PoolEngine,
	snapshots snapshotLoader,
	log operationLog,
	outcomes recentOutcomes,
	lruCapacity int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (int64, error) {
	start := time.Now()

	snap, err := snapshots.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		st, err := snap.ToState()
		if err != nil {
			return 0, fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		if err := engine.RestoreFromSnapshot(st); err != nil {
			return 0, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		if err := checkLogHash(ctx, log, snap.Sequence, st.StateHash); err != nil && !errors.Is(err, errLogBehind) {
			panic(fmt.Sprintf("FATAL: snapshot at sequence %d disagrees with operation log: %v", snap.Sequence, err))
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	var replayed int64
	from := engine.GetSequence()
	for {
		rows, err := log.LoadOperationsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return replayed, fmt.Errorf("load operations from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			evt, err := row.Event()
			if err != nil {
				return replayed, err
			}
			hash, err := row.Hash()
			if err != nil {
				return replayed, err
			}
			if err := engine.Replay(evt, row.Sequence, hash); err != nil {
				panic(fmt.Sprintf("FATAL: replay diverged: %v", err))
			}
			replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	if outcomes != nil && lruCapacity > 0 {
		records, err := outcomes.LoadRecent(ctx, lruCapacity)
		if err != nil {
			return replayed, fmt.Errorf("warm idempotency: %w", err)
		}
		engine.WarmIdempotency(records)
		logger.Info().Int("keys", len(records)).Msg("idempotency LRU warmed")
	}

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	logger.Info().
		Int64("replayed", replayed).
		Int64("next_sequence", engine.GetSequence()).
		Dur("duration", time.Since(start)).
		Msg("recovery complete")
	return replayed, nil
}
