package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/state"

	"github.com/rs/zerolog"
)

const snapshotsKept = 3

// errLogBehind: the operation log has not reached the snapshot's sequence
// yet, so the snapshot cannot be verified against it.
var errLogBehind = errors.New("operation log behind snapshot")

type snapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *persistence.SnapshotData) (int, error)
	MarkVerified(ctx context.Context, sequence int64) error
	Prune(ctx context.Context, keep int) (int64, error)
}

type operationLog interface {
	LoadOperationsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.OperationRow, error)
}

// snapshotter saves engine snapshots and marks them verified once a scratch
// engine restored from the stored form reproduces it exactly and its hash
// matches the operation log at that sequence.
type snapshotter struct {
	engine      *core.PoolEngine
	store       snapshotStore
	log         operationLog
	risk        state.RiskParams
	lruCapacity int
	metrics     *observability.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

// take snapshots the engine. A snapshot the log cannot confirm yet is left
// unverified and never used for recovery.
func (s *snapshotter) take(ctx context.Context) error {
	start := s.now()

	data := persistence.SnapshotFromState(s.engine.CreateSnapshotState(), start)
	if data.Sequence < 0 {
		return nil
	}

	size, err := s.store.SaveSnapshot(ctx, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if err := s.verify(ctx, data); err != nil {
		return fmt.Errorf("verify snapshot %d: %w", data.Sequence, err)
	}
	if err := s.store.MarkVerified(ctx, data.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}
	if pruned, err := s.store.Prune(ctx, snapshotsKept); err != nil {
		s.logger.Warn().Err(err).Msg("snapshot prune failed")
	} else if pruned > 0 {
		s.logger.Debug().Int64("pruned", pruned).Msg("old snapshots pruned")
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	}
	s.logger.Info().Int64("sequence", data.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}

func (s *snapshotter) verify(ctx context.Context, data *persistence.SnapshotData) error {
	st, err := data.ToState()
	if err != nil {
		return err
	}

	scratch := core.NewPoolEngine(core.EngineConfig{
		RiskParams:          s.risk,
		IdempotencyCapacity: s.lruCapacity,
	})
	if err := scratch.RestoreFromSnapshot(st); err != nil {
		return err
	}
	if err := scratch.IntegrityCheck(); err != nil {
		return err
	}
	again := persistence.SnapshotFromState(scratch.CreateSnapshotState(), data.CreatedAt)
	if !slices.Equal(again.Accounts, data.Accounts) || !slices.Equal(again.Balances, data.Balances) ||
		!bytes.Equal(again.StateHash, data.StateHash) {
		return errors.New("snapshot does not round-trip through a restored engine")
	}

	return checkLogHash(ctx, s.log, data.Sequence, st.StateHash)
}

// checkLogHash compares hash with the state hash logged at seq.
func checkLogHash(ctx context.Context, log operationLog, seq int64, hash [32]byte) error {
	rows, err := log.LoadOperationsFrom(ctx, seq, 1)
	if err != nil {
		return fmt.Errorf("load operation %d: %w", seq, err)
	}
	if len(rows) == 0 || rows[0].Sequence != seq {
		return errLogBehind
	}
	logged, err := rows[0].Hash()
	if err != nil {
		return err
	}
	if logged != hash {
		return fmt.Errorf("state hash %x != logged hash %x at sequence %d", hash, logged, seq)
	}
	return nil
}

// run snapshots every interval committed operations, checking every tick.
func (s *snapshotter) run(ctx context.Context, interval int64, tick time.Duration) {
	last := s.engine.GetSequence()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := s.engine.GetSequence()
			if current-last < interval {
				continue
			}
			if err := s.take(ctx); err != nil {
				if errors.Is(err, errLogBehind) {
					s.logger.Debug().Int64("sequence", current-1).Msg("snapshot deferred until the log catches up")
					continue
				}
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = current
		}
	}
}
