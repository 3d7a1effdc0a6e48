package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWriter struct {
	mu       sync.Mutex
	batches  [][]OperationRow
	failures int
	seenKeys map[string]bool
}

// WriteBatch mimics ON CONFLICT DO NOTHING on (op, request id).
func (m *memWriter) WriteBatch(ctx context.Context, rows []OperationRow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return 0, errors.New("connection reset")
	}
	if m.seenKeys == nil {
		m.seenKeys = make(map[string]bool)
	}
	var kept []OperationRow
	for _, r := range rows {
		if r.IdempotencyKey != "" {
			k := r.OpType + ":" + r.IdempotencyKey
			if m.seenKeys[k] {
				continue
			}
			m.seenKeys[k] = true
		}
		kept = append(kept, r)
	}
	m.batches = append(m.batches, kept)
	return int64(len(kept)), nil
}

func (m *memWriter) rows() []OperationRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OperationRow
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

func (m *memWriter) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

// produce runs n deposits through a real engine and returns its outputs.
func produce(t *testing.T, n int) []core.CoreOutput {
	t.Helper()
	ch := make(chan core.CoreOutput, n)
	e := core.NewPoolEngine(core.EngineConfig{PersistChan: ch})
	for i := 0; i < n; i++ {
		require.True(t, e.Deposit("alice", ledger.Amount(uint64(i+1))))
	}
	close(ch)
	var out []core.CoreOutput
	for o := range ch {
		out = append(out, o)
	}
	return out
}

func TestWorkerFlushesFullBatches(t *testing.T) {
	outputs := produce(t, 5)
	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)

	w := &memWriter{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	worker := newWorker(w, in, 2, time.Hour, metrics, zerolog.Nop())

	require.NoError(t, worker.Run(context.Background()))

	// 2 + 2 full batches, then the remaining 1 on channel close.
	assert.Equal(t, 3, w.batchCount())
	rows := w.rows()
	require.Len(t, rows, 5)
	for i, r := range rows {
		assert.Equal(t, int64(i), r.Sequence)
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.PersistEventsWritten))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.PersistLastSequence))
}

func TestWorkerFlushesOnTimeout(t *testing.T) {
	outputs := produce(t, 1)
	in := make(chan core.CoreOutput, 1)
	in <- outputs[0]

	w := &memWriter{}
	worker := newWorker(w, in, 100, 5*time.Millisecond, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool { return w.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWorkerRetriesUntilSuccess(t *testing.T) {
	outputs := produce(t, 2)
	in := make(chan core.CoreOutput, 2)
	for _, o := range outputs {
		in <- o
	}
	close(in)

	w := &memWriter{failures: 2}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	worker := newWorker(w, in, 2, time.Hour, metrics, zerolog.Nop())
	worker.maxBackoff = 10 * time.Millisecond

	require.NoError(t, worker.Run(context.Background()))

	assert.Len(t, w.rows(), 2, "a failed batch is retried, never dropped")
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PersistRetry))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PersistErrors.WithLabelValues("write_operations")))
}

func TestWorkerSkipsConflictingRowsWithoutRetry(t *testing.T) {
	rows := []OperationRow{
		{Sequence: 0, OpType: "Deposit", IdempotencyKey: "req-1"},
		{Sequence: 1, OpType: "Deposit", IdempotencyKey: "req-2"},
		{Sequence: 2, OpType: "Deposit", IdempotencyKey: "req-1"},
	}
	w := &memWriter{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	worker := newWorker(w, nil, 10, time.Hour, metrics, zerolog.Nop())

	require.NoError(t, worker.flushWithRetry(context.Background(), rows))

	assert.Len(t, w.rows(), 2)
	assert.Equal(t, 1, w.batchCount(), "a conflict is not a write failure")
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.PersistRetry))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PersistErrors.WithLabelValues("conflict_skipped")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PersistLastSequence))
}
