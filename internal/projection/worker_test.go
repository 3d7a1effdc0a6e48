package projection

import (
	"context"
	"errors"
	"testing"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore records applied sequences and the watermark the way the
// projection tables would.
type memStore struct {
	applied   []int64
	watermark int64
	logHead   int64
	rebuilds  int
	failSeq   int64
}

func newMemStore() *memStore {
	return &memStore{watermark: -1, logHead: -1, failSeq: -1}
}

func (m *memStore) Apply(_ context.Context, out core.CoreOutput, advance bool) error {
	seq := out.Envelope.Sequence
	if seq == m.failSeq {
		return errors.New("deadlock detected")
	}
	m.applied = append(m.applied, seq)
	if advance {
		m.watermark = seq
	}
	return nil
}

func (m *memStore) LogHead(context.Context) (int64, error) { return m.logHead, nil }

func (m *memStore) Rebuild(context.Context) error {
	m.rebuilds++
	m.watermark = m.logHead
	return nil
}

func output(seq int64, user string) core.CoreOutput {
	return core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: seq, EventType: event.EventTypeDeposit, User: user},
		Journal:  &ledger.Journal{Sequence: seq, JournalType: ledger.JournalTypeDeposit, User: user},
		Outcome:  core.Outcome{Accepted: true, Sequence: seq},
	}
}

func TestWorkerContiguousSequencesStayClean(t *testing.T) {
	st := newMemStore()
	w := newWorker(st, nil, nil, nil, zerolog.Nop())

	for seq := int64(0); seq < 3; seq++ {
		w.consume(context.Background(), output(seq, "alice"))
	}

	assert.Equal(t, int64(-1), w.dirtySince)
	assert.Equal(t, int64(2), st.watermark)
}

func TestWorkerGapHoldsWatermarkAndRebuilds(t *testing.T) {
	st := newMemStore()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	w := newWorker(st, nil, nil, metrics, zerolog.Nop())
	ctx := context.Background()

	w.ResumeAfter(3)
	w.consume(ctx, output(4, "bob"))
	// 5 (carol) was dropped upstream; 6 (alice) arrives.
	w.consume(ctx, output(6, "alice"))
	w.consume(ctx, output(7, "alice"))

	assert.Equal(t, int64(5), w.dirtySince)
	assert.Equal(t, int64(4), st.watermark, "watermark must not pass the gap")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProjectionGaps))

	// The log has not persisted 7 yet: a rebuild now would lose it.
	st.logHead = 6
	w.heal(ctx)
	assert.Zero(t, st.rebuilds)
	assert.Equal(t, int64(5), w.dirtySince)

	st.logHead = 7
	w.heal(ctx)
	assert.Equal(t, 1, st.rebuilds)
	assert.Equal(t, int64(-1), w.dirtySince)
	assert.Equal(t, int64(7), st.watermark)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProjectionRebuilds))

	w.consume(ctx, output(8, "alice"))
	assert.Equal(t, int64(8), st.watermark, "clean again after the rebuild")
}

func TestWorkerFailedUpdateMarksDirty(t *testing.T) {
	st := newMemStore()
	st.failSeq = 1
	w := newWorker(st, nil, nil, nil, zerolog.Nop())
	ctx := context.Background()

	w.consume(ctx, output(0, "alice"))
	w.consume(ctx, output(1, "bob"))
	w.consume(ctx, output(2, "alice"))

	assert.Equal(t, int64(1), w.dirtySince)
	assert.Equal(t, int64(0), st.watermark)
	require.Equal(t, []int64{0, 2}, st.applied)
}

func TestWorkerStaleResumePointIsAGap(t *testing.T) {
	st := newMemStore()
	w := newWorker(st, nil, nil, nil, zerolog.Nop())
	w.ResumeAfter(3) // tables stuck at 3 after a failed startup rebuild

	w.consume(context.Background(), output(10, "alice"))
	assert.Equal(t, int64(4), w.dirtySince)
}

func TestWorkerWithoutStoreIgnoresGaps(t *testing.T) {
	h := NewHistoryProjection(10)
	w := newWorker(nil, h, nil, nil, zerolog.Nop())

	w.consume(context.Background(), output(0, "alice"))
	w.consume(context.Background(), output(5, "alice"))

	assert.Equal(t, int64(-1), w.dirtySince)
	assert.Len(t, h.QueryByUser("alice", 10), 2)
}
