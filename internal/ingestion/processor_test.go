package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/state"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type acks struct {
	ack, nak, term int
}

func rawCommand(subject, data string, a *acks) RawCommand {
	return RawCommand{
		Subject:    subject,
		Data:       []byte(data),
		ReceivedAt: time.Now(),
		Ack:        func() { a.ack++ },
		Nak:        func() { a.nak++ },
		Term:       func() { a.term++ },
	}
}

func newProcessor(t *testing.T, outputs chan core.CoreOutput) (*CommandProcessor, *core.PoolEngine, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine := core.NewPoolEngine(core.EngineConfig{
		RiskParams:     state.DefaultRiskParams(),
		Metrics:        metrics,
		ProjectionChan: outputs,
	})
	return NewCommandProcessor(engine, nil, metrics, zerolog.Nop()), engine, metrics
}

func TestProcessor_AppliesAndAcks(t *testing.T) {
	p, engine, metrics := newProcessor(t, nil)
	var a acks

	out := p.Process(rawCommand("pool.commands.deposit_collateral.alice", `{"user":"alice","amount":"100"}`, &a))
	require.True(t, out.Accepted)
	out = p.Process(rawCommand("pool.commands.borrow.alice", `{"user":"alice","amount":"60"}`, &a))
	assert.False(t, out.Accepted)
	assert.Equal(t, "undercollateralized", out.Reason)

	assert.Equal(t, 2, a.ack, "rejections are acked too")
	assert.Zero(t, a.nak)
	assert.Zero(t, a.term)

	acct := engine.GetUserAccount("alice")
	assert.Equal(t, uint64(100), acct.Collateral.Uint64())
	assert.True(t, acct.Borrowed.IsZero())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NATSMessages.WithLabelValues("DepositCollateral", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NATSMessages.WithLabelValues("Borrow", "rejected")))
}

func TestProcessor_TerminatesMalformed(t *testing.T) {
	p, engine, metrics := newProcessor(t, nil)
	var a acks

	out := p.Process(rawCommand("pool.commands.deposit.alice", `{"user":"alice","amount":"-1"}`, &a))
	assert.False(t, out.Accepted)
	assert.Equal(t, core.ReasonInvalidArgument, out.Reason)
	p.Process(rawCommand("pool.commands.mint.alice", `{"user":"alice","amount":"1"}`, &a))

	assert.Equal(t, 2, a.term)
	assert.Zero(t, a.ack)
	assert.Equal(t, int64(0), engine.GetSequence(), "nothing reached the engine")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NATSMessages.WithLabelValues("Deposit", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NATSMessages.WithLabelValues("unknown", "invalid")))
}

func TestProcessor_RedeliveryIsIdempotent(t *testing.T) {
	p, engine, _ := newProcessor(t, nil)
	var a acks
	msg := `{"request_id":"r-1","user":"bob","amount":"7"}`

	first := p.Process(rawCommand("pool.commands.deposit.bob", msg, &a))
	second := p.Process(rawCommand("pool.commands.deposit.bob", msg, &a))

	assert.Equal(t, first, second)
	bal := engine.GetBalance("bob")
	assert.Equal(t, uint64(7), bal.Uint64())
	assert.Equal(t, 2, a.ack)
}

type unreachableDedup struct{}

func (unreachableDedup) LookupOutcome(string, string) (core.Outcome, bool, error) {
	return core.Outcome{}, false, errors.New("connection refused")
}

func TestProcessor_NaksWhenDedupUnavailable(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine := core.NewPoolEngine(core.EngineConfig{DBChecker: unreachableDedup{}, Metrics: metrics})
	p := NewCommandProcessor(engine, nil, metrics, zerolog.Nop())
	var a acks

	out := p.Process(rawCommand("pool.commands.deposit.bob", `{"request_id":"r-1","user":"bob","amount":"7"}`, &a))

	assert.Equal(t, core.ReasonDedupUnavailable, out.Reason)
	assert.Equal(t, 1, a.nak)
	assert.Zero(t, a.ack)
	assert.Equal(t, int64(0), engine.GetSequence())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NATSMessages.WithLabelValues("Deposit", "retry")))
}

func TestProcessor_RunStopsOnClose(t *testing.T) {
	in := make(chan RawCommand, 2)
	p, engine, _ := newProcessor(t, nil)
	p.input = in
	var a acks

	in <- rawCommand("pool.commands.deposit.carol", `{"user":"carol","amount":"3"}`, &a)
	close(in)

	require.NoError(t, p.Run(context.Background()))
	bal := engine.GetBalance("carol")
	assert.Equal(t, uint64(3), bal.Uint64())
}

// --- publisher ---

type fakeStream struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return &jetstream.PubAck{}, nil
}

func TestPublisher_PublishesCommittedOps(t *testing.T) {
	outputs := make(chan core.CoreOutput, 8)
	p, _, metrics := newProcessor(t, outputs)
	var a acks

	p.Process(rawCommand("pool.commands.deposit.a.b", `{"request_id":"x","user":"a.b","amount":"9"}`, &a))
	out := <-outputs

	stream := &fakeStream{}
	pub := newPublisher(stream, 4, metrics, zerolog.Nop())
	require.NoError(t, pub.publish(context.Background(), out))

	require.Len(t, stream.subjects, 1)
	assert.Equal(t, "pool.ledger.events.deposit.a_b", stream.subjects[0])
	assert.JSONEq(t, `{
		"sequence": 0,
		"op": "deposit",
		"request_id": "x",
		"user": "a.b",
		"amount": "9",
		"applied": "9",
		"deposited": "9",
		"collateral": "0",
		"borrowed": "0",
		"total_supply": "9",
		"state_hash": "`+hexHash(out)+`",
		"timestamp": "`+out.Envelope.Timestamp.Format(time.RFC3339Nano)+`"
	}`, string(stream.payloads[0]))
}

func TestPublisher_OfferDropsWhenFull(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pub := newPublisher(&fakeStream{}, 1, metrics, zerolog.Nop())

	assert.True(t, pub.Offer(core.CoreOutput{}))
	assert.False(t, pub.Offer(core.CoreOutput{}))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PublishDrops))
}

func TestPublisher_RunSurvivesPublishErrors(t *testing.T) {
	outputs := make(chan core.CoreOutput, 8)
	p, _, _ := newProcessor(t, outputs)
	var a acks
	p.Process(rawCommand("pool.commands.deposit.a", `{"user":"a","amount":"1"}`, &a))

	pub := newPublisher(&fakeStream{err: errors.New("no responders")}, 4, nil, zerolog.Nop())
	require.True(t, pub.Offer(<-outputs))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pub.Run(ctx), context.DeadlineExceeded)
}

func hexHash(out core.CoreOutput) string {
	return NewPublishableEvent(out).StateHash
}
