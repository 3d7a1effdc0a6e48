package ingestion_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/state"
	"PoolLedger/internal/testutil"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATSRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	nc := testutil.SetupTestNATS(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	require.NoError(t, ingestion.EnsureStreams(ctx, js, zerolog.Nop()))
	stream, err := js.Stream(ctx, ingestion.CommandStream)
	require.NoError(t, err)
	require.NoError(t, stream.Purge(ctx))
	_ = js.DeleteConsumer(ctx, ingestion.CommandStream, "pool-ledger-deposit")

	outputs := make(chan core.CoreOutput, 8)
	engine := core.NewPoolEngine(core.EngineConfig{
		RiskParams:     state.DefaultRiskParams(),
		ProjectionChan: outputs,
	})

	rawChan := make(chan ingestion.RawCommand, 8)
	sub := ingestion.NewNATSSubscriber(js, rawChan, zerolog.Nop())
	require.NoError(t, sub.Subscribe(ctx, ingestion.DefaultConsumers()[:1]))
	defer sub.Stop()

	proc := ingestion.NewCommandProcessor(engine, rawChan, nil, zerolog.Nop())
	go proc.Run(ctx)

	pub := ingestion.NewOutboundPublisher(js, 8, nil, zerolog.Nop())
	go pub.Run(ctx)

	events, err := nc.SubscribeSync(ingestion.EventSubjectPrefix + "deposit.itest")
	require.NoError(t, err)

	user := "itest"
	payload, _ := json.Marshal(map[string]string{
		"request_id": "itest-" + time.Now().Format(time.RFC3339Nano),
		"user":       user,
		"amount":     "42",
	})
	_, err = js.Publish(ctx, ingestion.CommandSubject(event.EventTypeDeposit, user), payload)
	require.NoError(t, err)

	select {
	case out := <-outputs:
		assert.Equal(t, user, out.Envelope.User)
		require.True(t, pub.Offer(out))
	case <-ctx.Done():
		t.Fatal("command never applied")
	}

	msg, err := events.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var published ingestion.PublishableEvent
	require.NoError(t, json.Unmarshal(msg.Data, &published))
	assert.Equal(t, "42", published.TotalSupply)
	assert.Equal(t, "deposit", published.Op)
}
