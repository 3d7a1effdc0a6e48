package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// streamPublisher is the slice of jetstream.JetStream the publisher uses.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed operations to
// pool.ledger.events.<op>.<user> for downstream consumers. Publishing is
// best effort: consumers that need every operation read the log.
type OutboundPublisher struct {
	js      streamPublisher
	input   chan core.CoreOutput
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// PublishableEvent is the outbound JSON form of a committed operation.
type PublishableEvent struct {
	Sequence    int64     `json:"sequence"`
	Op          string    `json:"op"`
	RequestID   string    `json:"request_id,omitempty"`
	User        string    `json:"user"`
	Amount      string    `json:"amount"`
	Applied     string    `json:"applied"`
	Deposited   string    `json:"deposited"`
	Collateral  string    `json:"collateral"`
	Borrowed    string    `json:"borrowed"`
	TotalSupply string    `json:"total_supply"`
	StateHash   string    `json:"state_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, bufferSize int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return newPublisher(js, bufferSize, metrics, logger)
}

func newPublisher(js streamPublisher, bufferSize int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:      js,
		input:   make(chan core.CoreOutput, bufferSize),
		metrics: metrics,
		logger:  logger,
	}
}

// Offer queues output without blocking. Reports false when the buffer is
// full and the output was dropped.
func (op *OutboundPublisher) Offer(output core.CoreOutput) bool {
	select {
	case op.input <- output:
		return true
	default:
		if op.metrics != nil {
			op.metrics.PublishDrops.Inc()
		}
		return false
	}
}

// Run publishes queued outputs until ctx is done.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out := <-op.input:
			if op.metrics != nil {
				op.metrics.SetChannelMetrics("publish", len(op.input), cap(op.input))
			}
			if err := op.publish(ctx, out); err != nil {
				// Non-fatal: downstream consumers can read the operation log.
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	evt := NewPublishableEvent(out)
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, EventSubject(out), data, jetstream.WithMsgID(fmt.Sprintf("pool-%d", evt.Sequence)))
	return err
}

// EventSubject is pool.ledger.events.<op>.<user>.
func EventSubject(out core.CoreOutput) string {
	return EventSubjectPrefix + OpToken(out.Envelope.EventType) + "." + SubjectToken(out.Envelope.User)
}

func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env, j := out.Envelope, out.Journal
	return PublishableEvent{
		Sequence:    env.Sequence,
		Op:          OpToken(env.EventType),
		RequestID:   env.IdempotencyKey,
		User:        env.User,
		Amount:      j.Amount.Dec(),
		Applied:     j.Applied.Dec(),
		Deposited:   j.Post.Deposited.Dec(),
		Collateral:  j.Post.Collateral.Dec(),
		Borrowed:    j.Post.Borrowed.Dec(),
		TotalSupply: j.TotalSupply.Dec(),
		StateHash:   hex.EncodeToString(env.StateHash[:]),
		Timestamp:   env.Timestamp,
	}
}
