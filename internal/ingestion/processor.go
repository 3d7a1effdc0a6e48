package ingestion

import (
	"context"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Applier is the mutating side of the pool engine.
type Applier interface {
	Apply(evt event.Event) core.Outcome
}

// CommandProcessor parses raw commands and applies them to the engine.
// A rejection is still a processed message and is acked; redelivery would
// only replay the same outcome.
type CommandProcessor struct {
	engine  Applier
	input   <-chan RawCommand
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewCommandProcessor(engine Applier, input <-chan RawCommand, metrics *observability.Metrics, logger zerolog.Logger) *CommandProcessor {
	return &CommandProcessor{
		engine:  engine,
		input:   input,
		metrics: metrics,
		logger:  logger,
	}
}

// Run processes commands until ctx is done or input is closed.
func (p *CommandProcessor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-p.input:
			if !ok {
				return nil
			}
			p.Process(raw)
		}
	}
}

// Process handles one message and settles its ack.
func (p *CommandProcessor) Process(raw RawCommand) core.Outcome {
	evt, err := ParseCommand(raw.Subject, raw.Data, raw.ReceivedAt)
	if err != nil {
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		p.count(subjectOp(raw.Subject), "invalid")
		settle(raw.Term)
		return core.Outcome{Reason: core.ReasonInvalidArgument, Sequence: -1}
	}

	out := p.engine.Apply(evt)
	op := evt.EventType().String()

	if p.metrics != nil && !raw.ReceivedAt.IsZero() {
		p.metrics.IngestToApply.WithLabelValues(op).Observe(time.Since(raw.ReceivedAt).Seconds())
	}
	if out.Reason == core.ReasonDedupUnavailable {
		// Not decided; JetStream redelivers once the dedup tier is back.
		p.count(op, "retry")
		p.logger.Warn().Str("op", op).Str("request_id", evt.IdempotencyKey()).Msg("dedup unavailable, command nak'd")
		settle(raw.Nak)
		return out
	}
	if out.Accepted {
		p.count(op, "accepted")
	} else {
		p.count(op, "rejected")
		p.logger.Debug().
			Str("op", op).
			Str("user", evt.Base().User).
			Str("request_id", evt.IdempotencyKey()).
			Str("reason", out.Reason).
			Msg("command rejected")
	}
	settle(raw.Ack)
	return out
}

func (p *CommandProcessor) count(op, result string) {
	if p.metrics != nil {
		p.metrics.NATSMessages.WithLabelValues(op, result).Inc()
	}
}

func settle(f func()) {
	if f != nil {
		f()
	}
}

// subjectOp labels a malformed message. Unknown ops collapse to one label
// to keep metric cardinality bounded.
func subjectOp(subject string) string {
	et, err := eventTypeFromSubject(subject)
	if err != nil {
		return "unknown"
	}
	return et.String()
}
