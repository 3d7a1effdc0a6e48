package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream = "POOL_COMMANDS"
	EventStream   = "POOL_LEDGER_EVENTS"
)

// NATSSubscriber consumes pool commands from JetStream and hands them to
// the command processor.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawCommand
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawCommand is an unparsed command message plus its ack handles.
type RawCommand struct {
	Subject    string
	Data       []byte
	ReceivedAt time.Time
	Ack        func() // processed, applied or rejected by the engine
	Nak        func() // not processed, redeliver
	Term       func() // malformed, never redeliver
}

// ConsumerConfig maps a subject filter to a durable consumer.
type ConsumerConfig struct {
	Subject      string
	ConsumerName string
}

// DefaultConsumers returns one durable consumer per operation so a slow
// operation type does not hold up the others.
func DefaultConsumers() []ConsumerConfig {
	ops := []string{"deposit", "deposit_collateral", "borrow", "repay", "withdraw_collateral"}
	out := make([]ConsumerConfig, 0, len(ops))
	for _, op := range ops {
		out = append(out, ConsumerConfig{
			Subject:      CommandSubjectPrefix + op + ".>",
			ConsumerName: "pool-ledger-" + op,
		})
	}
	return out
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawCommand, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		logger:  logger,
	}
}

// Subscribe creates the consumers and starts consuming.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, consumers []ConsumerConfig) error {
	for _, cfg := range consumers {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:    msg.Subject(),
				Data:       msg.Data(),
				ReceivedAt: time.Now(),
				Ack:        func() { _ = msg.Ack() },
				Nak:        func() { _ = msg.Nak() },
				Term:       func() { _ = msg.Term() },
			}

			select {
			case ns.rawChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// EnsureStreams creates the command and outbound event streams.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{CommandSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      EventStream,
			Subjects:  []string{EventSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("poolledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
