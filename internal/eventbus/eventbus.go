// Package eventbus adapts internal/nats/publisher.go's JetStream
// publish shape into an internal, in-process dispatch queue between
// the historical sync scheduler's block callbacks and the indexing
// store façade / profiler. Unlike the teacher's publisher, nothing
// here is consumed by an external subscriber: the stream and its
// consumer both live inside this process, so the durability and
// dedup guarantees JetStream gives for free are used purely to decouple
// block-processing producers from indexing consumers, not to expose a
// realtime event feed.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	streamName            = "INDEXCORE_INTERNAL"
	subjectPattern        = "indexcore.internal.*"
	streamCreateTimeout   = 10 * time.Second
	defaultDuplicateWindow = 2 * time.Minute
)

// BlockEvent is one unit of work dispatched from a Block task's
// callbacks to an internal consumer (the indexing store façade or the
// access-pattern profiler).
type BlockEvent struct {
	ChainID     uint64          `json:"chain_id"`
	SourceID    string          `json:"source_id"`
	BlockNumber uint64          `json:"block_number"`
	EventName   string          `json:"event_name"`
	Payload     json.RawMessage `json:"payload"`
}

func subject(chainID uint64) string { return fmt.Sprintf("indexcore.internal.%d", chainID) }

func dedupID(ev BlockEvent) string {
	return fmt.Sprintf("%d-%s-%d-%s", ev.ChainID, ev.SourceID, ev.BlockNumber, ev.EventName)
}

// Bus is the internal block-event dispatch queue.
type Bus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger zerolog.Logger
}

// Config configures Open.
type Config struct {
	URL             string
	PersistDuration time.Duration
}

// Open connects to the embedded/local NATS server and ensures the
// internal dispatch stream exists.
func Open(cfg Config, logger zerolog.Logger) (*Bus, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("indexcore"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("eventbus: disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("eventbus: reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("eventbus: jetstream: %w", err)
	}

	persist := cfg.PersistDuration
	if persist == 0 {
		persist = time.Hour
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamCreateTimeout)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPattern},
		MaxAge:     persist,
		Storage:    jetstream.FileStorage,
		Duplicates: defaultDuplicateWindow,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("eventbus: create stream: %w", err)
	}

	return &Bus{nc: nc, js: js, logger: logger.With().Str("component", "eventbus").Logger()}, nil
}

func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// Publish dispatches a block event to the internal stream, deduplicated
// by (chain, source, block, event) so a scheduler retry never
// double-dispatches the same unit of work downstream.
func (b *Bus) Publish(ctx context.Context, ev BlockEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: marshal: %w", err)
	}
	_, err = b.js.Publish(ctx, subject(ev.ChainID), data, jetstream.WithMsgID(dedupID(ev)))
	if err != nil {
		return fmt.Errorf("eventbus: publish: %w", err)
	}
	return nil
}

// Handler processes one dispatched BlockEvent. Returning an error
// leaves the message unacked so JetStream redelivers it.
type Handler func(ctx context.Context, ev BlockEvent) error

// Consume runs a durable, in-process consumer named consumerName over
// every chain's subjects until ctx is cancelled. Multiple Consume
// calls with different consumerName values can run in the same
// process (e.g. one for the indexing store façade, one for the
// profiler) without competing for the same messages.
func (b *Bus) Consume(ctx context.Context, consumerName string, handler Handler) error {
	stream, err := b.js.Stream(ctx, streamName)
	if err != nil {
		return fmt.Errorf("eventbus: stream lookup: %w", err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("eventbus: consumer: %w", err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		var ev BlockEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			b.logger.Error().Err(err).Msg("eventbus: malformed message, acking to avoid poison-pill redelivery")
			_ = msg.Ack()
			return
		}
		if err := handler(ctx, ev); err != nil {
			b.logger.Warn().Err(err).Uint64("chain_id", ev.ChainID).Str("source_id", ev.SourceID).Msg("eventbus: handler failed, will redeliver")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("eventbus: consume: %w", err)
	}
	defer consumeCtx.Stop()

	<-ctx.Done()
	return ctx.Err()
}
