// Package ingestion connects the engine to the AMM venue's event firehose
// over NATS JetStream and publishes the engine's own domain events back out.
package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// RawEvent is a venue event pulled off JetStream, not yet parsed.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after successful processing
	NakFunc   func() // NAK on failure (will be redelivered)
}

// SubjectConfig maps a venue event subject to its durable consumer.
type SubjectConfig struct {
	Subject      string
	Hook         string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the four venue hook subjects. The trailing token of
// each concrete subject is the venue name.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "amm.liquidity.pre.>", Hook: HookPreLiquidity, ConsumerName: "riskgate-liq-pre", StreamName: "AMM_LIQUIDITY"},
		{Subject: "amm.liquidity.post.>", Hook: HookPostLiquidity, ConsumerName: "riskgate-liq-post", StreamName: "AMM_LIQUIDITY"},
		{Subject: "amm.trades.pre.>", Hook: HookPreTrade, ConsumerName: "riskgate-trade-pre", StreamName: "AMM_TRADES"},
		{Subject: "amm.trades.post.>", Hook: HookPostTrade, ConsumerName: "riskgate-trade-post", StreamName: "AMM_TRADES"},
	}
}

// VenueSubscriber subscribes to the venue subjects and feeds raw events into
// the processor's channel.
type VenueSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
}

func NewVenueSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *VenueSubscriber {
	return &VenueSubscriber{
		js:        js,
		eventChan: eventChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (vs *VenueSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := vs.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
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

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case vs.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		vs.consumers = append(vs.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the venue event streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "AMM_LIQUIDITY",
			Subjects:  []string{"amm.liquidity.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "AMM_TRADES",
			Subjects:  []string{"amm.trades.>"},
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
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// Stop gracefully stops all consumers.
func (vs *VenueSubscriber) Stop() {
	for _, cc := range vs.consumers {
		cc.Stop()
	}
	log.Println("INFO: venue subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
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
