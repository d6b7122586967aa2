package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"RiskGate/internal/event"
)

// OutboundPublisher publishes persisted domain events to NATS for downstream
// consumers. Events arrive in per-venue order from the persistence worker,
// after their batch commits, so subscribers see ordered at-least-once
// delivery. Subjects follow riskgate.events.{event_type}.{venue}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan event.Envelope
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan event.Envelope) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, env); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", env.Sequence, err)
				// Non-fatal: downstream consumers can query the event log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("riskgate.events.%s", env.Type)
	if env.Venue != "" {
		subject = fmt.Sprintf("%s.%s", subject, env.Venue)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "RISKGATE_EVENTS",
		Subjects:  []string{"riskgate.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "RISKGATE_FEES",
		Subjects:  []string{"riskgate.fees.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create fee stream: %w", err)
	}

	log.Println("INFO: ensured outbound streams RISKGATE_EVENTS, RISKGATE_FEES")
	return nil
}

// FeePublisher pushes recomputed fees to the venue's control subject.
type FeePublisher struct {
	js jetstream.JetStream
}

func NewFeePublisher(js jetstream.JetStream) *FeePublisher {
	return &FeePublisher{js: js}
}

func (fp *FeePublisher) PublishFee(ctx context.Context, venue string, feeBps int64) error {
	data, err := json.Marshal(struct {
		Venue  string `json:"venue"`
		FeeBps int64  `json:"fee_bps"`
	}{venue, feeBps})
	if err != nil {
		return err
	}
	_, err = fp.js.Publish(ctx, fmt.Sprintf("riskgate.fees.%s", venue), data)
	return err
}
