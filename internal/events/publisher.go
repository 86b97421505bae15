package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing quota events to NATS
// JetStream. A nil Publisher is valid and drops every event, so the engine
// can run without a broker.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishQuotaExhausted publishes a user daily-cap exhaustion event.
func (p *Publisher) PublishQuotaExhausted(ctx context.Context, event QuotaExhausted) error {
	return p.publish(ctx, SubjectQuotaExhausted, event)
}

// PublishGuildCapReached publishes a guild-wide cap event.
func (p *Publisher) PublishGuildCapReached(ctx context.Context, event GuildCapReached) error {
	return p.publish(ctx, SubjectGuildCapReached, event)
}

// PublishResetMarked publishes a reset-mark upsert event.
func (p *Publisher) PublishResetMarked(ctx context.Context, event ResetMarked) error {
	return p.publish(ctx, SubjectResetMarked, event)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) error {
	if p == nil || p.js == nil {
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	_, err = p.js.Publish(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
