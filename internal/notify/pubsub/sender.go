// Package pubsub delivers notifications to a Google Cloud Pub/Sub topic, where
// a mailer service subscribes.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/crawlwatch/internal/jobstats"
	"github.com/JakeFAU/crawlwatch/internal/notify"
)

// SubjectAttribute carries the notification subject on each message.
const SubjectAttribute = "subject"

// Sender publishes notifications to a topic.
type Sender struct {
	topic *pubsub.Topic
}

// New creates a Sender for the provided topic.
func New(topic *pubsub.Topic) *Sender {
	return &Sender{topic: topic}
}

// Send marshals the notification to JSON and publishes it, waiting for the
// server to acknowledge the message.
func (s *Sender) Send(ctx context.Context, subject string, content jobstats.Content) error {
	if s.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(notify.Message{Subject: subject, Content: content})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	msg.Attributes = map[string]string{SubjectAttribute: subject}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	if _, err := s.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
