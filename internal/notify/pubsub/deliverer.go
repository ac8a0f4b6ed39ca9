// Package pubsub delivers alert notifications to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
)

// Payload is the JSON message body.
type Payload struct {
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

// Deliverer publishes one message per alert and waits for the server ack.
type Deliverer struct {
	topic *pubsub.Topic
	now   func() time.Time
}

// New wraps an existing topic handle.
func New(topic *pubsub.Topic) *Deliverer {
	return &Deliverer{topic: topic, now: time.Now}
}

// Dial creates a client for projectID and returns a Deliverer for topicID
// with the client's Close func.
func Dial(ctx context.Context, projectID, topicID string) (*Deliverer, func() error, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	closer := func() error {
		topic.Stop()
		return client.Close()
	}
	return New(topic), closer, nil
}

// Deliver publishes title and body as JSON. The title is also set as a
// message attribute so subscribers can filter without decoding.
func (d *Deliverer) Deliver(ctx context.Context, title, body string) error {
	if d.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(Payload{Title: title, Body: body, SentAt: d.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	result := d.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"title": title},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
