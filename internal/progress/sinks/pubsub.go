package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/listing-photo-ingest/internal/progress"
)

// Publisher sends one payload to a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notification is the message published when a property or run finishes.
type Notification struct {
	RunID       string    `json:"run_id"`
	Stage       string    `json:"stage"`
	PropertyKey string    `json:"property_key,omitempty"`
	Images      int       `json:"images"`
	Error       string    `json:"error,omitempty"`
	TS          time.Time `json:"ts"`
}

// PubSubSink forwards property and run completions to a topic so downstream
// consumers (scoring, categorization) can pick up new images.
type PubSubSink struct {
	publisher Publisher
	topic     string
}

// NewPubSubSink returns a sink publishing to topic.
func NewPubSubSink(publisher Publisher, topic string) (*PubSubSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	return &PubSubSink{publisher: publisher, topic: topic}, nil
}

// Consume publishes one notification per terminal event. Failures are joined
// and returned after every event has been attempted.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() && evt.Stage != progress.StageRunDone {
			continue
		}
		n := Notification{
			RunID:       evt.RunID,
			Stage:       string(evt.Stage),
			PropertyKey: string(evt.PropertyKey),
			Images:      evt.Images,
			TS:          evt.TS.UTC(),
		}
		if evt.Stage == progress.StagePropertyFailed {
			n.Error = evt.Note
		}
		if _, err := s.publisher.Publish(ctx, s.topic, n); err != nil {
			errs = append(errs, fmt.Errorf("publish %s %s: %w", evt.Stage, evt.PropertyKey, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink. The publisher is owned by the caller.
func (s *PubSubSink) Close(context.Context) error {
	return nil
}
