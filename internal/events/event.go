package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeMessageSent    Type = "message.sent"
	TypeMessageFailed  Type = "message.failed"
	TypeProviderStatus Type = "provider.status"
)

// Event describes something that happened to an outbound message. Key is
// used as the partition key so events for one recipient stay ordered.
type Event struct {
	ID          string          `json:"event_id"`
	Type        Type            `json:"type"`
	Key         string          `json:"-"`
	Recipient   string          `json:"recipient,omitempty"`
	MessageType string          `json:"message_type,omitempty"`
	MessageID   string          `json:"message_id,omitempty"`
	Status      string          `json:"status,omitempty"`
	Error       string          `json:"error,omitempty"`
	Provider    json.RawMessage `json:"provider,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

func New(t Type, key string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		Key:        key,
		OccurredAt: time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// NopPublisher drops every event. It is used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
