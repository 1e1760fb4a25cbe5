package gateway

import (
	"context"
	"encoding/json"
)

// Kind selects how each broadcast recipient is messaged.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Known reports whether the gateway knows how to send k.
func (k Kind) Known() bool {
	return k == KindText || k == KindImage
}

type TextMessageRequest struct {
	Recipient string
	Body      string
}

type ImageMessageRequest struct {
	Recipient string
	MediaURL  string
	Caption   string
}

type BroadcastRequest struct {
	Recipients []string
	Body       string
	Kind       Kind
	MediaURL   string
}

// Sender is the provider side of the gateway. *whapi.Client satisfies it.
type Sender interface {
	SendText(ctx context.Context, to, body string) (json.RawMessage, error)
	SendImage(ctx context.Context, to, image, caption string) (json.RawMessage, error)
}
