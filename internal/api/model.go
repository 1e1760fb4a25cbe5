package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/whapi-gateway/internal/gateway"
)

const WelcomeMessage = "Whatapi is running"

// Request bodies use pointers so a missing field can be told apart from an
// empty string.

type TextRequest struct {
	PhoneNumber *string `json:"phone_number"`
	Message     *string `json:"message"`
}

type ImageRequest struct {
	PhoneNumber *string        `json:"phone_number"`
	ImageURL    *string        `json:"image_url"`
	Caption     OptionalString `json:"caption"`
}

type BroadcastRequest struct {
	Numbers     *[]string      `json:"numbers"`
	Message     *string        `json:"message"`
	MessageType OptionalString `json:"message_type"`
	ImageURL    OptionalString `json:"image_url"`
}

// OptionalString is a field that may be left out but, when present, must be
// a string. An explicit null is rejected.
type OptionalString struct {
	raw json.RawMessage
}

func (o *OptionalString) UnmarshalJSON(b []byte) error {
	o.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (o OptionalString) value(field, fallback string) (string, error) {
	if o.raw == nil {
		return fallback, nil
	}
	var s *string
	if err := json.Unmarshal(o.raw, &s); err != nil || s == nil {
		return "", fmt.Errorf("%s must be of type string", field)
	}
	return *s, nil
}

type SuccessResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

type ErrorResponse struct {
	Detail string `json:"detail"`
}

func (r TextRequest) validate() (gateway.TextMessageRequest, error) {
	if r.PhoneNumber == nil {
		return gateway.TextMessageRequest{}, errors.New("phone_number is required")
	}
	if r.Message == nil {
		return gateway.TextMessageRequest{}, errors.New("message is required")
	}
	return gateway.TextMessageRequest{Recipient: *r.PhoneNumber, Body: *r.Message}, nil
}

func (r ImageRequest) validate() (gateway.ImageMessageRequest, error) {
	if r.PhoneNumber == nil {
		return gateway.ImageMessageRequest{}, errors.New("phone_number is required")
	}
	if r.ImageURL == nil {
		return gateway.ImageMessageRequest{}, errors.New("image_url is required")
	}
	caption, err := r.Caption.value("caption", "")
	if err != nil {
		return gateway.ImageMessageRequest{}, err
	}
	return gateway.ImageMessageRequest{
		Recipient: *r.PhoneNumber,
		MediaURL:  *r.ImageURL,
		Caption:   caption,
	}, nil
}

func (r BroadcastRequest) validate() (gateway.BroadcastRequest, error) {
	if r.Numbers == nil {
		return gateway.BroadcastRequest{}, errors.New("numbers is required")
	}
	if r.Message == nil {
		return gateway.BroadcastRequest{}, errors.New("message is required")
	}
	kind, err := r.MessageType.value("message_type", string(gateway.KindText))
	if err != nil {
		return gateway.BroadcastRequest{}, err
	}
	mediaURL, err := r.ImageURL.value("image_url", "")
	if err != nil {
		return gateway.BroadcastRequest{}, err
	}
	return gateway.BroadcastRequest{
		Recipients: *r.Numbers,
		Body:       *r.Message,
		Kind:       gateway.Kind(kind),
		MediaURL:   mediaURL,
	}, nil
}

// providerMessageID digs the message id out of a provider answer when it has
// one of the shapes Whapi uses.
func providerMessageID(raw json.RawMessage) string {
	var body struct {
		ID      string `json:"id"`
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if body.Message.ID != "" {
		return body.Message.ID
	}
	return body.ID
}
