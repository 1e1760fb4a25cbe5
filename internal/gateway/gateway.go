package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/whapi-gateway/internal/common"
)

// Gateway translates message requests into provider calls and relays the
// provider's answer untouched.
type Gateway struct {
	sender Sender
	tracer trace.Tracer
	logger zerolog.Logger
}

func New(sender Sender, logger zerolog.Logger) *Gateway {
	return &Gateway{
		sender: sender,
		tracer: otel.Tracer("gateway"),
		logger: logger,
	}
}

func (g *Gateway) SendText(ctx context.Context, req TextMessageRequest) (json.RawMessage, error) {
	return g.sender.SendText(ctx, req.Recipient, req.Body)
}

func (g *Gateway) SendImage(ctx context.Context, req ImageMessageRequest) (json.RawMessage, error) {
	return g.sender.SendImage(ctx, req.Recipient, req.MediaURL, req.Caption)
}

// RecipientError reports which broadcast recipient stopped the fan-out.
type RecipientError struct {
	Index     int
	Recipient string
	Err       error
}

func (e *RecipientError) Error() string {
	return fmt.Sprintf("recipient %d (%s): %v", e.Index, e.Recipient, e.Err)
}

func (e *RecipientError) Unwrap() error { return e.Err }

// Broadcast messages each recipient in order, one call at a time. The first
// failure aborts the broadcast and no partial results are returned.
//
// Recipients are skipped when req.Kind is neither text nor image, so an
// unknown kind yields an empty result rather than an error. Image broadcasts
// use the body as the caption. observe, when non-nil, is called after every
// provider call with its outcome.
func (g *Gateway) Broadcast(ctx context.Context, req BroadcastRequest, observe func(recipient string, result json.RawMessage, err error)) ([]json.RawMessage, error) {
	ctx, span := g.tracer.Start(ctx, "broadcast")
	defer span.End()
	span.SetAttributes(
		attribute.Int("broadcast.recipients", len(req.Recipients)),
		attribute.String("broadcast.kind", string(req.Kind)),
	)

	logger := common.WithContext(ctx, g.logger)
	if !req.Kind.Known() {
		logger.Warn().Str("kind", string(req.Kind)).Int("recipients", len(req.Recipients)).
			Msg("unrecognised broadcast kind, skipping every recipient")
	}

	results := make([]json.RawMessage, 0, len(req.Recipients))
	for i, recipient := range req.Recipients {
		var (
			result json.RawMessage
			err    error
		)
		switch req.Kind {
		case KindText:
			result, err = g.sender.SendText(ctx, recipient, req.Body)
		case KindImage:
			result, err = g.sender.SendImage(ctx, recipient, req.MediaURL, req.Body)
		default:
			continue
		}
		if observe != nil {
			observe(recipient, result, err)
		}
		if err != nil {
			span.RecordError(err)
			logger.Error().Err(err).Int("index", i).Int("sent", len(results)).Msg("broadcast aborted")
			return nil, &RecipientError{Index: i, Recipient: recipient, Err: err}
		}
		results = append(results, result)
	}

	logger.Debug().Int("sent", len(results)).Msg("broadcast completed")
	return results, nil
}
