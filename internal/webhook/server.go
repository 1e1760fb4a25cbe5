package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/whapi-gateway/internal/common"
	"github.com/example/whapi-gateway/internal/events"
)

const SecretHeader = "X-Webhook-Secret"

var (
	eventCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Total provider callback statuses processed",
	}, []string{"provider", "status"})
)

// Server receives delivery callbacks from the provider and republishes each
// status as a provider.status event.
type Server struct {
	Publisher events.Publisher
	Secret    string
	Logger    zerolog.Logger
}

// Router serves POST /{provider}/events; callers mount it under /v1/providers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/{provider}/events", s.handle)
	return r
}

// Payload is the subset of a Whapi callback body the gateway understands.
type Payload struct {
	Statuses []Status         `json:"statuses"`
	Messages []map[string]any `json:"messages"`
}

type Status struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	RecipientID string          `json:"recipient_id"`
	Timestamp   json.RawMessage `json:"timestamp"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("webhook").Start(r.Context(), "ingest-webhook")
	defer span.End()

	if s.Secret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.Secret)) != 1 {
			s.respondErr(ctx, w, http.StatusUnauthorized, errors.New("invalid webhook secret"))
			return
		}
	}

	provider := chi.URLParam(r, "provider")
	if provider != "whapi" {
		s.respondErr(ctx, w, http.StatusBadRequest, errors.New("unsupported provider"))
		return
	}

	var payload Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}
	if len(payload.Statuses) == 0 && len(payload.Messages) == 0 {
		s.respondErr(ctx, w, http.StatusBadRequest, errors.New("callback carries no statuses or messages"))
		return
	}

	normalized := make([]events.Event, 0, len(payload.Statuses))
	for _, st := range payload.Statuses {
		evt, err := normalizeStatus(st)
		if err != nil {
			s.respondErr(ctx, w, http.StatusBadRequest, err)
			return
		}
		normalized = append(normalized, evt)
	}
	span.SetAttributes(attribute.Int("webhook.statuses", len(normalized)))

	for _, evt := range normalized {
		if err := s.Publisher.Publish(ctx, evt); err != nil {
			s.respondErr(ctx, w, http.StatusInternalServerError, err)
			return
		}
		eventCounter.WithLabelValues(provider, evt.Status).Inc()
	}

	// Inbound messages are acknowledged so the provider stops redelivering.
	if n := len(payload.Messages); n > 0 {
		logger := common.WithContext(ctx, s.Logger)
		logger.Debug().Int("messages", n).Msg("ignoring inbound messages")
	}
	w.WriteHeader(http.StatusAccepted)
}

func normalizeStatus(st Status) (events.Event, error) {
	if st.ID == "" {
		return events.Event{}, errors.New("whapi status id missing")
	}
	if st.Status == "" {
		return events.Event{}, errors.New("whapi status missing")
	}
	evt := events.New(events.TypeProviderStatus, st.ID)
	evt.MessageID = st.ID
	evt.Recipient = st.RecipientID
	evt.Status = st.Status
	if ts, ok := parseUnix(st.Timestamp); ok {
		evt.OccurredAt = ts
	}
	return evt, nil
}

// parseUnix accepts epoch seconds either as a JSON number or a string.
func parseUnix(raw json.RawMessage) (time.Time, bool) {
	v := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if v == "" || v == "null" {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0).UTC(), true
}

func (s *Server) respondErr(ctx context.Context, w http.ResponseWriter, status int, err error) {
	logger := common.WithContext(ctx, s.Logger)
	logger.Error().Err(err).Int("status", status).Msg("webhook handler error")
	eventCounter.WithLabelValues("unknown", "error").Inc()
	http.Error(w, err.Error(), status)
}
