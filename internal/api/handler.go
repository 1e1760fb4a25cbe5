package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/whapi-gateway/internal/common"
	"github.com/example/whapi-gateway/internal/events"
	"github.com/example/whapi-gateway/internal/gateway"
	"github.com/example/whapi-gateway/internal/whapi"
)

var (
	reqCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total number of gateway requests by route and response code",
	}, []string{"route", "code"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Latency of gateway requests, upstream calls included",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	broadcastSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_broadcast_recipients",
		Help:    "Number of recipients per broadcast request",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
	})
)

// maxBodyBytes bounds request bodies; broadcasts carry whole number lists.
const maxBodyBytes = 1 << 20

type Handler struct {
	gateway   *gateway.Gateway
	publisher events.Publisher
	webhook   http.Handler
	cfg       *common.Config
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// NewHandler wires the HTTP surface. publisher is called inline for every
// provider call and must not block; see events.AsyncPublisher. webhook may
// be nil, in which case no provider callback route is mounted.
func NewHandler(gw *gateway.Gateway, publisher events.Publisher, webhook http.Handler, cfg *common.Config, logger zerolog.Logger) *Handler {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Handler{
		gateway:   gw,
		publisher: publisher,
		webhook:   webhook,
		cfg:       cfg,
		tracer:    otel.Tracer("api"),
		logger:    logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(common.AccessLog(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/", h.welcome)
	r.Post("/send/text", h.sendText)
	r.Post("/send/image", h.sendImage)
	r.Post("/broadcast", h.broadcast)
	if h.webhook != nil {
		r.Mount("/v1/providers", h.webhook)
	}
	return r
}

func (h *Handler) welcome(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(r.Context(), w, "welcome", http.StatusOK, WelcomeMessage)
}

func (h *Handler) sendText(w http.ResponseWriter, r *http.Request) {
	ctx, span, start := h.begin(r, "send_text")
	defer span.End()
	defer observeLatency("send_text", start)

	var body TextRequest
	if err := decode(r, w, &body); err != nil {
		h.respondErr(ctx, w, "send_text", http.StatusUnprocessableEntity, err)
		return
	}
	req, err := body.validate()
	if err != nil {
		h.respondErr(ctx, w, "send_text", http.StatusUnprocessableEntity, err)
		return
	}

	result, err := h.gateway.SendText(ctx, req)
	h.publishOutcome(ctx, string(gateway.KindText), req.Recipient, result, err)
	if err != nil {
		h.respondErr(ctx, w, "send_text", http.StatusBadRequest, err)
		return
	}
	h.writeJSON(ctx, w, "send_text", http.StatusOK, SuccessResponse{Status: "success", Data: result})
}

func (h *Handler) sendImage(w http.ResponseWriter, r *http.Request) {
	ctx, span, start := h.begin(r, "send_image")
	defer span.End()
	defer observeLatency("send_image", start)

	var body ImageRequest
	if err := decode(r, w, &body); err != nil {
		h.respondErr(ctx, w, "send_image", http.StatusUnprocessableEntity, err)
		return
	}
	req, err := body.validate()
	if err != nil {
		h.respondErr(ctx, w, "send_image", http.StatusUnprocessableEntity, err)
		return
	}

	result, err := h.gateway.SendImage(ctx, req)
	h.publishOutcome(ctx, string(gateway.KindImage), req.Recipient, result, err)
	if err != nil {
		h.respondErr(ctx, w, "send_image", http.StatusBadRequest, err)
		return
	}
	h.writeJSON(ctx, w, "send_image", http.StatusOK, SuccessResponse{Status: "success", Data: result})
}

func (h *Handler) broadcast(w http.ResponseWriter, r *http.Request) {
	ctx, span, start := h.begin(r, "broadcast")
	defer span.End()
	defer observeLatency("broadcast", start)

	var body BroadcastRequest
	if err := decode(r, w, &body); err != nil {
		h.respondErr(ctx, w, "broadcast", http.StatusUnprocessableEntity, err)
		return
	}
	req, err := body.validate()
	if err != nil {
		h.respondErr(ctx, w, "broadcast", http.StatusUnprocessableEntity, err)
		return
	}
	broadcastSize.Observe(float64(len(req.Recipients)))

	results, err := h.gateway.Broadcast(ctx, req, func(recipient string, result json.RawMessage, err error) {
		h.publishOutcome(ctx, string(req.Kind), recipient, result, err)
	})
	if err != nil {
		h.respondErr(ctx, w, "broadcast", http.StatusBadRequest, err)
		return
	}
	h.writeJSON(ctx, w, "broadcast", http.StatusOK, SuccessResponse{Status: "success", Data: results})
}

func (h *Handler) begin(r *http.Request, route string) (context.Context, trace.Span, time.Time) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, route, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(attribute.String("http.route", r.URL.Path))
	return ctx, span, time.Now()
}

// publishOutcome reports a provider call. Broker failures are logged and
// never change what the client sees.
func (h *Handler) publishOutcome(ctx context.Context, msgType, recipient string, result json.RawMessage, sendErr error) {
	evt := events.New(events.TypeMessageSent, recipient)
	evt.Recipient = recipient
	evt.MessageType = msgType
	if sendErr != nil {
		evt.Type = events.TypeMessageFailed
		evt.Error = sendErr.Error()
	} else {
		evt.Provider = result
		evt.MessageID = providerMessageID(result)
	}
	if err := h.publisher.Publish(ctx, evt); err != nil {
		logger := common.WithContext(ctx, h.logger)
		logger.Warn().Err(err).Str("event_type", string(evt.Type)).Msg("outcome event dropped")
	}
}

func decode(r *http.Request, w http.ResponseWriter, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return fmt.Errorf("%s must be of type %s", typeErr.Field, typeErr.Type)
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	// The body must hold exactly one JSON value.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("invalid request body: unexpected data after JSON object")
	}
	return nil
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, route string, status int, v any) {
	reqCounter.WithLabelValues(route, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := common.WithContext(ctx, h.logger)
		logger.Error().Err(err).Msg("encode response")
	}
}

// respondErr answers with the {"detail": ...} body clients rely on. Every
// provider failure is a 400 whatever its kind; the kind is only logged.
func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, route string, status int, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	logger := common.WithContext(ctx, h.logger)
	logger.Error().Err(err).Int("status", status).Str("route", route).
		Str("error_kind", whapi.KindOf(err).String()).Msg("request failed")
	h.writeJSON(ctx, w, route, status, ErrorResponse{Detail: err.Error()})
}

func observeLatency(route string, start time.Time) {
	requestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
}
