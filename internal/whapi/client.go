package whapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var (
	upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whapi_upstream_requests_total",
		Help: "Calls made to the Whapi provider by message type and outcome",
	}, []string{"type", "outcome"})
	upstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whapi_upstream_request_duration_seconds",
		Help:    "Latency of calls to the Whapi provider",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

const (
	TextPath  = "/messages/text"
	ImagePath = "/messages/image"
)

// TextPayload is the provider body for POST /messages/text.
type TextPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// ImagePayload is the provider body for POST /messages/image. Caption is
// always serialised, empty when the caller gave none.
type ImagePayload struct {
	To      string `json:"to"`
	Image   string `json:"image"`
	Caption string `json:"caption"`
}

// Client talks to the Whapi HTTP API with a static bearer token. Responses
// are handed back verbatim. There is no retry.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) SendText(ctx context.Context, to, body string) (json.RawMessage, error) {
	return c.post(ctx, "text", TextPath, TextPayload{To: to, Body: body})
}

func (c *Client) SendImage(ctx context.Context, to, image, caption string) (json.RawMessage, error) {
	return c.post(ctx, "image", ImagePath, ImagePayload{To: to, Image: image, Caption: caption})
}

func (c *Client) post(ctx context.Context, msgType, path string, payload any) (json.RawMessage, error) {
	ctx, span := otel.Tracer("whapi").Start(ctx, "whapi.send_"+msgType, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := time.Now()
	result, err := c.do(ctx, path, payload)
	upstreamLatency.WithLabelValues(msgType).Observe(time.Since(start).Seconds())

	if err != nil {
		kind := KindOf(err)
		upstreamRequests.WithLabelValues(msgType, kind.String()).Inc()
		span.SetAttributes(attribute.String("whapi.error_kind", kind.String()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	upstreamRequests.WithLabelValues(msgType, "ok").Inc()
	return result, nil
}

func (c *Client) do(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Err: err}
	}
	defer resp.Body.Close()

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return nil, &Error{Kind: KindUnavailable, Status: resp.StatusCode, Err: statusError(resp, respBody)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Kind: KindRejected, Status: resp.StatusCode, Err: statusError(resp, respBody)}
	}
	if !json.Valid(respBody) {
		return nil, &Error{Kind: KindMalformed, Status: resp.StatusCode, Err: fmt.Errorf("invalid JSON in response body: %q", truncate(respBody))}
	}
	return json.RawMessage(respBody), nil
}

func statusError(resp *http.Response, body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("provider returned %s", resp.Status)
	}
	return fmt.Errorf("provider returned %s: %s", resp.Status, truncate(body))
}

func truncate(b []byte) string {
	const limit = 512
	b = bytes.TrimSpace(b)
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
