package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/whapi-gateway/internal/common"
	"github.com/example/whapi-gateway/internal/events"
	"github.com/example/whapi-gateway/internal/gateway"
	"github.com/example/whapi-gateway/internal/whapi"
)

type providerCall struct {
	Path string
	Auth string
	Body map[string]any
}

// fakeProvider answers like Whapi and fails for the recipients in failFor.
type fakeProvider struct {
	mu      sync.Mutex
	calls   []providerCall
	failFor map[string]bool
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	p.mu.Lock()
	p.calls = append(p.calls, providerCall{Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Body: body})
	p.mu.Unlock()

	to, _ := body["to"].(string)
	if p.failFor[to] {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"invalid recipient"}}`)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"sent":true,"message":{"id":"wamid.`+to+`"}}`)
}

func (p *fakeProvider) recorded() []providerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providerCall(nil), p.calls...)
}

type memPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (m *memPublisher) Publish(_ context.Context, evt events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return m.err
}

type fixture struct {
	provider  *fakeProvider
	publisher *memPublisher
	router    http.Handler
}

func newFixture(t *testing.T, failFor ...string) *fixture {
	t.Helper()
	pub := &memPublisher{}
	f := newFixtureWithPublisher(t, pub, failFor...)
	f.publisher = pub
	return f
}

func newFixtureWithPublisher(t *testing.T, pub events.Publisher, failFor ...string) *fixture {
	t.Helper()
	fp := &fakeProvider{failFor: map[string]bool{}}
	for _, n := range failFor {
		fp.failFor[n] = true
	}
	upstream := httptest.NewServer(fp)
	t.Cleanup(upstream.Close)

	cfg := &common.Config{
		ServiceName:        "gateway-test",
		WhapiBaseURL:       upstream.URL,
		WhapiToken:         "test-token",
		CORSAllowedOrigins: []string{"*"},
	}
	client := whapi.NewClient(cfg.WhapiBaseURL, cfg.WhapiToken, 2*time.Second)
	h := NewHandler(gateway.New(client, zerolog.Nop()), pub, nil, cfg, zerolog.Nop())
	return &fixture{provider: fp, router: h.Router()}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Detail any             `json:"detail"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func TestWelcome(t *testing.T) {
	cfg := &common.Config{CORSAllowedOrigins: []string{"*"}}
	h := NewHandler(gateway.New(whapi.NewClient("", "", time.Second), zerolog.Nop()), nil, nil, cfg, zerolog.Nop())
	router := h.Router()

	before := testutil.ToFloat64(reqCounter.WithLabelValues("welcome", "200"))
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var msg string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
		assert.Equal(t, "Whatapi is running", msg)
	}
	assert.Equal(t, before+3, testutil.ToFloat64(reqCounter.WithLabelValues("welcome", "200")))
}

func TestSendText(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/send/text", `{"phone_number":"155","message":"hello"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "success", env.Status)
	assert.JSONEq(t, `{"sent":true,"message":{"id":"wamid.155"}}`, string(env.Data))

	calls := f.provider.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "/messages/text", calls[0].Path)
	assert.Equal(t, "Bearer test-token", calls[0].Auth)
	assert.Equal(t, map[string]any{"to": "155", "body": "hello"}, calls[0].Body)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, events.TypeMessageSent, f.publisher.events[0].Type)
	assert.Equal(t, "wamid.155", f.publisher.events[0].MessageID)
	assert.Equal(t, "text", f.publisher.events[0].MessageType)
}

func TestOptionalFieldsAndTrailingWhitespaceAccepted(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/send/image", "{\"phone_number\":\"155\",\"image_url\":\"u\",\"caption\":\"c\"}\n\t ")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	calls := f.provider.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "c", calls[0].Body["caption"])
}

func TestSendImageDefaultsCaption(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/send/image", `{"phone_number":"155","image_url":"https://img/a.png"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	calls := f.provider.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "/messages/image", calls[0].Path)
	assert.Equal(t, map[string]any{"to": "155", "image": "https://img/a.png", "caption": ""}, calls[0].Body)
}

func TestSendUpstreamFailureIs400(t *testing.T) {
	f := newFixture(t, "155")

	rec := f.do(http.MethodPost, "/send/text", `{"phone_number":"155","message":"hello"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	detail, ok := env.Detail.(string)
	require.True(t, ok)
	assert.Contains(t, detail, "400 Bad Request")
	assert.Contains(t, detail, "invalid recipient")

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, events.TypeMessageFailed, f.publisher.events[0].Type)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		detail string
	}{
		{name: "text missing phone", path: "/send/text", body: `{"message":"hi"}`, detail: "phone_number is required"},
		{name: "text missing message", path: "/send/text", body: `{"phone_number":"1"}`, detail: "message is required"},
		{name: "text mistyped", path: "/send/text", body: `{"phone_number":155,"message":"hi"}`, detail: "phone_number must be of type string"},
		{name: "text empty body", path: "/send/text", body: "", detail: "request body is required"},
		{name: "text malformed", path: "/send/text", body: `{"phone_number":`, detail: "invalid request body"},
		{name: "image missing url", path: "/send/image", body: `{"phone_number":"1"}`, detail: "image_url is required"},
		{name: "broadcast missing numbers", path: "/broadcast", body: `{"message":"hi"}`, detail: "numbers is required"},
		{name: "broadcast null numbers", path: "/broadcast", body: `{"numbers":null,"message":"hi"}`, detail: "numbers is required"},
		{name: "broadcast numbers mistyped", path: "/broadcast", body: `{"numbers":"155","message":"hi"}`, detail: "numbers must be of type"},
		{name: "broadcast missing message", path: "/broadcast", body: `{"numbers":[]}`, detail: "message is required"},
		{name: "broadcast null message_type", path: "/broadcast", body: `{"numbers":["a"],"message":"hi","message_type":null}`, detail: "message_type must be of type string"},
		{name: "broadcast mistyped message_type", path: "/broadcast", body: `{"numbers":["a"],"message":"hi","message_type":1}`, detail: "message_type must be of type string"},
		{name: "broadcast null image_url", path: "/broadcast", body: `{"numbers":["a"],"message":"hi","image_url":null}`, detail: "image_url must be of type string"},
		{name: "image null caption", path: "/send/image", body: `{"phone_number":"1","image_url":"u","caption":null}`, detail: "caption must be of type string"},
		{name: "trailing junk", path: "/send/text", body: `{"phone_number":"1","message":"hi"} trailing junk`, detail: "unexpected data after JSON object"},
		{name: "second object", path: "/send/text", body: `{"phone_number":"1","message":"hi"}{}`, detail: "unexpected data after JSON object"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(http.MethodPost, tc.path, tc.body)

			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			env := decodeEnvelope(t, rec)
			assert.Contains(t, env.Detail, tc.detail)
			assert.Empty(t, f.provider.recorded())
		})
	}
}

func TestBroadcastInOrder(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/broadcast", `{"numbers":["a","b","c"],"message":"hi"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var data []map[string]any
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &data))
	require.Len(t, data, 3)
	for i, n := range []string{"a", "b", "c"} {
		assert.Equal(t, "wamid."+n, data[i]["message"].(map[string]any)["id"])
	}

	calls := f.provider.recorded()
	require.Len(t, calls, 3)
	for i, n := range []string{"a", "b", "c"} {
		assert.Equal(t, "/messages/text", calls[i].Path)
		assert.Equal(t, n, calls[i].Body["to"])
	}
	assert.Len(t, f.publisher.events, 3)
}

func TestBroadcastImage(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/broadcast",
		`{"numbers":["a"],"message":"sale","message_type":"image","image_url":"https://img/s.png"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	calls := f.provider.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"to": "a", "image": "https://img/s.png", "caption": "sale"}, calls[0].Body)
}

func TestBroadcastEmptyAndUnknownKind(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "no numbers", body: `{"numbers":[],"message":"hi"}`},
		{name: "unknown kind", body: `{"numbers":["a","b"],"message":"hi","message_type":"video"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(http.MethodPost, "/broadcast", tc.body)

			require.Equal(t, http.StatusOK, rec.Code)
			env := decodeEnvelope(t, rec)
			assert.Equal(t, "success", env.Status)
			assert.JSONEq(t, `[]`, string(env.Data))
			assert.Empty(t, f.provider.recorded())
		})
	}
}

func TestBroadcastFailFast(t *testing.T) {
	f := newFixture(t, "b")

	rec := f.do(http.MethodPost, "/broadcast", `{"numbers":["a","b","c"],"message":"hi"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Empty(t, env.Data)
	assert.Contains(t, env.Detail, "recipient 1 (b)")

	calls := f.provider.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].Body["to"])
	assert.Equal(t, "b", calls[1].Body["to"])

	require.Len(t, f.publisher.events, 2)
	assert.Equal(t, events.TypeMessageSent, f.publisher.events[0].Type)
	assert.Equal(t, events.TypeMessageFailed, f.publisher.events[1].Type)
}

func TestPublishFailureDoesNotAffectResponse(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")

	rec := f.do(http.MethodPost, "/send/text", `{"phone_number":"155","message":"hello"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
}

// stalledBroker behaves like an unreachable broker: every write hangs until
// its context gives up.
type stalledBroker struct {
	mu       sync.Mutex
	attempts int
}

func (s *stalledBroker) Publish(ctx context.Context, _ events.Event) error {
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func TestBroadcastLatencyIndependentOfBroker(t *testing.T) {
	broker := &stalledBroker{}
	async := events.NewAsyncPublisher(broker, 16, 50*time.Millisecond, zerolog.Nop())
	f := newFixtureWithPublisher(t, async)

	start := time.Now()
	rec := f.do(http.MethodPost, "/broadcast", `{"numbers":["a","b","c","d","e"],"message":"hi"}`)
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Less(t, elapsed, 200*time.Millisecond, "broadcast waited on the broker")
	assert.Len(t, f.provider.recorded(), 5)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, async.Close(ctx))
	broker.mu.Lock()
	defer broker.mu.Unlock()
	assert.Equal(t, 5, broker.attempts)
}

func TestWebhookMounted(t *testing.T) {
	var hit bool
	cfg := &common.Config{CORSAllowedOrigins: []string{"*"}}
	hook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusAccepted)
	})
	h := NewHandler(gateway.New(whapi.NewClient("", "", time.Second), zerolog.Nop()), nil, hook, cfg, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/providers/whapi/events", strings.NewReader("{}")))

	assert.True(t, hit)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestProviderMessageID(t *testing.T) {
	cases := map[string]string{
		`{"message":{"id":"m1"}}`: "m1",
		`{"id":"m2"}`:             "m2",
		`{"sent":true}`:           "",
		`[1,2]`:                   "",
	}
	for input, expected := range cases {
		if got := providerMessageID(json.RawMessage(input)); got != expected {
			t.Fatalf("providerMessageID(%s)=%q, expected %q", input, got, expected)
		}
	}
}
