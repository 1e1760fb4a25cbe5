package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is loaded once at startup and treated as read-only afterwards.
type Config struct {
	ServiceName string
	HTTPPort    int
	MetricsPort int

	WhapiToken   string
	WhapiBaseURL string
	WhapiTimeout time.Duration

	CORSAllowedOrigins []string

	KafkaBrokers        []string
	MessageEventsTopic  string
	ProviderEventsTopic string
	DLQTopic            string
	EventQueueSize      int

	WebhookSecret string
	OTLPEndpoint  string
}

// LoadConfig reads an optional .env file and then the process environment.
// Missing Whapi credentials are not an error; requests to the provider will
// simply be malformed.
func LoadConfig(service string) (*Config, error) {
	return loadConfig(service, ".env")
}

func loadConfig(service string, dotenv ...string) (*Config, error) {
	// godotenv never overrides variables already set in the environment.
	if err := godotenv.Load(dotenv...); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load dotenv: %w", err)
	}

	cfg := &Config{ServiceName: service}

	httpPort, err := getEnvInt("HTTP_PORT", 8000)
	if err != nil {
		return nil, err
	}
	cfg.HTTPPort = httpPort

	metricsPort, err := getEnvInt("METRICS_PORT", httpPort+1000)
	if err != nil {
		return nil, err
	}
	cfg.MetricsPort = metricsPort

	cfg.WhapiToken = os.Getenv("WHAPI_TOKEN")
	cfg.WhapiBaseURL = strings.TrimRight(os.Getenv("WHAPI_BASEURL"), "/")

	timeout, err := getEnvDuration("WHAPI_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.WhapiTimeout = timeout

	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"})
	cfg.KafkaBrokers = getEnvList("KAFKA_BROKERS", nil)
	cfg.MessageEventsTopic = getEnv("MESSAGE_EVENTS_TOPIC", "whapi.messages")
	cfg.ProviderEventsTopic = getEnv("PROVIDER_EVENTS_TOPIC", "whapi.provider.events")
	cfg.DLQTopic = getEnv("DLQ_TOPIC", "dlq.whapi.events")

	queueSize, err := getEnvInt("EVENT_QUEUE_SIZE", 1024)
	if err != nil {
		return nil, err
	}
	cfg.EventQueueSize = queueSize

	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")

	return cfg, nil
}

// EventsEnabled reports whether outcome events should be published to Kafka.
func (c *Config) EventsEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
