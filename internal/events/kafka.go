package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

var publishCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "whapi_events_published_total",
	Help: "Outcome events written to the broker",
}, []string{"type", "status"})

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Topics struct {
	Messages       string
	ProviderEvents string
	DLQ            string
}

// KafkaPublisher writes events to one topic per event family, keeping a
// writer per topic for the life of the process.
type KafkaPublisher struct {
	topics        Topics
	writerFactory func(topic string) MessageWriter
	maxElapsed    time.Duration

	mu      sync.Mutex
	writers map[string]MessageWriter
}

func NewKafkaPublisher(brokers []string, topics Topics) *KafkaPublisher {
	return newKafkaPublisher(topics, func(topic string) MessageWriter {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		}
	})
}

func newKafkaPublisher(topics Topics, factory func(topic string) MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{
		topics:        topics,
		writerFactory: factory,
		maxElapsed:    2 * time.Second,
		writers:       map[string]MessageWriter{},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	writer := p.writer(p.topicFor(evt.Type))
	msg := kafka.Message{Key: []byte(evt.Key), Value: payload}

	// Only the broker write is retried; provider sends never are.
	op := backoff.NewExponentialBackOff()
	op.InitialInterval = 50 * time.Millisecond
	op.MaxElapsedTime = p.maxElapsed
	err = backoff.Retry(func() error {
		return writer.WriteMessages(ctx, msg)
	}, backoff.WithContext(op, ctx))

	status := "ok"
	if err != nil {
		status = "error"
	}
	publishCounter.WithLabelValues(string(evt.Type), status).Inc()
	if err != nil {
		return fmt.Errorf("publish %s event: %w", evt.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) topicFor(t Type) string {
	switch t {
	case TypeMessageSent, TypeMessageFailed:
		return p.topics.Messages
	case TypeProviderStatus:
		return p.topics.ProviderEvents
	default:
		return p.topics.DLQ
	}
}

func (p *KafkaPublisher) writer(topic string) MessageWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := p.writerFactory(topic)
	p.writers[topic] = w
	return w
}

func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer %s: %w", topic, err))
		}
	}
	p.writers = map[string]MessageWriter{}
	return errors.Join(errs...)
}
