package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var droppedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "whapi_events_dropped_total",
	Help: "Outcome events dropped before reaching the broker",
}, []string{"reason"})

var (
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("event publisher closed")
)

type queued struct {
	ctx context.Context
	evt Event
}

// AsyncPublisher queues events and hands them to next from a single
// goroutine, so callers never wait on the broker. Publish only fails when
// the queue is full or the publisher is closed.
type AsyncPublisher struct {
	next    Publisher
	timeout time.Duration
	logger  zerolog.Logger

	queue chan queued
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsyncPublisher(next Publisher, buffer int, timeout time.Duration, logger zerolog.Logger) *AsyncPublisher {
	p := &AsyncPublisher{
		next:    next,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan queued, buffer),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *AsyncPublisher) Publish(ctx context.Context, evt Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		droppedCounter.WithLabelValues("closed").Inc()
		return ErrClosed
	}
	// Keep trace values from ctx but not its cancellation: the request
	// usually finishes before the event is written.
	select {
	case p.queue <- queued{ctx: context.WithoutCancel(ctx), evt: evt}:
		return nil
	default:
		droppedCounter.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for item := range p.queue {
		ctx, cancel := context.WithTimeout(item.ctx, p.timeout)
		if err := p.next.Publish(ctx, item.evt); err != nil {
			droppedCounter.WithLabelValues("publish_error").Inc()
			p.logger.Warn().Err(err).Str("event_type", string(item.evt.Type)).Str("event_id", item.evt.ID).
				Msg("outcome event dropped")
		}
		cancel()
	}
}

// Close stops accepting events and waits until the queue is drained or ctx
// expires.
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
