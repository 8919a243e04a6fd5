// Package notify fans session output out to other processes over Redis
// Pub/Sub.
//
// Session listeners run on the tick goroutine, so the Publisher only
// enqueues; a single background loop performs the network writes. When the
// queue is full new events are dropped and counted rather than stalling the
// tick.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"contauth/internal/metrics"
	"contauth/internal/session"
)

// DefaultPrefix is the channel prefix used when none is configured.
const DefaultPrefix = "contauth:events:"

// EventType is the channel suffix an event is published on.
type EventType string

const (
	EventAnomaly        EventType = "anomaly"
	EventReauthRequired EventType = "reauth_required"
	EventSessionEnded   EventType = "session_ended"
	EventSample         EventType = "sample"
)

// EventTypes lists every type in publication order.
var EventTypes = []EventType{EventAnomaly, EventReauthRequired, EventSessionEnded, EventSample}

// ErrClosed is returned after the publisher has stopped.
var ErrClosed = errors.New("notify: publisher closed")

// PubSubClient is the minimal Redis Pub/Sub surface the publisher needs.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	// Subscribe registers a callback for messages on channel and returns an
	// unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// Event is the wire envelope for every published message.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Data      json.RawMessage `json:"data"`
}

// Decode unmarshals Data into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// WithMetrics records publish outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithSamples also publishes every window sample, not only anomalous ones.
func WithSamples(enabled bool) Option {
	return func(p *Publisher) { p.samples = enabled }
}

// WithQueueSize overrides the default queue capacity of 1024.
func WithQueueSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan Event, n)
		}
	}
}

// WithPublishTimeout bounds each network publish. Default 2s.
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.timeout = d }
}

// Publisher is a session.Listener that publishes to Redis channels named
// prefix+EventType.
type Publisher struct {
	client  PubSubClient
	prefix  string
	samples bool
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue   chan Event
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

var _ session.Listener = (*Publisher)(nil)

// NewPublisher creates a publisher. Call Run to start delivery.
func NewPublisher(client PubSubClient, prefix string, opts ...Option) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	p := &Publisher{
		client:  client,
		prefix:  prefix,
		timeout: 2 * time.Second,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		queue:   make(chan Event, 1024),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Channel returns the full channel name for t.
func (p *Publisher) Channel(t EventType) string {
	return p.prefix + string(t)
}

// Dropped returns how many events were discarded because the queue was full
// or the publisher was closed.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// OnSample publishes anomalous windows on the anomaly channel and, when
// enabled, every window on the sample channel.
func (p *Publisher) OnSample(e session.SampleEvent) {
	if e.IsAnomaly {
		p.enqueue(EventAnomaly, e.SessionID, e.UserID, e.Sample.ClosedAt, e)
	}
	if p.samples {
		p.enqueue(EventSample, e.SessionID, e.UserID, e.Sample.ClosedAt, e)
	}
}

// OnReauthRequired publishes on the reauth_required channel.
func (p *Publisher) OnReauthRequired(e session.ReauthEvent) {
	p.enqueue(EventReauthRequired, e.SessionID, e.UserID, e.At, e)
}

// OnSessionEnded publishes on the session_ended channel.
func (p *Publisher) OnSessionEnded(e session.EndEvent) {
	p.enqueue(EventSessionEnded, e.SessionID, e.UserID, e.At, e)
}

func (p *Publisher) enqueue(t EventType, sessionID, userID string, at time.Time, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("notify: marshal event", "type", t, "error", err)
		return
	}
	if at.IsZero() {
		at = p.now()
	}
	ev := Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: at.UTC(),
		SessionID: sessionID,
		UserID:    userID,
		Data:      data,
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop(t)
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.drop(t)
	}
}

func (p *Publisher) drop(t EventType) {
	n := p.dropped.Add(1)
	if p.metrics != nil {
		p.metrics.RecordPublish(p.Channel(t), "dropped")
	}
	// log the first drop and then every 1000th
	if n == 1 || n%1000 == 0 {
		p.logger.Warn("notify: queue full, dropping events", "type", t, "dropped", n)
	}
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// already queued and closes the publisher.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.closed = true
			p.mu.Unlock()
			p.flush()
			return nil
		case ev := <-p.queue:
			p.deliver(context.Background(), ev)
		}
	}
}

func (p *Publisher) flush() {
	for {
		select {
		case ev := <-p.queue:
			p.deliver(context.Background(), ev)
		default:
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	channel := p.Channel(ev.Type)
	data, err := json.Marshal(ev)
	if err == nil {
		err = p.client.Publish(ctx, channel, data)
	}
	if p.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		p.metrics.RecordPublish(channel, result)
	}
	if err != nil {
		p.logger.Warn("notify: publish failed", "channel", channel, "session_id", ev.SessionID, "error", err)
	}
}

// Publish sends ev synchronously. It is used by tools that emit events
// outside a session tick.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(ev.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe delivers decoded events of the given types to handler until the
// returned function is called. Messages that do not decode are logged and
// skipped.
func Subscribe(ctx context.Context, client PubSubClient, prefix string, types []EventType, handler func(Event), logger *slog.Logger) (func(), error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var unsubs []func()
	cancelAll := func() {
		for _, u := range unsubs {
			u()
		}
	}
	for _, t := range types {
		channel := prefix + string(t)
		unsub, err := client.Subscribe(ctx, channel, func(data []byte) {
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				logger.Warn("notify: undecodable message", "channel", channel, "error", err)
				return
			}
			handler(ev)
		})
		if err != nil {
			cancelAll()
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
		unsubs = append(unsubs, unsub)
	}
	return cancelAll, nil
}
