// Package eventbus implements Kilo Guardian's in-process fan-out (spec
// §4.4). Publish is non-blocking to the caller: the bus enqueues the
// payload onto every interested subscriber's bounded queue and
// returns. A dedicated per-subscriber goroutine drains its queue in
// FIFO order, invoking the subscriber with a bounded timeout; on
// failure it retries with exponential backoff, and after the final
// retry is exhausted the payload is written to a dead-letter log keyed
// by subscriber and topic.
//
// Guarantees: at-least-once delivery to each subscriber, ordering
// preserved per subscriber per topic, no ordering across subscribers.
// The publisher never blocks on subscriber health. A separate durable
// broker is deliberately not introduced — the durable truth lives in
// each component's own store, and events are derived from it (spec §9,
// "Event bus choice").
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic names used by the adherence core (spec §4.4).
const (
	TopicMedicationAdded   = "medication.added"
	TopicMedicationUpdated = "medication.updated"
	TopicMedicationDeleted = "medication.deleted"
	TopicReminderFired     = "reminder.fired"
	TopicReminderSnoozed   = "reminder.snoozed"
	TopicDoseTaken         = "dose.taken"
	TopicDoseMissed        = "dose.missed"
	TopicDoseLate          = "dose.late"
	TopicHabitCompleted    = "habit.completed"
	TopicPatternDetected   = "pattern.detected"
	TopicQuantityLow       = "quantity.low"
)

// Event is the stable wire/internal payload shape for every topic
// (spec §6, "Event payload schema").
type Event struct {
	Topic      string         `json:"topic"`
	EventID    string         `json:"event_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Subscriber receives events published to the topics it registered
// for. Handle is invoked from a dedicated per-subscriber goroutine, so
// implementations do not need to be reentrant across topics, but must
// be safe to call repeatedly and quickly (it runs under a per-attempt
// timeout).
type Subscriber interface {
	Handle(ctx context.Context, e Event) error
}

// DeadLetter records a delivery that exhausted all retry attempts.
type DeadLetter struct {
	Subscriber string
	Topic      string
	Event      Event
	LastError  error
	FailedAt   time.Time
}

// Config tunes queue capacity and retry behavior (spec §6).
type Config struct {
	QueueCapacity int
	MaxAttempts   int // total attempts, including the first (spec default 3)
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Bus is the topic-based, per-subscriber-retrying event bus.
type Bus struct {
	cfg    Config
	logger *slog.Logger
	clock  nower

	mu    sync.Mutex
	subs  map[string]*subscription // keyed by subscriber name
	drops map[string]int           // drop counter per subscriber, for /admin/status-style introspection

	deadLetterMu sync.Mutex
	deadLetters  []DeadLetter
}

// nower is the minimal clock dependency the bus needs (stamping events
// and dead-letter entries); kept narrow so callers can pass
// clock.Real{} or clock.NewVirtual(...) without depending on the
// clock package's fuller Timer machinery.
type nower interface {
	Now() time.Time
}

type subscription struct {
	name    string
	topics  map[string]struct{}
	sub     Subscriber
	queue   chan Event
	stopped chan struct{}
}

// New creates a ready-to-use Bus. logger and clk must not be nil; pass
// clock.Real{} in production.
func New(cfg Config, logger *slog.Logger, clk nower) *Bus {
	return &Bus{
		cfg:    cfg.withDefaults(),
		logger: logger,
		clock:  clk,
		subs:   make(map[string]*subscription),
		drops:  make(map[string]int),
	}
}

// Subscribe registers sub under name for the given topics and starts
// its drain goroutine. Calling Subscribe again with the same name
// replaces the prior registration (the old drain goroutine is signalled
// to stop and its queue is abandoned, not closed).
func (b *Bus) Subscribe(name string, sub Subscriber, topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topicSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		topicSet[t] = struct{}{}
	}

	if old, ok := b.subs[name]; ok {
		close(old.stopped)
	}

	s := &subscription{
		name:    name,
		topics:  topicSet,
		sub:     sub,
		queue:   make(chan Event, b.cfg.QueueCapacity),
		stopped: make(chan struct{}),
	}
	b.subs[name] = s
	go b.drain(s)
}

// Publish stamps an event (assigning EventID/OccurredAt if unset) and
// enqueues it into every subscriber registered for e.Topic. Non-blocking:
// if a subscriber's queue is full, the oldest queued event for that
// subscriber is dropped to make room — freshness wins over completeness
// for coaching signals, and durable truth lives in the adherence-event
// store, not the bus (spec §4.4).
func (b *Bus) Publish(e Event) Event {
	if e.EventID == "" {
		e.EventID = newEventID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = b.clock.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if _, interested := s.topics[e.Topic]; !interested {
			continue
		}
		select {
		case s.queue <- e:
		default:
			// Queue full: drop the oldest queued event, then enqueue the new one.
			select {
			case <-s.queue:
				b.drops[s.name]++
				if b.logger != nil {
					b.logger.Warn("event bus dropped oldest queued event",
						"subscriber", s.name, "topic", e.Topic)
				}
			default:
			}
			select {
			case s.queue <- e:
			default:
				// Another publisher raced us; give up rather than block.
			}
		}
	}
	return e
}

// DropCount returns how many events have been dropped for name due to
// queue saturation.
func (b *Bus) DropCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drops[name]
}

// DeadLetters returns a snapshot of all deliveries that exhausted
// retries, for operator reconciliation (spec §7). No gateway route
// exposes it.
func (b *Bus) DeadLetters() []DeadLetter {
	b.deadLetterMu.Lock()
	defer b.deadLetterMu.Unlock()
	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// backoffSchedule is the fixed retry delay sequence after the first
// attempt fails: 500ms, 2s, 8s (spec §4.4). Only the first
// cfg.MaxAttempts-1 entries are used.
var backoffSchedule = []time.Duration{500 * time.Millisecond, 2 * time.Second, 8 * time.Second}

const subscriberTimeout = 5 * time.Second

func (b *Bus) drain(s *subscription) {
	for {
		select {
		case <-s.stopped:
			return
		case e := <-s.queue:
			b.deliver(s, e)
		}
	}
}

func (b *Bus) deliver(s *subscription, e Event) {
	var lastErr error
	for attempt := 0; attempt < b.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffSchedule[min(attempt-1, len(backoffSchedule)-1)]
			select {
			case <-time.After(delay):
			case <-s.stopped:
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), subscriberTimeout)
		err := s.sub.Handle(ctx, e)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		if b.logger != nil {
			b.logger.Warn("event bus delivery failed",
				"subscriber", s.name, "topic", e.Topic, "event_id", e.EventID,
				"attempt", attempt+1, "error", err)
		}
	}

	b.deadLetterMu.Lock()
	b.deadLetters = append(b.deadLetters, DeadLetter{
		Subscriber: s.name,
		Topic:      e.Topic,
		Event:      e,
		LastError:  lastErr,
		FailedAt:   b.clock.Now(),
	})
	b.deadLetterMu.Unlock()

	if b.logger != nil {
		b.logger.Error("event bus delivery exhausted retries, writing to dead-letter log",
			"subscriber", s.name, "topic", e.Topic, "event_id", e.EventID, "error", lastErr)
	}
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
