package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSub struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSub) Handle(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSub) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPublish_DeliversToInterestedSubscriber(t *testing.T) {
	b := New(Config{}, nil, fixedClock{})
	sub := &recordingSub{}
	b.Subscribe("habit", sub, TopicDoseTaken)

	b.Publish(Event{Topic: TopicDoseTaken, Data: map[string]any{"reminder_id": "r1"}})

	waitFor(t, func() bool { return len(sub.snapshot()) == 1 })
}

func TestPublish_IgnoresUninterestedTopic(t *testing.T) {
	b := New(Config{}, nil, fixedClock{})
	sub := &recordingSub{}
	b.Subscribe("habit", sub, TopicDoseTaken)

	b.Publish(Event{Topic: TopicDoseMissed})

	time.Sleep(20 * time.Millisecond)
	if len(sub.snapshot()) != 0 {
		t.Errorf("subscriber received an event for a topic it didn't register for")
	}
}

func TestPublish_StampsEventIDAndTime(t *testing.T) {
	b := New(Config{}, nil, fixedClock{})
	e := b.Publish(Event{Topic: TopicReminderFired})
	if e.EventID == "" {
		t.Error("EventID was not stamped")
	}
	if e.OccurredAt.IsZero() {
		t.Error("OccurredAt was not stamped")
	}
}

func TestPublish_PreservesOrderPerSubscriber(t *testing.T) {
	b := New(Config{}, nil, fixedClock{})
	sub := &recordingSub{}
	b.Subscribe("pattern", sub, TopicDoseTaken)

	for i := 0; i < 10; i++ {
		b.Publish(Event{Topic: TopicDoseTaken, Data: map[string]any{"seq": i}})
	}

	waitFor(t, func() bool { return len(sub.snapshot()) == 10 })
	for i, e := range sub.snapshot() {
		if e.Data["seq"] != i {
			t.Errorf("event %d has seq %v, want %d (order not preserved)", i, e.Data["seq"], i)
		}
	}
}

type failingSub struct {
	attempts int
	mu       sync.Mutex
}

func (f *failingSub) Handle(_ context.Context, _ Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	return errors.New("boom")
}

func (f *failingSub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func TestDelivery_RetriesThenDeadLetters(t *testing.T) {
	b := New(Config{MaxAttempts: 2}, nil, fixedClock{})
	sub := &failingSub{}
	b.Subscribe("coaching", sub, TopicQuantityLow)

	b.Publish(Event{Topic: TopicQuantityLow})

	waitFor(t, func() bool { return sub.count() == 2 })

	dl := b.DeadLetters()
	if len(dl) != 1 {
		t.Fatalf("DeadLetters() = %d entries, want 1", len(dl))
	}
	if dl[0].Subscriber != "coaching" || dl[0].Topic != TopicQuantityLow {
		t.Errorf("dead letter = %+v, unexpected subscriber/topic", dl[0])
	}
}

func TestPublish_DropsOldestWhenQueueFull(t *testing.T) {
	b := New(Config{QueueCapacity: 1}, nil, fixedClock{})
	block := make(chan struct{})
	sub := &blockingSub{release: block}
	b.Subscribe("slow", sub, TopicDoseTaken)

	// First event gets picked up immediately by drain and blocks there.
	b.Publish(Event{Topic: TopicDoseTaken, Data: map[string]any{"seq": 0}})
	time.Sleep(20 * time.Millisecond)

	// These two queue up; the capacity-1 queue can hold only one, so
	// publishing a second should evict the first queued entry.
	b.Publish(Event{Topic: TopicDoseTaken, Data: map[string]any{"seq": 1}})
	b.Publish(Event{Topic: TopicDoseTaken, Data: map[string]any{"seq": 2}})

	if got := b.DropCount("slow"); got != 1 {
		t.Errorf("DropCount = %d, want 1", got)
	}
	close(block)
}

type blockingSub struct {
	release chan struct{}
	mu      sync.Mutex
	handled []Event
}

func (b *blockingSub) Handle(ctx context.Context, e Event) error {
	b.mu.Lock()
	first := len(b.handled) == 0
	b.handled = append(b.handled, e)
	b.mu.Unlock()
	if first {
		<-b.release
	}
	return nil
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC) }
