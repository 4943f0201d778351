package coaching

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiloguardian/kiloguardian/internal/clock"
	"github.com/kiloguardian/kiloguardian/internal/eventbus"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeResolver struct{ name string }

func (f fakeResolver) Name(ctx context.Context, medID int64) (string, error) { return f.name, nil }

func newTestEngine(t *testing.T, start time.Time) (*Engine, *clock.Virtual) {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "coaching.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	vc := clock.NewVirtual(start)
	e := NewEngine(Config{}, store, fakeResolver{name: "Lisinopril"}, vc, discardLogger())
	return e, vc
}

func doseEvent(topic string, medID int64, occurredAt time.Time, minutesLate int) eventbus.Event {
	return eventbus.Event{
		Topic: topic, OccurredAt: occurredAt,
		Data: map[string]any{"med_id": &medID, "minutes_late": minutesLate},
	}
}

func TestEngine_WeekdayPatternEmitsMessage(t *testing.T) {
	start := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) // Friday
	e, _ := newTestEngine(t, start)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev := doseEvent(eventbus.TopicDoseLate, 1, start.AddDate(0, 0, -7*i), 20)
		if err := e.Handle(ctx, ev); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}

	msgs, err := e.Pull(ctx, defaultUser)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(msgs) == 0 {
		t.Fatal("expected at least one coaching message after a repeated late pattern")
	}
	if msgs[0].Kind != MessageLatePattern {
		t.Errorf("Kind = %v, want late_pattern", msgs[0].Kind)
	}
	if msgs[0].DeliveredAt == nil {
		t.Error("expected Pull to stamp DeliveredAt")
	}
}

func TestEngine_SingleMissedDose_EmitsMissedDoseMessage(t *testing.T) {
	start := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, start)
	ctx := context.Background()

	ev := doseEvent(eventbus.TopicDoseMissed, 1, start, 0)
	if err := e.Handle(ctx, ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	msgs, err := e.Pull(ctx, defaultUser)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1 for a single missed dose", len(msgs))
	}
	if msgs[0].Kind != MessageMissedDose {
		t.Errorf("Kind = %v, want missed_dose", msgs[0].Kind)
	}
}

func TestEngine_Cooldown_SuppressesRepeat(t *testing.T) {
	start := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, start)
	ctx := context.Background()

	medID := int64(1)
	ev := eventbus.Event{Topic: eventbus.TopicQuantityLow, OccurredAt: start, Data: map[string]any{"med_id": medID}}
	if err := e.Handle(ctx, ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := e.Handle(ctx, ev); err != nil {
		t.Fatalf("Handle (second): %v", err)
	}

	msgs, err := e.Pull(ctx, defaultUser)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1 (second firing within cooldown should be suppressed)", len(msgs))
	}
}

func TestEngine_Feedback_DoublesCooldown(t *testing.T) {
	start := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	e, vc := newTestEngine(t, start)
	ctx := context.Background()

	medID := int64(1)
	ev := eventbus.Event{Topic: eventbus.TopicQuantityLow, OccurredAt: start, Data: map[string]any{"med_id": medID}}
	if err := e.Handle(ctx, ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	msgs, err := e.Pull(ctx, defaultUser)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Pull: %+v, %v", msgs, err)
	}
	if err := e.Feedback(ctx, msgs[0].ID, FeedbackNotHelpful); err != nil {
		t.Fatalf("Feedback: %v", err)
	}

	vc.Advance(25 * time.Hour) // past the base 24h quantity_low cooldown
	if err := e.Handle(ctx, ev); err != nil {
		t.Fatalf("Handle (after feedback): %v", err)
	}
	msgs, err = e.Pull(ctx, defaultUser)
	if err != nil {
		t.Fatalf("Pull (after feedback): %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("len(msgs) = %d, want 0 (doubled cooldown should still suppress at 25h)", len(msgs))
	}
}

func TestEngine_QuietHours_DelaysDelivery(t *testing.T) {
	start := time.Date(2026, 7, 31, 23, 0, 0, 0, time.UTC) // 23:00, inside default quiet hours
	store, err := Open(filepath.Join(t.TempDir(), "coaching.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	vc := clock.NewVirtual(start)
	e := NewEngine(Config{}, store, fakeResolver{name: "X"}, vc, discardLogger())
	ctx := context.Background()

	medID := int64(1)
	ev := eventbus.Event{Topic: eventbus.TopicQuantityLow, OccurredAt: start, Data: map[string]any{"med_id": medID}}
	if err := e.Handle(ctx, ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	msgs, err := e.Pull(ctx, defaultUser)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatal("expected message queued during quiet hours to not be pullable yet")
	}

	vc.Advance(9 * time.Hour) // now past 07:00
	msgs, err = e.Pull(ctx, defaultUser)
	if err != nil {
		t.Fatalf("Pull (after quiet hours): %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1 after quiet hours end", len(msgs))
	}
}
