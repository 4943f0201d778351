package adherence

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiloguardian/kiloguardian/internal/clock"
	"github.com/kiloguardian/kiloguardian/internal/eventbus"
	"github.com/kiloguardian/kiloguardian/internal/habit"
	"github.com/kiloguardian/kiloguardian/internal/reminder"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(nopWriter{}, nil)) }

type fakeMeds struct {
	quantity int
	low      bool
	calls    int
}

func (f *fakeMeds) ApplyDoseTaken(ctx context.Context, medID int64) (int, bool, error) {
	f.calls++
	if f.quantity > 0 {
		f.quantity--
	}
	return f.quantity, f.low, nil
}

type eventCollector struct {
	events []eventbus.Event
}

func (e *eventCollector) Handle(_ context.Context, ev eventbus.Event) error {
	e.events = append(e.events, ev)
	return nil
}

func newTestCoordinator(t *testing.T, start time.Time) (*Coordinator, *reminder.Store, *habit.Store, *clock.Virtual, *fakeMeds, *eventCollector) {
	t.Helper()
	dir := t.TempDir()

	rem, err := reminder.Open(filepath.Join(dir, "reminders.db"))
	if err != nil {
		t.Fatalf("reminder.Open: %v", err)
	}
	t.Cleanup(func() { rem.Close() })

	habits, err := habit.Open(filepath.Join(dir, "habits.db"))
	if err != nil {
		t.Fatalf("habit.Open: %v", err)
	}
	t.Cleanup(func() { habits.Close() })

	events, err := OpenEventStore(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("OpenEventStore: %v", err)
	}
	t.Cleanup(func() { events.Close() })

	vc := clock.NewVirtual(start)
	meds := &fakeMeds{quantity: 30}
	collector := &eventCollector{}
	bus := eventbus.New(eventbus.Config{}, discardLogger(), vc)
	bus.Subscribe("test", collector,
		eventbus.TopicReminderFired, eventbus.TopicDoseTaken, eventbus.TopicDoseLate,
		eventbus.TopicDoseMissed, eventbus.TopicHabitCompleted, eventbus.TopicQuantityLow,
		eventbus.TopicReminderSnoozed)

	coord := New(Config{SnoozeMinutes: 15, MaxSnoozes: 3}, rem, habits, events, meds, bus, vc, discardLogger())
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(coord.Stop)

	return coord, rem, habits, vc, meds, collector
}

func waitForEvent(t *testing.T, c *eventCollector, topic string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range c.events {
			if e.Topic == topic {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for event %q", topic)
}

func TestConfirm_OnTimeProducesTakenEventAndHabitCompletion(t *testing.T) {
	start := time.Date(2026, 7, 31, 7, 59, 0, 0, time.UTC)
	coord, rem, habits, _, meds, collector := newTestCoordinator(t, start)
	ctx := context.Background()

	medID := int64(1)
	habitID, err := habits.Create(ctx, "Lisinopril", habit.FrequencyDaily, &medID, start)
	if err != nil {
		t.Fatalf("habits.Create: %v", err)
	}
	reminderID, err := rem.Create(ctx, reminder.Spec{
		MedID: &medID, HabitID: &habitID,
		FiringTime: time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC),
		Timezone:   "UTC", Recurrence: reminder.RecurrenceDaily, CadenceRaw: "daily at 08:00",
	}, start)
	if err != nil {
		t.Fatalf("rem.Create: %v", err)
	}

	claimed, err := rem.ClaimDue(ctx, time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC), 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDue: %v, %d", err, len(claimed))
	}
	if err := coord.HandleFired(ctx, claimed[0]); err != nil {
		t.Fatalf("HandleFired: %v", err)
	}
	waitForEvent(t, collector, eventbus.TopicReminderFired)

	if err := coord.Confirm(ctx, reminderID, time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	waitForEvent(t, collector, eventbus.TopicDoseTaken)
	waitForEvent(t, collector, eventbus.TopicHabitCompleted)

	r, err := rem.Get(ctx, reminderID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.State != reminder.StateConfirmed {
		t.Errorf("State = %q, want confirmed", r.State)
	}
	if meds.calls != 1 {
		t.Errorf("ApplyDoseTaken calls = %d, want 1", meds.calls)
	}
	if meds.quantity != 29 {
		t.Errorf("quantity = %d, want 29", meds.quantity)
	}

	h, err := habits.Get(ctx, habitID)
	if err != nil {
		t.Fatalf("habits.Get: %v", err)
	}
	if h.TotalCompletions != 1 {
		t.Errorf("TotalCompletions = %d, want 1", h.TotalCompletions)
	}
}

func TestConfirm_LateButStillFired_ProducesTakenNotLate(t *testing.T) {
	start := time.Date(2026, 7, 31, 7, 59, 0, 0, time.UTC)
	coord, rem, _, _, _, collector := newTestCoordinator(t, start)
	ctx := context.Background()

	medID := int64(1)
	reminderID, err := rem.Create(ctx, reminder.Spec{
		MedID: &medID, FiringTime: time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC),
		Timezone: "UTC", Recurrence: reminder.RecurrenceNone, CadenceRaw: "",
	}, start)
	if err != nil {
		t.Fatalf("rem.Create: %v", err)
	}

	claimed, err := rem.ClaimDue(ctx, time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC), 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDue: %v, %d", err, len(claimed))
	}
	if err := coord.HandleFired(ctx, claimed[0]); err != nil {
		t.Fatalf("HandleFired: %v", err)
	}
	waitForEvent(t, collector, eventbus.TopicReminderFired)

	// Confirmed 22 minutes late but the grace window (default 30m)
	// hasn't elapsed, so the reminder is still `fired`, not `missed`
	// (spec §8 S3: kind=taken is expected here, not kind=late).
	if err := coord.Confirm(ctx, reminderID, time.Date(2026, 7, 31, 8, 22, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	waitForEvent(t, collector, eventbus.TopicDoseTaken)

	for _, e := range collector.events {
		if e.Topic == eventbus.TopicDoseLate {
			t.Fatal("unexpected dose.late event for a still-fired late confirmation")
		}
	}

	r, err := rem.Get(ctx, reminderID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.State != reminder.StateConfirmed {
		t.Errorf("State = %q, want confirmed", r.State)
	}
}

func TestConfirm_IsIdempotent(t *testing.T) {
	start := time.Date(2026, 7, 31, 7, 59, 0, 0, time.UTC)
	coord, rem, _, _, meds, _ := newTestCoordinator(t, start)
	ctx := context.Background()

	reminderID, _ := rem.Create(ctx, reminder.Spec{
		FiringTime: time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC),
		Timezone:   "UTC", Recurrence: reminder.RecurrenceNone,
	}, start)
	rem.ClaimDue(ctx, time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC), 10)

	at := time.Date(2026, 7, 31, 8, 2, 0, 0, time.UTC)
	if err := coord.Confirm(ctx, reminderID, at); err != nil {
		t.Fatalf("Confirm (1st): %v", err)
	}
	if err := coord.Confirm(ctx, reminderID, at.Add(time.Hour)); err != nil {
		t.Fatalf("Confirm (2nd): %v", err)
	}
	if meds.calls != 1 {
		t.Errorf("ApplyDoseTaken calls = %d, want 1 (repeat confirm must be a no-op)", meds.calls)
	}
}

func TestHandleFired_ThenGraceElapsedMarksMissed(t *testing.T) {
	start := time.Date(2026, 7, 31, 7, 59, 0, 0, time.UTC)
	coord, rem, _, vc, _, collector := newTestCoordinator(t, start)
	ctx := context.Background()

	reminderID, _ := rem.Create(ctx, reminder.Spec{
		FiringTime: time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC),
		Timezone:   "UTC", Recurrence: reminder.RecurrenceNone, GraceWindowMinutes: 30,
	}, start)
	vc.Set(time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC))
	claimed, _ := rem.ClaimDue(ctx, vc.Now(), 10)
	coord.HandleFired(ctx, claimed[0])
	waitForEvent(t, collector, eventbus.TopicReminderFired)

	vc.Advance(31 * time.Minute)
	waitForEvent(t, collector, eventbus.TopicDoseMissed)

	r, err := rem.Get(ctx, reminderID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.State != reminder.StateMissed {
		t.Errorf("State = %q, want missed", r.State)
	}
}

func TestSnooze_CancelsGraceDeadline(t *testing.T) {
	start := time.Date(2026, 7, 31, 7, 59, 0, 0, time.UTC)
	coord, rem, _, vc, _, collector := newTestCoordinator(t, start)
	ctx := context.Background()

	reminderID, _ := rem.Create(ctx, reminder.Spec{
		FiringTime: time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC),
		Timezone:   "UTC", Recurrence: reminder.RecurrenceNone, GraceWindowMinutes: 30,
	}, start)
	vc.Set(time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC))
	claimed, _ := rem.ClaimDue(ctx, vc.Now(), 10)
	coord.HandleFired(ctx, claimed[0])
	waitForEvent(t, collector, eventbus.TopicReminderFired)

	if err := coord.Snooze(ctx, reminderID); err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	waitForEvent(t, collector, eventbus.TopicReminderSnoozed)

	vc.Advance(31 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	for _, e := range collector.events {
		if e.Topic == eventbus.TopicDoseMissed {
			t.Fatal("dose.missed fired after snooze cancelled the original grace deadline")
		}
	}

	r, err := rem.Get(ctx, reminderID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.State != reminder.StateScheduled {
		t.Errorf("State = %q, want scheduled", r.State)
	}
	if r.SnoozeCount != 1 {
		t.Errorf("SnoozeCount = %d, want 1", r.SnoozeCount)
	}
}
